package routes

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"route_engine/internal/controllers"
	"route_engine/internal/middleware"
)

func RouteRoutes(r *gin.Engine, rc *controllers.RouteController, auth *middleware.Auth) {
	operator := auth.RequireAuthWithRole(middleware.RoleOperator)

	api := r.Group("/api/routes")
	{
		api.POST("/validate", rc.Validate)
		api.POST("/geometry", rc.Geometry)
		api.GET("/export", rc.Export)
		api.POST("/import", operatorUnlessValidateOnly(operator), rc.Import)
		api.POST("/bulk-delete", operator, rc.BulkDelete)
		api.PUT("/bulk", operator, rc.BulkUpdate)
	}
}

// operatorUnlessValidateOnly lets dry-run imports through without a token.
func operatorUnlessValidateOnly(operator gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if dryRun, err := strconv.ParseBool(c.Query("validate_only")); err == nil && dryRun {
			c.Next()
			return
		}
		operator(c)
	}
}
