package routes

import (
	"net/http"

	ginlog "github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"route_engine/internal/controllers"
	"route_engine/internal/logger"
	"route_engine/internal/middleware"
)

// SetupRouter wires middleware, probes and the route API.
func SetupRouter(rc *controllers.RouteController, auth *middleware.Auth, corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginlog.SetLogger(
		ginlog.WithWriter(logger.Writer()),
		ginlog.WithSkipPath([]string{"/healthz", "/metrics"}),
	))
	r.Use(middleware.CORS(corsOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RouteRoutes(r, rc, auth)
	return r
}
