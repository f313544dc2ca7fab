// Package gormstore persists routes in Postgres through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"route_engine/internal/geometry"
	"route_engine/internal/models"
	"route_engine/internal/store"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// activeNumberIndex enforces one active route per number, compared trimmed and case-insensitive.
const activeNumberIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_routes_active_number
	ON routes (lower(btrim(number)))
	WHERE is_active AND deleted_at IS NULL`

// Store implements store.Store on a gorm handle.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// New wraps db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the routes and stops tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Route{}, &models.Stop{}); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	if err := db.Exec(activeNumberIndex).Error; err != nil {
		return fmt.Errorf("create active number index: %w", err)
	}
	return nil
}

func orderedStops(db *gorm.DB) *gorm.DB {
	return db.Order("seq")
}

func (s *Store) ListRoutes(ctx context.Context, activeOnly bool) ([]models.Route, error) {
	q := s.db.WithContext(ctx).Preload("Stops", orderedStops).Order("id")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var routes []models.Route
	if err := q.Find(&routes).Error; err != nil {
		return nil, translateError(err)
	}
	for i := range routes {
		routes[i].Geometry = geometry.Build(routes[i].Stops)
	}
	return routes, nil
}

func (s *Store) CreateRoute(ctx context.Context, route models.Route) (models.Route, error) {
	route = route.Clone()
	route.ID = 0
	if err := geometry.Refresh(&route); err != nil {
		return models.Route{}, err
	}
	stops := resetStops(route.Stops)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Stops").Create(&route).Error; err != nil {
			return err
		}
		return createStops(tx, route.ID, stops)
	})
	if err != nil {
		return models.Route{}, translateError(err)
	}
	return s.get(ctx, route.ID)
}

func (s *Store) UpdateRoute(ctx context.Context, id uint, route models.Route) (models.Route, error) {
	route = route.Clone()
	if err := geometry.Refresh(&route); err != nil {
		return models.Route{}, err
	}
	stops := resetStops(route.Stops)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Route
		if err := tx.First(&existing, id).Error; err != nil {
			return err
		}
		// Map updates so that false and empty values are written too.
		if err := tx.Model(&existing).Updates(map[string]interface{}{
			"name":         route.Name,
			"number":       route.Number,
			"is_active":    route.IsActive,
			"shape":        route.Shape,
			"encoded_path": route.EncodedPath,
		}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("route_id = ?", id).Delete(&models.Stop{}).Error; err != nil {
			return err
		}
		return createStops(tx, id, stops)
	})
	if err != nil {
		return models.Route{}, translateError(err)
	}
	return s.get(ctx, id)
}

func (s *Store) DeleteRoute(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("route_id = ?", id).Delete(&models.Stop{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Route{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("route %d: %w", id, translateError(err))
	}
	return nil
}

func (s *Store) get(ctx context.Context, id uint) (models.Route, error) {
	var route models.Route
	if err := s.db.WithContext(ctx).Preload("Stops", orderedStops).First(&route, id).Error; err != nil {
		return models.Route{}, translateError(err)
	}
	route.Geometry = geometry.Build(route.Stops)
	return route, nil
}

func resetStops(stops []models.Stop) []models.Stop {
	out := geometry.SortedStops(stops)
	for i := range out {
		out[i].Model = gorm.Model{}
	}
	return out
}

func createStops(tx *gorm.DB, routeID uint, stops []models.Stop) error {
	if len(stops) == 0 {
		return nil
	}
	for i := range stops {
		stops[i].RouteID = routeID
	}
	return tx.Create(&stops).Error
}

// translateError maps driver errors onto the store sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Detail, store.ErrDuplicateNumber)
	}
	return err
}
