// Package store defines the persistence contract the route engine calls out to.
package store

import (
	"context"
	"errors"

	"route_engine/internal/models"
)

var (
	// ErrNotFound is returned when no route has the requested id.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateNumber is returned when a write would give two active routes the same number.
	ErrDuplicateNumber = errors.New("route number already in use")
)

// Store persists routes together with their stops.
//
// Implementations refresh the derived geometry of every route they return and
// enforce route number uniqueness among active routes.
type Store interface {
	ListRoutes(ctx context.Context, activeOnly bool) ([]models.Route, error)
	CreateRoute(ctx context.Context, route models.Route) (models.Route, error)
	UpdateRoute(ctx context.Context, id uint, route models.Route) (models.Route, error)
	DeleteRoute(ctx context.Context, id uint) error
}
