// Package memstore is an in-process Store used for development and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"route_engine/internal/geometry"
	"route_engine/internal/models"
	"route_engine/internal/store"
)

// Store keeps routes in memory. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	routes    map[uint]models.Route
	nextRoute uint
	nextStop  uint
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{routes: make(map[uint]models.Route)}
}

// ListRoutes returns routes in id order.
func (s *Store) ListRoutes(ctx context.Context, activeOnly bool) ([]models.Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Route, 0, len(s.routes))
	for _, r := range s.routes {
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateRoute(ctx context.Context, route models.Route) (models.Route, error) {
	if err := ctx.Err(); err != nil {
		return models.Route{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNumber(route, 0); err != nil {
		return models.Route{}, err
	}
	s.nextRoute++
	now := time.Now()
	route = route.Clone()
	route.ID = s.nextRoute
	route.CreatedAt = now
	route.UpdatedAt = now
	if err := s.prepare(&route, now); err != nil {
		return models.Route{}, err
	}
	s.routes[route.ID] = route
	return route.Clone(), nil
}

func (s *Store) UpdateRoute(ctx context.Context, id uint, route models.Route) (models.Route, error) {
	if err := ctx.Err(); err != nil {
		return models.Route{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.routes[id]
	if !ok {
		return models.Route{}, fmt.Errorf("route %d: %w", id, store.ErrNotFound)
	}
	if err := s.checkNumber(route, id); err != nil {
		return models.Route{}, err
	}
	now := time.Now()
	route = route.Clone()
	route.ID = id
	route.CreatedAt = existing.CreatedAt
	route.UpdatedAt = now
	if err := s.prepare(&route, now); err != nil {
		return models.Route{}, err
	}
	s.routes[id] = route
	return route.Clone(), nil
}

func (s *Store) DeleteRoute(ctx context.Context, id uint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[id]; !ok {
		return fmt.Errorf("route %d: %w", id, store.ErrNotFound)
	}
	delete(s.routes, id)
	return nil
}

// checkNumber plays the part of the partial unique index on active route numbers.
func (s *Store) checkNumber(route models.Route, self uint) error {
	if !route.IsActive {
		return nil
	}
	number := models.NormalizeNumber(route.Number)
	for id, r := range s.routes {
		if id != self && r.IsActive && models.NormalizeNumber(r.Number) == number {
			return fmt.Errorf("%q: %w", route.Number, store.ErrDuplicateNumber)
		}
	}
	return nil
}

func (s *Store) prepare(route *models.Route, now time.Time) error {
	stops := geometry.SortedStops(route.Stops)
	for i := range stops {
		s.nextStop++
		stops[i].ID = s.nextStop
		stops[i].RouteID = route.ID
		stops[i].CreatedAt = now
		stops[i].UpdatedAt = now
	}
	route.Stops = stops
	return geometry.Refresh(route)
}
