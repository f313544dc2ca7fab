package gormstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"route_engine/internal/models"
	"route_engine/internal/store"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"record not found", gorm.ErrRecordNotFound, store.ErrNotFound},
		{"wrapped record not found", fmt.Errorf("lookup: %w", gorm.ErrRecordNotFound), store.ErrNotFound},
		{"unique violation", &pq.Error{Code: "23505", Detail: "Key (lower(btrim(number)))=(335e) already exists."}, store.ErrDuplicateNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
		})
	}

	other := &pq.Error{Code: "23503"}
	assert.Equal(t, error(other), translateError(other))
}

func TestResetStops(t *testing.T) {
	stops := []models.Stop{
		{Model: gorm.Model{ID: 8}, Name: "b", Order: 1, RouteID: 3},
		{Model: gorm.Model{ID: 7}, Name: "a", Order: 0, RouteID: 3},
	}
	out := resetStops(stops)
	assert.Equal(t, "a", out[0].Name)
	assert.Zero(t, out[0].ID)
	assert.Zero(t, out[1].ID)
	assert.Equal(t, uint(8), stops[0].ID)
}
