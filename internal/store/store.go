// Package store defines the document and identity store consumed by the collaboration core.
package store

import (
	"context"
	"fmt"

	"github.com/starford/scoreroom/internal/models"
)

// Store is implemented by the sqlite and postgres backends.
type Store interface {
	// GetComposition returns the composition with its collaborators and full history.
	GetComposition(ctx context.Context, id string) (*models.Composition, error)
	// CommitMutation atomically appends a history entry holding the current notes,
	// replaces the notes, and increments the version. It returns the new version.
	CommitMutation(ctx context.Context, id string, notes []models.Note, editorID, changeNote string) (int64, error)
	// History returns the history entries of a composition in version order.
	History(ctx context.Context, id string) ([]models.HistoryEntry, error)
	// CreateComposition inserts a new composition at version 1.
	CreateComposition(ctx context.Context, c *models.Composition) error
	// GetUser loads a user by id.
	GetUser(ctx context.Context, id string) (*models.User, error)
	// PutUser inserts or updates a user.
	PutUser(ctx context.Context, u *models.User) error
	// IncrementCounter bumps an ancillary counter (views, downloads) by one.
	IncrementCounter(ctx context.Context, id, field string) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend.
	Close() error
}

// CounterColumn validates a counter field name and returns its column.
func CounterColumn(field string) (string, error) {
	switch field {
	case models.CounterViews, models.CounterDownloads:
		return field, nil
	default:
		return "", fmt.Errorf("store: unknown counter %q", field)
	}
}

// NonNil returns s, or an empty slice when s is nil, so JSON encodes [] instead of null.
func NonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
