// Package scoreservice serves read-only composition views over HTTP callers:
// snapshot, history and export, each gated by view rights.
package scoreservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/scoreroom/internal/access"
	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/stats"
)

// Store is the read side of the composition store.
type Store interface {
	GetComposition(ctx context.Context, id string) (*models.Composition, error)
	History(ctx context.Context, id string) ([]models.HistoryEntry, error)
}

// Export is a portable copy of a composition's current notes.
type Export struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Version    int64         `json:"version"`
	Notes      []models.Note `json:"notes"`
	ExportedAt time.Time     `json:"exported_at"`
}

// Service coordinates store reads, access checks and counters.
type Service struct {
	store   Store
	access  access.Evaluator
	counter stats.Counter
	logger  *slog.Logger
}

// NewService creates a new composition service. counter may be nil.
func NewService(store Store, counter stats.Counter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, counter: counter, logger: logger}
}

func (s *Service) viewable(ctx context.Context, userID, id string) (*models.Composition, error) {
	c, err := s.store.GetComposition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.access.CanView(userID, c) {
		return nil, fmt.Errorf("view composition %s: %w", id, apperr.ErrAccessDenied)
	}
	return c, nil
}

// GetComposition returns the composition snapshot and counts a view.
func (s *Service) GetComposition(ctx context.Context, userID, id string) (*models.Composition, error) {
	c, err := s.viewable(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.count(ctx, id, models.CounterViews)
	return c, nil
}

// History returns the composition's history entries in version order.
func (s *Service) History(ctx context.Context, userID, id string) ([]models.HistoryEntry, error) {
	c, err := s.viewable(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if c.History != nil {
		return c.History, nil
	}
	return s.store.History(ctx, id)
}

// Export returns the current notes and counts a download.
func (s *Service) Export(ctx context.Context, userID, id string) (*Export, error) {
	c, err := s.viewable(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.count(ctx, id, models.CounterDownloads)
	return &Export{
		ID:         c.ID,
		Title:      c.Title,
		Version:    c.Version,
		Notes:      c.Notes,
		ExportedAt: time.Now().UTC(),
	}, nil
}

// count is best effort: a failed counter never fails the read.
func (s *Service) count(ctx context.Context, id, field string) {
	if s.counter == nil {
		return
	}
	if err := s.counter.Increment(ctx, id, field); err != nil {
		s.logger.Warn("counter increment failed",
			slog.String("composition_id", id),
			slog.String("field", field),
			slog.String("error", err.Error()))
	}
}
