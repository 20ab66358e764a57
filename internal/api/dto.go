package api

import (
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/scoreservice"
)

// CompositionDetail is the full composition response type (aliased from the domain layer).
type CompositionDetail = models.Composition

// HistoryResponse wraps the history of a composition.
type HistoryResponse struct {
	CompositionID string                `json:"composition_id" example:"c1" validate:"required"`
	Entries       []models.HistoryEntry `json:"entries" validate:"required"`
}

// ExportResponse is a portable copy of a composition's notes (aliased from the domain layer).
type ExportResponse = scoreservice.Export

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status string `json:"status" example:"ok" validate:"required"`
}
