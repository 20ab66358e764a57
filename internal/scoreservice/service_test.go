package scoreservice

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/stats"
	"github.com/starford/scoreroom/internal/testutil"
)

func setup(t *testing.T) (*Service, func(id string) *models.Composition) {
	t.Helper()
	db := testutil.TestDB(t)
	testutil.SeedComposition(t, db, &models.Composition{
		ID:            "c1",
		Title:         "Etude",
		OwnerID:       "owner",
		Collaborators: []models.Collaborator{{UserID: "viewer", Role: models.RoleViewer}},
		Notes:         []models.Note{models.MustNote(map[string]any{"id": "n1", "pitch": "C4"})},
	})
	_, err := db.CommitMutation(context.Background(), "c1", []models.Note{models.MustNote(map[string]any{"id": "n2", "pitch": "D4"})}, "owner", "second")
	require.NoError(t, err)

	counter := stats.NewStoreCounter(db)
	get := func(id string) *models.Composition {
		c, err := db.GetComposition(context.Background(), id)
		require.NoError(t, err)
		return c
	}
	return NewService(db, counter, nil), get
}

func TestGetComposition_CountsView(t *testing.T) {
	svc, get := setup(t)

	c, err := svc.GetComposition(context.Background(), "viewer", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Version)
	assert.Equal(t, int64(1), get("c1").Views)
}

func TestGetComposition_Denied(t *testing.T) {
	svc, get := setup(t)

	_, err := svc.GetComposition(context.Background(), "stranger", "c1")
	require.ErrorIs(t, err, apperr.ErrAccessDenied)
	assert.Equal(t, int64(0), get("c1").Views)
}

func TestGetComposition_NotFound(t *testing.T) {
	svc, _ := setup(t)

	_, err := svc.GetComposition(context.Background(), "owner", "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHistory(t *testing.T) {
	svc, _ := setup(t)

	hist, err := svc.History(context.Background(), "owner", "c1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(1), hist[0].Version)
	assert.Equal(t, "second", hist[0].ChangeNote)
	assert.Equal(t, "C4", hist[0].Notes[0].Text("pitch"))
}

func TestExport_CountsDownload(t *testing.T) {
	svc, get := setup(t)

	exp, err := svc.Export(context.Background(), "owner", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Etude", exp.Title)
	assert.Equal(t, int64(2), exp.Version)
	require.Len(t, exp.Notes, 1)
	assert.Equal(t, "D4", exp.Notes[0].Text("pitch"))
	assert.Equal(t, int64(1), get("c1").Downloads)
	assert.Equal(t, int64(0), get("c1").Views)
}

type failingCounter struct{}

func (failingCounter) Increment(context.Context, string, string) error {
	return errors.New("redis down")
}

func TestCounterFailureDoesNotFailRead(t *testing.T) {
	db := testutil.TestDB(t)
	testutil.SeedComposition(t, db, &models.Composition{ID: "pub", OwnerID: "o", IsPublic: true})
	svc := NewService(db, failingCounter{}, nil)

	_, err := svc.GetComposition(context.Background(), "anyone", "pub")
	require.NoError(t, err)
}
