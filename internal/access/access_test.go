package access

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/starford/scoreroom/internal/models"
)

func TestEvaluator(t *testing.T) {
	c := &models.Composition{
		ID:      "c1",
		OwnerID: "owner",
		Collaborators: []models.Collaborator{
			{UserID: "ed", Role: models.RoleEditor},
			{UserID: "vw", Role: models.RoleViewer},
		},
	}
	var ev Evaluator

	cases := []struct {
		user    string
		public  bool
		canView bool
		canEdit bool
	}{
		{user: "owner", canView: true, canEdit: true},
		{user: "ed", canView: true, canEdit: true},
		{user: "vw", canView: true, canEdit: false},
		{user: "stranger", canView: false, canEdit: false},
		{user: "stranger", public: true, canView: true, canEdit: false},
	}
	for _, tc := range cases {
		c.IsPublic = tc.public
		assert.Equal(t, tc.canView, ev.CanView(tc.user, c), "view %s public=%v", tc.user, tc.public)
		assert.Equal(t, tc.canEdit, ev.CanEdit(tc.user, c), "edit %s public=%v", tc.user, tc.public)
	}
}

func TestEvaluator_NilComposition(t *testing.T) {
	var ev Evaluator
	assert.False(t, ev.CanView("u", nil))
	assert.False(t, ev.CanEdit("u", nil))
}
