// Package access answers whether a user may view or edit a composition.
package access

import "github.com/starford/scoreroom/internal/models"

// Evaluator implements the composition permission model.
type Evaluator struct{}

// CanView reports whether userID may open c: public compositions, the owner and any collaborator.
func (Evaluator) CanView(userID string, c *models.Composition) bool {
	if c == nil {
		return false
	}
	if c.IsPublic || c.OwnerID == userID {
		return true
	}
	return c.RoleOf(userID) != ""
}

// CanEdit reports whether userID may mutate c: the owner or a collaborator with the editor role.
func (Evaluator) CanEdit(userID string, c *models.Composition) bool {
	if c == nil {
		return false
	}
	if c.OwnerID == userID {
		return true
	}
	return c.RoleOf(userID) == models.RoleEditor
}
