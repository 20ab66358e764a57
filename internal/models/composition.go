// Package models defines the domain types for scoreroom.
package models

import "time"

// Role is a collaborator's permission level on a composition.
type Role string

// Collaborator roles.
const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Counter fields that can be incremented on a composition.
const (
	CounterViews     = "views"
	CounterDownloads = "downloads"
)

// Collaborator grants a user a role on a composition.
type Collaborator struct {
	UserID string `json:"user"`
	Role   Role   `json:"role"`
}

// HistoryEntry records the note list as it was before a committed mutation.
// Entries are append-only and never modified once written.
type HistoryEntry struct {
	Version    int64     `json:"version"`
	Notes      []Note    `json:"notes"`
	EditedBy   string    `json:"editedBy"`
	EditedAt   time.Time `json:"editedAt"`
	ChangeNote string    `json:"changeNote,omitempty"`
}

// Composition is a shared score document.
type Composition struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	OwnerID       string         `json:"owner"`
	Collaborators []Collaborator `json:"collaborators"`
	IsPublic      bool           `json:"isPublic"`
	Notes         []Note         `json:"notes"`
	Version       int64          `json:"version"`
	History       []HistoryEntry `json:"history"`
	Views         int64          `json:"views"`
	Downloads     int64          `json:"downloads"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// RoleOf returns the collaborator role of userID, or "" if the user is not a collaborator.
func (c *Composition) RoleOf(userID string) Role {
	for _, col := range c.Collaborators {
		if col.UserID == userID {
			return col.Role
		}
	}
	return ""
}

// User is an identity resolved from a credential token.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}
