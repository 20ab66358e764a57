package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/models"
)

// Inbound event names.
const (
	EventJoinComposition  = "join-composition"
	EventLeaveComposition = "leave-composition"
	EventNoteUpdate       = "note-update"
	EventCursorMove       = "cursor-move"
	EventSelectionChange  = "selection-change"
	EventChatMessage      = "chat-message"
)

// Outbound-only event names. note-update, cursor-move, selection-change and
// chat-message are relayed under their inbound names.
const (
	EventCompositionState = "composition-state"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventError            = "error"
)

// Operations accepted on note-update.
var noteOperations = []any{"add", "update", "delete", "move", "replace", "clear", "batch"}

const maxChatLength = 2000

// Inbound is a decoded client event.
type Inbound interface {
	EventName() string
}

// JoinComposition asks to enter the room of a composition.
type JoinComposition struct {
	CompositionID string `json:"compositionId"`
}

// LeaveComposition leaves the current room.
type LeaveComposition struct{}

// NoteUpdate proposes a full replacement of a composition's note list.
// Notes must be JSON objects; their fields are relayed and stored untouched.
type NoteUpdate struct {
	CompositionID string          `json:"compositionId"`
	Notes         []models.Note   `json:"notes"`
	Operation     string          `json:"operation"`
	NoteData      json.RawMessage `json:"noteData,omitempty"`
	ChangeNote    string          `json:"changeNote,omitempty"`
}

// CursorMove relays the sender's cursor position.
type CursorMove struct {
	Position json.RawMessage `json:"position"`
}

// SelectionChange relays the sender's selection.
type SelectionChange struct {
	Selection json.RawMessage `json:"selection"`
}

// ChatMessage is a chat line for the current room.
type ChatMessage struct {
	Message string `json:"message"`
}

func (JoinComposition) EventName() string  { return EventJoinComposition }
func (LeaveComposition) EventName() string { return EventLeaveComposition }
func (NoteUpdate) EventName() string       { return EventNoteUpdate }
func (CursorMove) EventName() string       { return EventCursorMove }
func (SelectionChange) EventName() string  { return EventSelectionChange }
func (ChatMessage) EventName() string      { return EventChatMessage }

// Validate validates the join payload.
func (j JoinComposition) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.CompositionID, validation.Required),
	)
}

// Validate validates the note-update payload.
func (n NoteUpdate) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.CompositionID, validation.Required),
		validation.Field(&n.Notes, validation.NotNil, validation.Each(validation.NotNil)),
		validation.Field(&n.Operation, validation.Required, validation.In(noteOperations...)),
		validation.Field(&n.ChangeNote, validation.Length(0, 500)),
	)
}

// Validate validates the cursor payload.
func (c CursorMove) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Position, validation.Required),
	)
}

// Validate validates the selection payload.
func (s SelectionChange) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Selection, validation.Required),
	)
}

// Validate validates the chat payload.
func (m ChatMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Message, validation.Required, validation.RuneLength(1, maxChatLength)),
	)
}

// Decode turns a named event and its JSON payload into an Inbound value.
// Errors wrap apperr.ErrInvalidPayload.
func Decode(event string, data json.RawMessage) (Inbound, error) {
	var in Inbound
	switch event {
	case EventJoinComposition:
		j := JoinComposition{}
		// The id may be sent bare ("abc") or as {"compositionId": "abc"}.
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
			if err := json.Unmarshal(trimmed, &j.CompositionID); err != nil {
				return nil, invalid(event, err)
			}
		} else if err := unmarshal(data, &j); err != nil {
			return nil, invalid(event, err)
		}
		in = j
	case EventLeaveComposition:
		in = LeaveComposition{}
	case EventNoteUpdate:
		n := NoteUpdate{}
		if err := unmarshal(data, &n); err != nil {
			return nil, invalid(event, err)
		}
		in = n
	case EventCursorMove:
		c := CursorMove{}
		if err := unmarshal(data, &c); err != nil {
			return nil, invalid(event, err)
		}
		in = c
	case EventSelectionChange:
		s := SelectionChange{}
		if err := unmarshal(data, &s); err != nil {
			return nil, invalid(event, err)
		}
		in = s
	case EventChatMessage:
		m := ChatMessage{}
		if err := unmarshal(data, &m); err != nil {
			return nil, invalid(event, err)
		}
		m.Message = strings.TrimSpace(m.Message)
		in = m
	default:
		return nil, fmt.Errorf("%w: unknown event %q", apperr.ErrInvalidPayload, event)
	}

	if v, ok := in.(validation.Validatable); ok {
		if err := v.Validate(); err != nil {
			return nil, invalid(event, err)
		}
	}
	return in, nil
}

func unmarshal(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func invalid(event string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrInvalidPayload, event, err)
}

// UserRef identifies a participant in outbound events.
type UserRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

func userRef(u models.User) UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
}

// CompositionState is the full snapshot sent to a participant that joins.
type CompositionState struct {
	Composition *models.Composition `json:"composition"`
	Users       []UserRef           `json:"users"`
}

// UserPresence announces a participant joining or leaving.
type UserPresence struct {
	User UserRef `json:"user"`
}

// NoteUpdated is the broadcast of a committed mutation.
type NoteUpdated struct {
	CompositionID string          `json:"compositionId"`
	Operation     string          `json:"operation"`
	Notes         []models.Note   `json:"notes"`
	NoteData      json.RawMessage `json:"noteData,omitempty"`
	Version       int64           `json:"version"`
	UpdatedBy     UserRef         `json:"updatedBy"`
	Timestamp     time.Time       `json:"timestamp"`
}

// CursorMoved relays a cursor position.
type CursorMoved struct {
	User      UserRef         `json:"user"`
	Position  json.RawMessage `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

// SelectionChanged relays a selection.
type SelectionChanged struct {
	User      UserRef         `json:"user"`
	Selection json.RawMessage `json:"selection"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChatRelayed is a chat message delivered to every member of a room.
type ChatRelayed struct {
	ID        string    `json:"id"`
	User      UserRef   `json:"user"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a failed event to the connection that sent it.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
