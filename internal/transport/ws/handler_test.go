package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scoreroom/internal/collab"
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/session"
	"github.com/starford/scoreroom/internal/store/sqlite"
	"github.com/starford/scoreroom/internal/testutil"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type env struct {
	server *httptest.Server
	db     *sqlite.DB
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.TestDB(t)
	testutil.SeedUsers(t, db, "owner", "viewer", "stranger")
	testutil.SeedComposition(t, db, &models.Composition{
		ID:            "D1",
		Title:         "Etude",
		OwnerID:       "owner",
		Collaborators: []models.Collaborator{{UserID: "viewer", Role: models.RoleViewer}},
		Notes:         []models.Note{models.MustNote(map[string]any{"id": "n1", "pitch": "C4", "duration": "q"})},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry()
	broker := collab.NewBroker(reg, db, testutil.Verifier(db), collab.WithLogger(logger))
	srv := httptest.NewServer(NewHandler(broker, logger, DefaultSettings()))
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return &env{server: srv, db: db}
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?token=" + token
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(map[string]any{"event": event, "data": data}))
}

func recv(t *testing.T, c *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg inbound
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

// recvEvent skips frames until one named event arrives.
func recvEvent(t *testing.T, c *websocket.Conn, event string) inbound {
	t.Helper()
	for {
		msg := recv(t, c)
		if msg.Event == event {
			return msg
		}
	}
}

func TestHandshake_RejectsBadToken(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, "not-a-token")

	msg := recv(t, c)
	require.Equal(t, collab.EventError, msg.Event)
	var payload collab.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "unauthenticated", payload.Code)

	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestHandshake_BearerHeader(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/"
	header := http.Header{"Authorization": []string{"Bearer " + testutil.Token(t, "owner")}}
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer c.Close()

	send(t, c, collab.EventJoinComposition, "D1")
	assert.Equal(t, collab.EventCompositionState, recv(t, c).Event)
}

func TestSession_EndToEnd(t *testing.T) {
	e := newEnv(t)
	owner := e.dial(t, testutil.Token(t, "owner"))
	viewer := e.dial(t, testutil.Token(t, "viewer"))

	send(t, owner, collab.EventJoinComposition, map[string]string{"compositionId": "D1"})
	msg := recv(t, owner)
	require.Equal(t, collab.EventCompositionState, msg.Event)
	var state struct {
		Composition models.Composition `json:"composition"`
		Users       []collab.UserRef   `json:"users"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &state))
	assert.Equal(t, int64(1), state.Composition.Version)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "owner", state.Users[0].ID)

	send(t, viewer, collab.EventJoinComposition, "D1")
	require.Equal(t, collab.EventCompositionState, recv(t, viewer).Event)
	require.Equal(t, collab.EventUserJoined, recv(t, owner).Event)

	// Viewer may not edit.
	send(t, viewer, collab.EventNoteUpdate, map[string]any{
		"compositionId": "D1", "operation": "add", "notes": []models.Note{},
	})
	msg = recvEvent(t, viewer, collab.EventError)
	assert.Contains(t, string(msg.Data), "access_denied")

	send(t, owner, collab.EventNoteUpdate, map[string]any{
		"compositionId": "D1",
		"operation":     "add",
		"notes":         []models.Note{models.MustNote(map[string]any{"id": "n1", "pitch": "C4"}), models.MustNote(map[string]any{"id": "n2", "pitch": "E4"})},
	})
	msg = recvEvent(t, viewer, collab.EventNoteUpdate)
	var upd collab.NoteUpdated
	require.NoError(t, json.Unmarshal(msg.Data, &upd))
	assert.Equal(t, int64(2), upd.Version)
	assert.Len(t, upd.Notes, 2)
	assert.Equal(t, "owner", upd.UpdatedBy.ID)

	hist, err := e.db.History(context.Background(), "D1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(1), hist[0].Version)

	send(t, viewer, collab.EventChatMessage, map[string]string{"message": "nice"})
	assert.Equal(t, collab.EventChatMessage, recvEvent(t, viewer, collab.EventChatMessage).Event)
	assert.Equal(t, collab.EventChatMessage, recvEvent(t, owner, collab.EventChatMessage).Event)

	// Closing the owner's socket announces the departure.
	require.NoError(t, owner.Close())
	msg = recvEvent(t, viewer, collab.EventUserLeft)
	var left collab.UserPresence
	require.NoError(t, json.Unmarshal(msg.Data, &left))
	assert.Equal(t, "owner", left.User.ID)
}

func TestSession_MalformedFrames(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, testutil.Token(t, "owner"))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := recv(t, c)
	require.Equal(t, collab.EventError, msg.Event)
	assert.Contains(t, string(msg.Data), "invalid_payload")

	send(t, c, "no-such-event", nil)
	msg = recv(t, c)
	require.Equal(t, collab.EventError, msg.Event)
	assert.Contains(t, string(msg.Data), "invalid_payload")

	// The connection survives bad input.
	send(t, c, collab.EventJoinComposition, "D1")
	assert.Equal(t, collab.EventCompositionState, recv(t, c).Event)
}

func TestSession_PrivateCompositionDenied(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, testutil.Token(t, "stranger"))

	send(t, c, collab.EventJoinComposition, "D1")
	msg := recv(t, c)
	require.Equal(t, collab.EventError, msg.Event)
	var payload collab.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "access_denied", payload.Code)
	assert.Equal(t, "Access denied", payload.Message)
}

func TestCheckOrigin(t *testing.T) {
	assert.Nil(t, checkOrigin(nil))

	open := checkOrigin([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.True(t, open(r))

	listed := checkOrigin([]string{"https://app.example"})
	assert.False(t, listed(r))
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, listed(r))
}
