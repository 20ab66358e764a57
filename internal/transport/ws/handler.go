// Package ws carries the collaboration protocol over WebSocket connections.
//
// Every frame in either direction is a JSON text message of the form
// {"event": "<name>", "data": <payload>}.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/collab"
	"github.com/starford/scoreroom/internal/identity"
	"github.com/starford/scoreroom/internal/session"
)

// Broker is the protocol engine a connection is bound to.
type Broker interface {
	Authenticate(ctx context.Context, token string) (*collab.Conn, error)
	Handle(ctx context.Context, c *collab.Conn, in collab.Inbound)
	Reject(c *collab.Conn, err error)
	Disconnect(c *collab.Conn)
}

// Settings tunes connection timeouts and limits.
type Settings struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	// AllowedOrigins lists origins permitted to open a connection. Empty means
	// same-origin only; "*" allows any origin.
	AllowedOrigins []string
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	pongTimeout := 60 * time.Second
	return Settings{
		WriteTimeout: 10 * time.Second,
		PongTimeout:  pongTimeout,
		PingInterval: pongTimeout * 9 / 10,
		ReadLimit:    1 << 20,
	}
}

// Handler upgrades HTTP requests and runs one connection per request.
type Handler struct {
	broker   Broker
	logger   *slog.Logger
	settings Settings
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler.
func NewHandler(broker Broker, logger *slog.Logger, settings Settings) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broker:   broker,
		logger:   logger,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(settings.AllowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		// gorilla's same-origin check.
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServeHTTP authenticates the handshake and then serves the connection until
// either side closes it. A failed handshake receives an error event and a
// close frame.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	// Hijacked connections outlive the request context.
	ctx := context.WithoutCancel(r.Context())

	conn, err := h.broker.Authenticate(ctx, token)
	if err != nil {
		h.refuse(ws, err)
		return
	}

	writerDone := make(chan struct{})
	go h.writePump(ws, conn.Participant(), writerDone)

	h.readPump(ctx, ws, conn)

	h.broker.Disconnect(conn)
	<-writerDone
}

func (h *Handler) refuse(ws *websocket.Conn, err error) {
	deadline := time.Now().Add(h.settings.WriteTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(session.Event{
		Type: collab.EventError,
		Data: collab.ErrorPayload{Message: "Authentication error", Code: apperr.Code(err)},
	})
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
}

// readPump handles inbound frames one at a time until the connection fails.
func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *collab.Conn) {
	if h.settings.ReadLimit > 0 {
		ws.SetReadLimit(h.settings.ReadLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(h.settings.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.settings.PongTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed",
					slog.String("conn_id", conn.Participant().ConnID),
					slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		in, err := decodeFrame(data)
		if err != nil {
			h.broker.Reject(conn, err)
			continue
		}
		h.broker.Handle(ctx, conn, in)
	}
}

// writePump drains the participant's outbound queue and keeps the connection
// alive with pings. A closed queue ends the connection.
func (h *Handler) writePump(ws *websocket.Conn, p *session.Participant, done chan<- struct{}) {
	ticker := time.NewTicker(h.settings.PingInterval)
	defer func() {
		ticker.Stop()
		// Unblocks readPump if the writer gave up first.
		_ = ws.Close()
		close(done)
	}()

	for {
		select {
		case ev, ok := <-p.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed",
					slog.String("conn_id", p.ConnID),
					slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decodeFrame(data []byte) (collab.Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", apperr.ErrInvalidPayload, err)
	}
	return collab.Decode(f.Event, f.Data)
}
