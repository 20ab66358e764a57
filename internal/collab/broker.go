// Package collab implements the collaboration protocol: room membership
// transitions, snapshot delivery, permission-checked note mutations, presence
// and chat relay. It is driven by decoded Inbound events and emits
// session.Event values; framing is left to the transport.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/scoreroom/internal/access"
	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/session"
)

// Store is the part of the composition store the broker needs.
type Store interface {
	GetComposition(ctx context.Context, id string) (*models.Composition, error)
	CommitMutation(ctx context.Context, id string, notes []models.Note, editorID, changeNote string) (int64, error)
}

// Verifier resolves a credential token to a user.
type Verifier interface {
	Verify(ctx context.Context, token string) (*models.User, error)
}

// Access answers view and edit permission questions.
type Access interface {
	CanView(userID string, c *models.Composition) bool
	CanEdit(userID string, c *models.Composition) bool
}

// Counter increments ancillary composition counters.
type Counter interface {
	Increment(ctx context.Context, compositionID, field string) error
}

// State is the protocol state of a connection.
type State int

// A Conn exists only once its handshake has authenticated, so there is no
// unauthenticated state here.
const (
	StateAuthenticated State = iota
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in-room"
	default:
		return "closed"
	}
}

// Conn is the per-connection protocol state. Events of one Conn are handled
// one at a time.
type Conn struct {
	mu     sync.Mutex
	p      *session.Participant
	room   string
	closed bool
}

// Participant returns the connection's participant.
func (c *Conn) Participant() *session.Participant { return c.p }

// Room returns the composition id of the current room, or "".
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// State returns the current protocol state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return StateClosed
	case c.room != "":
		return StateInRoom
	default:
		return StateAuthenticated
	}
}

// Option configures a Broker.
type Option func(*Broker)

// WithAccess replaces the default access evaluator.
func WithAccess(a Access) Option {
	return func(b *Broker) { b.access = a }
}

// WithCounter enables view counting on join.
func WithCounter(c Counter) Option {
	return func(b *Broker) { b.counter = c }
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithOutboundBuffer sets the per-participant outbound queue size.
func WithOutboundBuffer(n int) Option {
	return func(b *Broker) { b.buffer = n }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker runs the collaboration protocol for every connection.
type Broker struct {
	registry *session.Registry
	store    Store
	verifier Verifier
	access   Access
	counter  Counter
	logger   *slog.Logger
	buffer   int
	now      func() time.Time
	newID    func() string

	locks *docLocks
}

// NewBroker creates a Broker.
func NewBroker(registry *session.Registry, store Store, verifier Verifier, opts ...Option) *Broker {
	b := &Broker{
		registry: registry,
		store:    store,
		verifier: verifier,
		access:   access.Evaluator{},
		logger:   slog.Default(),
		buffer:   64,
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    newDocLocks(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Authenticate verifies the handshake token and attaches the new participant
// to the registry. Failure is fatal for the connection: the caller must close
// it.
func (b *Broker) Authenticate(ctx context.Context, token string) (*Conn, error) {
	u, err := b.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, apperr.ErrUnauthenticated) {
			err = fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
		}
		b.logger.Warn("handshake rejected", slog.String("error", err.Error()))
		return nil, err
	}
	c := &Conn{p: session.NewParticipant(b.newID(), *u, b.buffer)}
	if err := b.registry.Attach(c.p); err != nil {
		return nil, fmt.Errorf("attach connection: %w", err)
	}
	b.logger.Info("connection authenticated",
		slog.String("conn_id", c.p.ConnID),
		slog.String("user_id", u.ID))
	return c, nil
}

// Handle processes one inbound event. Failures are reported to c only as an
// error event; they never close the connection.
func (b *Broker) Handle(ctx context.Context, c *Conn, in Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	var err error
	switch ev := in.(type) {
	case JoinComposition:
		err = b.join(ctx, c, ev.CompositionID)
	case LeaveComposition:
		err = b.leave(c)
	case NoteUpdate:
		err = b.updateNotes(ctx, c, ev)
	case CursorMove:
		err = b.relay(c, EventCursorMove, func(u UserRef, ts time.Time) any {
			return CursorMoved{User: u, Position: ev.Position, Timestamp: ts}
		})
	case SelectionChange:
		err = b.relay(c, EventSelectionChange, func(u UserRef, ts time.Time) any {
			return SelectionChanged{User: u, Selection: ev.Selection, Timestamp: ts}
		})
	case ChatMessage:
		err = b.chat(c, ev.Message)
	default:
		err = fmt.Errorf("%w: unsupported event", apperr.ErrInvalidPayload)
	}
	if err != nil {
		b.logger.Debug("event rejected",
			slog.String("conn_id", c.p.ConnID),
			slog.String("user_id", c.p.User.ID),
			slog.String("event", in.EventName()),
			slog.String("error", err.Error()))
		b.reply(c, err)
	}
}

// Reject reports err to c, for events the transport could not decode.
func (b *Broker) Reject(c *Conn, err error) {
	b.reply(c, err)
}

// Disconnect leaves the current room, if any, detaches the participant from
// the registry and closes its outbound queue. Calling it again is a no-op.
func (b *Broker) Disconnect(c *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.room != "" {
		_ = b.leave(c)
	}
	c.closed = true
	b.registry.Detach(c.p)
	c.p.Close()
	b.logger.Info("connection closed",
		slog.String("conn_id", c.p.ConnID),
		slog.String("user_id", c.p.User.ID))
}

func (b *Broker) reply(c *Conn, err error) {
	c.p.Send(session.Event{
		Type: EventError,
		Data: ErrorPayload{Message: errorMessage(err), Code: apperr.Code(err)},
	})
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return "Composition not found"
	case errors.Is(err, apperr.ErrAccessDenied):
		return "Access denied"
	case errors.Is(err, apperr.ErrWrongRoom):
		return "Not in this composition room"
	case errors.Is(err, apperr.ErrNotInRoom):
		return "Join a composition first"
	case errors.Is(err, apperr.ErrPersistence):
		return "Failed to save changes"
	case errors.Is(err, apperr.ErrInvalidPayload):
		return err.Error()
	default:
		return "Internal error"
	}
}

func (b *Broker) load(ctx context.Context, id string) (*models.Composition, error) {
	comp, err := b.store.GetComposition(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("composition %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: load composition %s: %v", apperr.ErrPersistence, id, err)
	}
	return comp, nil
}

// join runs under the composition lock so the snapshot and the join-presence
// broadcast are ordered against mutation broadcasts of the same composition.
func (b *Broker) join(ctx context.Context, c *Conn, id string) error {
	unlock := b.locks.lock(id)
	defer unlock()

	comp, err := b.load(ctx, id)
	if err != nil {
		return err
	}
	if !b.access.CanView(c.p.User.ID, comp) {
		return fmt.Errorf("view composition %s: %w", id, apperr.ErrAccessDenied)
	}

	rejoin := c.room == id
	if c.room != "" && !rejoin {
		_ = b.leave(c)
	}

	// The snapshot is queued before membership: anything published to the
	// room after Join is delivered behind it.
	c.p.Send(session.Event{
		Type: EventCompositionState,
		Data: CompositionState{Composition: comp, Users: b.roster(id, c.p)},
	})
	b.registry.Join(id, c.p)
	c.room = id

	if !rejoin {
		b.registry.Publish(id, c.p, session.Event{
			Type: EventUserJoined,
			Data: UserPresence{User: userRef(c.p.User)},
		})
	}
	b.countView(id)

	b.logger.Info("joined composition",
		slog.String("conn_id", c.p.ConnID),
		slog.String("user_id", c.p.User.ID),
		slog.String("composition_id", id),
		slog.Int64("version", comp.Version))
	return nil
}

// roster lists the distinct users in room id, counting self as a member.
func (b *Broker) roster(id string, self *session.Participant) []UserRef {
	members := b.registry.MembersIncluding(id)
	if !slices.Contains(members, self) {
		members = append(members, self)
	}
	seen := make(map[string]struct{}, len(members))
	out := make([]UserRef, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m.User.ID]; ok {
			continue
		}
		seen[m.User.ID] = struct{}{}
		out = append(out, userRef(m.User))
	}
	return out
}

func (b *Broker) countView(id string) {
	if b.counter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.counter.Increment(ctx, id, models.CounterViews); err != nil {
			b.logger.Debug("view counter failed",
				slog.String("composition_id", id),
				slog.String("error", err.Error()))
		}
	}()
}

func (b *Broker) leave(c *Conn) error {
	if c.room == "" {
		return apperr.ErrNotInRoom
	}
	room := c.room
	b.registry.Leave(room, c.p)
	c.room = ""
	b.registry.Publish(room, c.p, session.Event{
		Type: EventUserLeft,
		Data: UserPresence{User: userRef(c.p.User)},
	})
	b.logger.Info("left composition",
		slog.String("conn_id", c.p.ConnID),
		slog.String("user_id", c.p.User.ID),
		slog.String("composition_id", room))
	return nil
}

// updateNotes is the only path that mutates a composition. The lock covers
// exactly re-fetch, permission check, commit and broadcast.
func (b *Broker) updateNotes(ctx context.Context, c *Conn, ev NoteUpdate) error {
	if c.room == "" {
		return apperr.ErrNotInRoom
	}
	if ev.CompositionID != c.room {
		return fmt.Errorf("note-update for %s while in %s: %w", ev.CompositionID, c.room, apperr.ErrWrongRoom)
	}
	id := ev.CompositionID

	unlock := b.locks.lock(id)
	defer unlock()

	comp, err := b.load(ctx, id)
	if err != nil {
		return err
	}
	if !b.access.CanEdit(c.p.User.ID, comp) {
		return fmt.Errorf("edit composition %s: %w", id, apperr.ErrAccessDenied)
	}

	// Once the commit starts it is allowed to finish even if the sender goes away.
	version, err := b.store.CommitMutation(context.WithoutCancel(ctx), id, ev.Notes, c.p.User.ID, ev.ChangeNote)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("composition %s: %w", id, apperr.ErrNotFound)
		}
		b.logger.Error("commit mutation failed",
			slog.String("composition_id", id),
			slog.String("user_id", c.p.User.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: commit %s: %v", apperr.ErrPersistence, id, err)
	}

	b.registry.Publish(id, c.p, session.Event{
		Type: EventNoteUpdate,
		Data: NoteUpdated{
			CompositionID: id,
			Operation:     ev.Operation,
			Notes:         ev.Notes,
			NoteData:      ev.NoteData,
			Version:       version,
			UpdatedBy:     UserRef{ID: c.p.User.ID, Name: c.p.User.Name},
			Timestamp:     b.now(),
		},
	})

	b.logger.Debug("mutation committed",
		slog.String("composition_id", id),
		slog.String("user_id", c.p.User.ID),
		slog.String("operation", ev.Operation),
		slog.Int64("version", version))
	return nil
}

func (b *Broker) relay(c *Conn, event string, payload func(UserRef, time.Time) any) error {
	if c.room == "" {
		return apperr.ErrNotInRoom
	}
	b.registry.Publish(c.room, c.p, session.Event{
		Type: event,
		Data: payload(userRef(c.p.User), b.now()),
	})
	return nil
}

func (b *Broker) chat(c *Conn, text string) error {
	if c.room == "" {
		return apperr.ErrNotInRoom
	}
	b.registry.Publish(c.room, nil, session.Event{
		Type: EventChatMessage,
		Data: ChatRelayed{
			ID:        b.newID(),
			User:      userRef(c.p.User),
			Message:   text,
			Timestamp: b.now(),
		},
	})
	return nil
}
