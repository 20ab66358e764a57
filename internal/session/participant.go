// Package session tracks which participants are in which composition room and
// fans outbound events out to them.
package session

import (
	"sync"

	"github.com/starford/scoreroom/internal/models"
)

// Event is one outbound message addressed to a participant.
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// Participant is an authenticated connection's collaboration identity.
// Outbound events are queued in a bounded buffer drained by the transport.
type Participant struct {
	ConnID string
	User   models.User

	mu     sync.Mutex
	out    chan Event
	closed bool
}

// NewParticipant creates a participant whose outbound queue holds buffer events.
func NewParticipant(connID string, user models.User, buffer int) *Participant {
	if buffer <= 0 {
		buffer = 64
	}
	return &Participant{
		ConnID: connID,
		User:   user,
		out:    make(chan Event, buffer),
	}
}

// Outbound returns the queue the transport drains. It is closed when the
// participant is closed or falls too far behind.
func (p *Participant) Outbound() <-chan Event {
	return p.out
}

// Send queues ev without blocking. A full queue means the client is lagging:
// the queue is closed so the transport drops the connection, and the client
// re-fetches full state when it reconnects.
func (p *Participant) Send(ev Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.out <- ev:
		return true
	default:
		p.closed = true
		close(p.out)
		return false
	}
}

// Close closes the outbound queue. Safe to call more than once.
func (p *Participant) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
}

// Closed reports whether the outbound queue has been closed.
func (p *Participant) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
