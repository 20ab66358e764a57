package session

import (
	"errors"
	"sync/atomic"
)

// ErrClosed is returned by Attach once the registry has been closed.
var ErrClosed = errors.New("session registry closed")

type command func(st *state)

type state struct {
	rooms  map[string]map[*Participant]struct{}
	roomOf map[*Participant]string
	// live holds every attached participant, in a room or not.
	live map[*Participant]struct{}
}

func (st *state) remove(p *Participant) (string, bool) {
	room, ok := st.roomOf[p]
	if !ok {
		return "", false
	}
	delete(st.roomOf, p)
	members := st.rooms[room]
	delete(members, p)
	if len(members) == 0 {
		delete(st.rooms, room)
	}
	return room, true
}

func (st *state) members(room string, except *Participant) []*Participant {
	members := st.rooms[room]
	out := make([]*Participant, 0, len(members))
	for p := range members {
		if p != except {
			out = append(out, p)
		}
	}
	return out
}

// Registry maps each composition to the participants currently in its room,
// and tracks every live participant so Close can end all of them.
//
// Concurrency model: a single internal event loop (goroutine) owns the room
// state. Public methods submit commands over one channel, so commands run in
// the order they were submitted and no mutexes are required. Publish does not
// wait for delivery but keeps its place in that order, which gives every
// member the events of a room in publication order.
type Registry struct {
	cmds chan command

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewRegistry starts a registry event loop.
func NewRegistry() *Registry {
	r := &Registry{
		cmds:    make(chan command, 256),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.stopped)

	st := &state{
		rooms:  make(map[string]map[*Participant]struct{}),
		roomOf: make(map[*Participant]string),
		live:   make(map[*Participant]struct{}),
	}

	for {
		select {
		case <-r.stopCh:
			for p := range st.live {
				p.Close()
			}
			return
		case cmd := <-r.cmds:
			cmd(st)
		}
	}
}

// exec runs fn on the event loop and waits for it. It reports false when the
// registry is closed.
func (r *Registry) exec(fn command) bool {
	if r.closed.Load() {
		return false
	}
	done := make(chan struct{})
	select {
	case r.cmds <- func(st *state) { fn(st); close(done) }:
	case <-r.stopped:
		return false
	}
	select {
	case <-done:
		return true
	case <-r.stopped:
		return false
	}
}

// Close stops the event loop and closes the outbound queue of every live
// participant, whether or not it is in a room.
func (r *Registry) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.stopCh)
	}
	<-r.stopped
}

// Attach registers p as live. A closed registry closes p and returns ErrClosed.
func (r *Registry) Attach(p *Participant) error {
	if !r.exec(func(st *state) { st.live[p] = struct{}{} }) {
		p.Close()
		return ErrClosed
	}
	return nil
}

// Detach forgets p, removing it from its room if it is in one.
func (r *Registry) Detach(p *Participant) {
	r.exec(func(st *state) {
		st.remove(p)
		delete(st.live, p)
	})
}

// Join adds p to the room of compositionID, creating the room if needed.
// Joining the room p is already in is a no-op. If p is in another room it is
// removed from it in the same step; that room is returned as previous.
// p stays live until Detach.
func (r *Registry) Join(compositionID string, p *Participant) (previous string) {
	r.exec(func(st *state) {
		if cur, ok := st.roomOf[p]; ok {
			if cur == compositionID {
				return
			}
			previous, _ = st.remove(p)
		}
		members, ok := st.rooms[compositionID]
		if !ok {
			members = make(map[*Participant]struct{})
			st.rooms[compositionID] = members
		}
		members[p] = struct{}{}
		st.roomOf[p] = compositionID
		st.live[p] = struct{}{}
	})
	return previous
}

// Leave removes p from the room of compositionID. Removing a non-member is a
// no-op and reports false. Empty rooms are dropped.
func (r *Registry) Leave(compositionID string, p *Participant) (removed bool) {
	r.exec(func(st *state) {
		if st.roomOf[p] != compositionID {
			return
		}
		_, removed = st.remove(p)
	})
	return removed
}

// MembersExcept returns the members of a room other than p.
func (r *Registry) MembersExcept(compositionID string, p *Participant) []*Participant {
	var out []*Participant
	r.exec(func(st *state) {
		out = st.members(compositionID, p)
	})
	return out
}

// MembersIncluding returns every member of a room.
func (r *Registry) MembersIncluding(compositionID string) []*Participant {
	return r.MembersExcept(compositionID, nil)
}

// RoomOf returns the room p is in, or "" if none.
func (r *Registry) RoomOf(p *Participant) string {
	var room string
	r.exec(func(st *state) {
		room = st.roomOf[p]
	})
	return room
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	var n int
	r.exec(func(st *state) {
		n = len(st.rooms)
	})
	return n
}

// Publish queues ev for every member of the room except except (nil sends to
// all members). Membership is read when the command runs, after every command
// submitted before it.
func (r *Registry) Publish(compositionID string, except *Participant, ev Event) {
	if r.closed.Load() {
		return
	}
	cmd := func(st *state) {
		for p := range st.rooms[compositionID] {
			if p != except {
				p.Send(ev)
			}
		}
	}
	select {
	case r.cmds <- cmd:
	case <-r.stopped:
	}
}
