package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scoreroom/internal/models"
)

func newParticipant(id string) *Participant {
	return NewParticipant("conn-"+id, models.User{ID: id, Name: id}, 8)
}

func ids(ps []*Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.User.ID)
	}
	return out
}

func recv(t *testing.T, p *Participant) Event {
	t.Helper()
	select {
	case ev, ok := <-p.Outbound():
		require.True(t, ok, "outbound closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, p *Participant) {
	t.Helper()
	select {
	case ev := <-p.Outbound():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinLeave(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a, b := newParticipant("a"), newParticipant("b")

	r.Join("d1", a)
	r.Join("d1", b)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(r.MembersIncluding("d1")))
	assert.Equal(t, []string{"b"}, ids(r.MembersExcept("d1", a)))
	assert.Equal(t, 1, r.RoomCount())

	assert.True(t, r.Leave("d1", a))
	assert.False(t, r.Leave("d1", a), "second leave is a no-op")
	assert.Equal(t, []string{"b"}, ids(r.MembersIncluding("d1")))

	r.Leave("d1", b)
	assert.Empty(t, r.MembersIncluding("d1"))
	assert.Equal(t, 0, r.RoomCount(), "empty rooms are dropped")
}

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := newParticipant("a")

	assert.Equal(t, "", r.Join("d1", a))
	assert.Equal(t, "", r.Join("d1", a))
	assert.Len(t, r.MembersIncluding("d1"), 1)
}

func TestJoinSwitchesRooms(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := newParticipant("a")

	r.Join("A", a)
	prev := r.Join("B", a)
	assert.Equal(t, "A", prev)
	assert.Empty(t, r.MembersIncluding("A"))
	assert.Equal(t, []string{"a"}, ids(r.MembersIncluding("B")))
	assert.Equal(t, "B", r.RoomOf(a))
}

func TestLeaveWrongRoomIsNoop(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := newParticipant("a")

	r.Join("A", a)
	assert.False(t, r.Leave("B", a))
	assert.Equal(t, "A", r.RoomOf(a))
}

func TestPublishExcludesSender(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a, b, c := newParticipant("a"), newParticipant("b"), newParticipant("c")
	r.Join("d1", a)
	r.Join("d1", b)
	r.Join("d2", c)

	r.Publish("d1", a, Event{Type: "note-update"})
	assert.Equal(t, "note-update", recv(t, b).Type)
	assertNoEvent(t, a)
	assertNoEvent(t, c)

	r.Publish("d1", nil, Event{Type: "chat-message"})
	assert.Equal(t, "chat-message", recv(t, a).Type)
	assert.Equal(t, "chat-message", recv(t, b).Type)
}

func TestPublishPreservesOrder(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := NewParticipant("conn-a", models.User{ID: "a"}, 200)
	r.Join("d1", a)

	for i := 0; i < 100; i++ {
		r.Publish("d1", nil, Event{Type: "e", Data: i})
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, recv(t, a).Data)
	}
}

func TestPublishClosesLaggingParticipant(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	slow := NewParticipant("conn-slow", models.User{ID: "slow"}, 2)
	r.Join("d1", slow)

	for i := 0; i < 5; i++ {
		r.Publish("d1", nil, Event{Type: "e"})
	}
	r.RoomCount() // barrier: every publish above has run

	assert.True(t, slow.Closed())
	n := 0
	for range slow.Outbound() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestCloseClosesParticipantsAndStopsOperations(t *testing.T) {
	r := NewRegistry()
	a := newParticipant("a")
	r.Join("d1", a)

	r.Close()
	select {
	case _, ok := <-a.Outbound():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}

	// Safe no-ops after close.
	r.Join("d1", newParticipant("b"))
	r.Publish("d1", nil, Event{Type: "x"})
	assert.Empty(t, r.MembersIncluding("d1"))
	assert.Equal(t, 0, r.RoomCount())
	r.Close()
}

func TestCloseClosesParticipantsOutsideRooms(t *testing.T) {
	r := NewRegistry()
	idle := newParticipant("idle")
	member := newParticipant("member")
	require.NoError(t, r.Attach(idle))
	require.NoError(t, r.Attach(member))
	r.Join("d1", member)
	r.Leave("d1", member)

	r.Close()
	assert.True(t, idle.Closed())
	assert.True(t, member.Closed())

	late := newParticipant("late")
	require.ErrorIs(t, r.Attach(late), ErrClosed)
	assert.True(t, late.Closed())
}

func TestDetach(t *testing.T) {
	r := NewRegistry()
	p := newParticipant("p")
	require.NoError(t, r.Attach(p))
	r.Join("d1", p)

	r.Detach(p)
	assert.Equal(t, "", r.RoomOf(p))
	assert.Equal(t, 0, r.RoomCount())

	r.Close()
	assert.False(t, p.Closed(), "detached participants are left to their owner")
}

func TestConcurrentSwitchingNeverDoubleBooks(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	const workers = 20
	ps := make([]*Participant, workers)
	for i := range ps {
		ps[i] = newParticipant(fmt.Sprintf("p%d", i))
	}

	var wg sync.WaitGroup
	for _, p := range ps {
		wg.Add(1)
		go func(p *Participant) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Join(fmt.Sprintf("room-%d", j%3), p)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]int)
	for j := 0; j < 3; j++ {
		for _, p := range r.MembersIncluding(fmt.Sprintf("room-%d", j)) {
			seen[p.User.ID]++
		}
	}
	require.Len(t, seen, workers)
	for id, n := range seen {
		assert.Equal(t, 1, n, "participant %s in %d rooms", id, n)
	}
}
