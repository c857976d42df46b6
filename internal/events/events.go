// Package events is the in-process message bus between codestream components.
//
// Every mutating operation publishes a typed Event. Consumers subscribe to
// the kinds they care about and must Close their Subscription when the owning
// component shuts down or switches role; a closed bus closes every
// subscription it still holds.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Kind identifies what happened.
type Kind string

const (
	CellPushed       Kind = "cell_pushed"
	CellUpdated      Kind = "cell_updated"
	CellDeleted      Kind = "cell_deleted"
	CellEdited       Kind = "cell_edited"
	SessionCreated   Kind = "session_created"
	SessionJoined    Kind = "session_joined"
	SessionRefreshed Kind = "session_refreshed"
	SessionCleared   Kind = "session_cleared"
	SessionPurged    Kind = "session_purged"
	RoleChanged      Kind = "role_changed"
)

// Event is one notification. It never carries cell content.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Session string    `json:"session,omitempty"`
	CellID  string    `json:"cell_id,omitempty"`
	Count   int       `json:"count,omitempty"`
	Role    string    `json:"role,omitempty"`
	Time    time.Time `json:"time"`
}

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

// Bus fans events out to subscriptions. The zero value is not usable; call NewBus.
type Bus struct {
	subs   *xsync.MapOf[uint64, *Subscription]
	nextID atomic.Uint64
	closed atomic.Bool
	now    func() time.Time
}

// NewBus returns an open bus.
func NewBus() *Bus {
	return &Bus{
		subs: xsync.NewMapOf[uint64, *Subscription](),
		now:  time.Now,
	}
}

// Subscription receives events of the kinds it was created for.
type Subscription struct {
	id    uint64
	bus   *Bus
	kinds map[Kind]bool

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// Subscribe registers a subscription for kinds. No kinds means every kind.
// On a closed bus the returned subscription is already closed.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	s := &Subscription{
		id:  b.nextID.Add(1),
		bus: b,
		ch:  make(chan Event, DefaultBuffer),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.subs.Store(s.id, s)
	if b.closed.Load() {
		s.Close()
	}
	return s
}

// Publish delivers e to every matching subscription without blocking. A
// subscriber whose buffer is full misses the event; Dropped reports how many.
// ID and Time are filled in when empty.
func (b *Bus) Publish(e Event) {
	if b == nil || b.closed.Load() {
		return
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Time.IsZero() {
		e.Time = b.now().UTC()
	}
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		s.deliver(e)
		return true
	})
}

// Len reports the number of open subscriptions.
func (b *Bus) Len() int {
	return b.subs.Size()
}

// Close closes every subscription. Publish after Close is a no-op.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		s.Close()
		return true
	})
}

// C returns the delivery channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.subs.Delete(s.id)
	close(s.ch)
}

func (s *Subscription) deliver(e Event) {
	if s.kinds != nil && !s.kinds[e.Kind] {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}
