// Package events distributes node events to registered listeners.
package events

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/pkg/models"
)

// Publisher accepts event containers for delivery.
type Publisher interface {
	Publish(c models.NodeEventContainer)
}

// Listener receives event containers matching its scope.
type Listener interface {
	OnEvent(c models.NodeEventContainer) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(c models.NodeEventContainer) error

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(c models.NodeEventContainer) error {
	return f(c)
}

// Scope restricts delivery to one file system, an optional topic set and an
// optional project. Empty fields match everything.
type Scope struct {
	FileSystem string
	Topics     []string
	ProjectID  string
}

// Matches reports whether c falls within the scope.
func (s Scope) Matches(c models.NodeEventContainer) bool {
	if s.FileSystem != "" && s.FileSystem != c.FileSystemName {
		return false
	}
	if s.ProjectID != "" && s.ProjectID != c.ProjectID {
		return false
	}
	if len(s.Topics) == 0 {
		return true
	}
	for _, t := range s.Topics {
		if t == c.Topic {
			return true
		}
	}
	return false
}

type entry struct {
	id       uint64
	scope    Scope
	listener Listener
}

// Bus delivers containers synchronously, in registration order, to every
// listener whose scope matches. The listener list is copy-on-write so
// Publish always sees a complete snapshot.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	entries atomic.Pointer[[]*entry]
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	b := &Bus{}
	empty := make([]*entry, 0)
	b.entries.Store(&empty)
	return b
}

// Registration is the handle returned by AddListener. The owner releases it
// when the listener should stop receiving events.
type Registration struct {
	bus      *Bus
	id       uint64
	released atomic.Bool
}

// Release unregisters the listener. It is safe to call more than once.
func (r *Registration) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	r.bus.remove(func(e *entry) bool { return e.id == r.id })
}

// AddListener registers l for containers matching scope.
func (b *Bus) AddListener(scope Scope, l Listener) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	e := &entry{id: b.nextID, scope: scope, listener: l}
	old := *b.entries.Load()
	next := make([]*entry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, e)
	b.entries.Store(&next)
	metrics.AddActiveListeners(1)

	return &Registration{bus: b, id: e.id}
}

// RemoveListener unregisters every registration of l. Listeners of
// non-comparable types (such as ListenerFunc) must be released through
// their Registration instead.
func (b *Bus) RemoveListener(l Listener) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}
	b.remove(func(e *entry) bool {
		return reflect.TypeOf(e.listener).Comparable() && e.listener == l
	})
}

// RemoveAllListeners drops every registration.
func (b *Bus) RemoveAllListeners() {
	b.remove(func(*entry) bool { return true })
}

func (b *Bus) remove(match func(*entry) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.entries.Load()
	next := make([]*entry, 0, len(old))
	for _, e := range old {
		if !match(e) {
			next = append(next, e)
		}
	}
	if removed := len(old) - len(next); removed > 0 {
		metrics.AddActiveListeners(-removed)
	}
	b.entries.Store(&next)
}

// Count returns the number of registered listeners.
func (b *Bus) Count() int {
	return len(*b.entries.Load())
}

// Publish delivers c to every matching listener. A listener that fails or
// panics is logged and skipped.
func (b *Bus) Publish(c models.NodeEventContainer) {
	metrics.RecordEventPublished(c.Topic)
	for _, e := range *b.entries.Load() {
		if !e.scope.Matches(c) {
			continue
		}
		if err := deliver(e.listener, c); err != nil {
			metrics.RecordListenerFailure()
			logging.Warn("event listener failed",
				zap.Uint64("listener", e.id),
				zap.String("file_system", c.FileSystemName),
				zap.String("topic", c.Topic),
				zap.Error(err))
		}
	}
}

func deliver(l Listener, c models.NodeEventContainer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.OnEvent(c)
}

// Session groups registrations that share a lifetime, such as all listeners
// created for one streaming connection.
type Session struct {
	bus    *Bus
	mu     sync.Mutex
	regs   []*Registration
	closed bool
}

// Session starts a new registration group on the bus.
func (b *Bus) Session() *Session {
	return &Session{bus: b}
}

// AddListener registers l within the session. It returns nil once the
// session is closed.
func (s *Session) AddListener(scope Scope, l Listener) *Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	reg := s.bus.AddListener(scope, l)
	s.regs = append(s.regs, reg)
	return reg
}

// Close releases every registration made through the session.
func (s *Session) Close() {
	s.mu.Lock()
	regs := s.regs
	s.regs = nil
	s.closed = true
	s.mu.Unlock()

	for _, r := range regs {
		r.Release()
	}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(models.NodeEventContainer) {}
