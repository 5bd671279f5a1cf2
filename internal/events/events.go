// Package events fans out transfer notifications (drag updates, drops,
// drag ends, drop-target activity and clipboard changes) to listeners.
// It is transport-agnostic: the RPC bridge and the embedding runtime
// register listeners and receive events through Send.
package events

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
)

// Kind names an event.
type Kind string

const (
	DragUpdate       Kind = "drag_update"
	Drop             Kind = "drop"
	DragEnd          Kind = "drag_end"
	TargetEnter      Kind = "target_enter"
	TargetMove       Kind = "target_move"
	TargetLeave      Kind = "target_leave"
	TargetDrop       Kind = "target_drop"
	ClipboardChanged Kind = "clipboard_changed"
)

// Event is one notification. Fields that do not apply to Kind are empty.
type Event struct {
	Kind      Kind        `json:"kind"`
	Session   string      `json:"session,omitempty"`
	Target    string      `json:"target,omitempty"`
	State     string      `json:"state,omitempty"`
	Operation string      `json:"operation,omitempty"`
	Formats   []format.ID `json:"formats,omitempty"`
	Result    errs.Result `json:"result,omitzero"`
	Time      time.Time   `json:"time"`
}

// Listener is anything that can receive events from the hub.
type Listener interface {
	ID() string
	// Send delivers an event. Must be non-blocking.
	Send(Event)
}

// Filter is an optional interface a Listener may implement to receive only
// some kinds. Listeners without it receive everything.
type Filter interface {
	Listener
	Accepts(Kind) bool
}

// Hub routes events to every registered listener.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	latest    map[Kind]Event
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{
		listeners: make(map[string]Listener),
		latest:    make(map[Kind]Event),
	}
}

// Register adds l and immediately delivers the latest clipboard change, if
// any, so a new watcher starts from the current state.
func (h *Hub) Register(l Listener) {
	h.mu.Lock()
	h.listeners[l.ID()] = l
	latest, ok := h.latest[ClipboardChanged]
	total := len(h.listeners)
	h.mu.Unlock()

	slog.Debug("listener registered", "listener", l.ID(), "total", total)
	if ok && accepts(l, ClipboardChanged) {
		l.Send(latest)
	}
}

// Unregister removes l.
func (h *Hub) Unregister(l Listener) {
	h.mu.Lock()
	delete(h.listeners, l.ID())
	total := len(h.listeners)
	h.mu.Unlock()
	slog.Debug("listener unregistered", "listener", l.ID(), "total", total)
}

// Publish stamps ev, remembers it as the latest of its kind and fans it out.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	h.latest[ev.Kind] = ev
	targets := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		if accepts(l, ev.Kind) {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()

	Log(ev)
	for _, l := range targets {
		l.Send(ev)
	}
}

// Latest returns the most recent event of kind.
func (h *Hub) Latest(kind Kind) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.latest[kind]
	return ev, ok
}

// Listeners returns the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func accepts(l Listener, k Kind) bool {
	f, ok := l.(Filter)
	return !ok || f.Accepts(k)
}

// Chan is a Listener backed by a buffered channel. Events that do not fit
// are dropped and counted.
type Chan struct {
	id      string
	ch      chan Event
	kinds   []Kind
	dropped atomic.Uint64
}

// NewChan returns a channel listener with room for size events. With kinds
// set it only accepts those.
func NewChan(id string, size int, kinds ...Kind) *Chan {
	return &Chan{id: id, ch: make(chan Event, size), kinds: kinds}
}

func (c *Chan) ID() string { return c.id }

func (c *Chan) Send(ev Event) {
	select {
	case c.ch <- ev:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("event listener lagging, dropping events", "listener", c.id, "dropped", n)
		}
	}
}

func (c *Chan) Accepts(k Kind) bool { return len(c.kinds) == 0 || slices.Contains(c.kinds, k) }

// C returns the receive side.
func (c *Chan) C() <-chan Event { return c.ch }

// Dropped returns how many events did not fit.
func (c *Chan) Dropped() uint64 { return c.dropped.Load() }
