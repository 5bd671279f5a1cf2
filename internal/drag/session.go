package drag

import (
	"context"
	"image"
	"slices"
	"sync"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/provider"
)

// State is the lifecycle state of a drag session.
type State int

const (
	Idle State = iota
	Starting
	Active
	Dropped
	Cancelled
	Failed
	Completed
)

var stateNames = [...]string{"idle", "starting", "active", "dropped", "cancelled", "failed", "completed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s is one of the outcomes a session settles in
// before it completes.
func (s State) Terminal() bool { return s == Dropped || s == Cancelled || s == Failed }

// Item is one provider taking part in a drag, with its drag image.
type Item struct {
	Provider *provider.Provider
	Image    image.Image
	Offset   image.Point
}

// Request starts a drag.
type Request struct {
	Items   []Item
	Allowed driver.Operation
}

// Session is one drag-and-drop interaction started by this process.
type Session struct {
	id      string
	engine  *Engine
	allowed driver.Operation
	items   []Item
	done    chan struct{}

	// Written on Thread only; mu lets other goroutines read.
	mu        sync.Mutex
	state     State
	outcome   State
	lastOp    driver.Operation
	requested []format.ID
	err       error
	requests  []*VirtualFileRequest

	// Owned by Thread.
	native       driver.SessionID
	handles      []provider.Handle
	pending      map[*VirtualFileRequest]struct{}
	ended        bool
	releasing    bool
	completed    bool
	cancelWanted bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Allowed returns the operations the drag permits.
func (s *Session) Allowed() driver.Operation { return s.allowed }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the terminal state the session reached, or Idle while it
// is still running.
func (s *Session) Outcome() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// LastOperation returns the operation last reported by the hovered target.
func (s *Session) LastOperation() driver.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOp
}

// Requested returns the formats the drop target asked for.
func (s *Session) Requested() []format.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requested)
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Requests returns every virtual-file request made during the session.
func (s *Session) Requests() []*VirtualFileRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Done is closed when the session reaches Completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session completes and returns Err.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return errs.Cancelled(ctx.Err())
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st.Terminal() {
		s.outcome = st
	}
	s.mu.Unlock()
}

// VirtualFileRequest is a drop target's request to materialize one virtual
// file into a sink. The sink is committed when the provider's stream
// finishes and aborted on any failure or cancellation.
type VirtualFileRequest struct {
	Item          int
	Format        format.ID
	Native        string
	SuggestedName string

	handle provider.Handle
	sink   driver.Sink
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed once the request committed or aborted its sink.
func (r *VirtualFileRequest) Done() <-chan struct{} { return r.done }

// Err returns the request's result. It is only meaningful after Done.
func (r *VirtualFileRequest) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Cancel stops the stream; the sink is aborted.
func (r *VirtualFileRequest) Cancel() { r.cancel() }
