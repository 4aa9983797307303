package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/insightpulseai/hawk-sandboxd/internal/provider"
)

type State string

const (
	StatePending    State = "pending"
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// allowed encodes the forward-only lifecycle. Terminated and failed are
// terminal; idle and active flip back and forth with activity.
var allowed = map[State]map[State]bool{
	StatePending: {StateActive: true, StateFailed: true, StateTerminated: true},
	StateActive:  {StateIdle: true, StateTerminated: true},
	StateIdle:    {StateActive: true, StateTerminated: true},
}

type InvalidTransitionError struct {
	SandboxID string
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("sandbox %s cannot transition from %s to %s", e.SandboxID, e.From, e.To)
}

// Sandbox is an immutable snapshot of one provisioned environment.
type Sandbox struct {
	ID           string            `json:"id"`
	ProviderName string            `json:"provider"`
	Image        string            `json:"image"`
	State        State             `json:"state"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	TTL          time.Duration     `json:"ttl"`
	IdleTimeout  time.Duration     `json:"idle_timeout"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	CostRatePerHour decimal.Decimal `json:"cost_rate_per_hour"`
	AccruedCost     decimal.Decimal `json:"accrued_cost"`

	Handle provider.Handle `json:"-"`
}

func (s Sandbox) IsExpired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.TTL
}

func (s Sandbox) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}

// liveSandbox is the registry's mutable view. All state transitions funnel
// through its methods; the transition table is enforced here so no caller
// can move a sandbox backwards.
type liveSandbox struct {
	mu    sync.RWMutex
	_data Sandbox

	// execCtx is cancelled on terminate so in-flight executes are cut off;
	// inflight lets terminate wait for them to finish or observe the cancel.
	execCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func newLiveSandbox(data Sandbox) *liveSandbox {
	ctx, cancel := context.WithCancel(context.Background())

	return &liveSandbox{
		_data:   data,
		execCtx: ctx,
		cancel:  cancel,
	}
}

func (s *liveSandbox) Data() Sandbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s._data
}

func (s *liveSandbox) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s._data.State
}

// ID is immutable, safe to read without the lock.
func (s *liveSandbox) ID() string {
	return s._data.ID
}

func (s *liveSandbox) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(to)
}

func (s *liveSandbox) transitionLocked(to State) error {
	from := s._data.State
	if !allowed[from][to] {
		return &InvalidTransitionError{SandboxID: s._data.ID, From: from, To: to}
	}

	s._data.State = to

	return nil
}

// touch marks activity, waking an idle sandbox back to active.
func (s *liveSandbox) touch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s._data.State == StateIdle {
		if err := s.transitionLocked(StateActive); err != nil {
			return err
		}
	}

	s._data.LastActiveAt = now

	return nil
}

// beginExecute registers an in-flight execute and returns the context that
// terminate cancels. Fails once the sandbox has left active/idle.
func (s *liveSandbox) beginExecute(now time.Time) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s._data.State != StateActive && s._data.State != StateIdle {
		return nil, &NotFoundError{SandboxID: s._data.ID}
	}

	if s._data.State == StateIdle {
		if err := s.transitionLocked(StateActive); err != nil {
			return nil, err
		}
	}

	s._data.LastActiveAt = now
	s.inflight.Add(1)

	return s.execCtx, nil
}

func (s *liveSandbox) endExecute(now time.Time) {
	s.mu.Lock()
	s._data.LastActiveAt = now
	s.mu.Unlock()

	s.inflight.Done()
}

// beginTerminate moves the sandbox to terminated, cancels in-flight
// executes and waits for them to drain. The second return is false when the
// sandbox was already terminal, which callers treat as an idempotent no-op.
func (s *liveSandbox) beginTerminate() (provider.Handle, bool) {
	s.mu.Lock()

	if s._data.State == StateTerminated || s._data.State == StateFailed {
		s.mu.Unlock()

		return provider.Handle{}, false
	}

	// Transition from any live state to terminated is always allowed.
	s._data.State = StateTerminated
	handle := s._data.Handle
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()

	return handle, true
}
