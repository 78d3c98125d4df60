// Package calls tracks in-flight call negotiations between two connections.
package calls

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/callrelay/internal/models"
)

var ErrNoSuchCall = errors.New("calls: no call in the required phase")

type key struct {
	caller string
	target string
}

type entry struct {
	call  models.Call
	timer *time.Timer
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Tracker holds calls keyed by caller and target connection. Terminal calls
// are removed as soon as they reach their final phase.
type Tracker struct {
	mu          sync.Mutex
	calls       map[key]*entry
	ringTimeout time.Duration
	onTimeout   func(models.Call)
	now         func() time.Time
}

type Option func(*Tracker)

// WithRingTimeout cancels calls left ringing for d and reports them to fn.
// A zero duration leaves ringing calls open until answered or cancelled.
func WithRingTimeout(d time.Duration, fn func(models.Call)) Option {
	return func(t *Tracker) {
		t.ringTimeout = d
		t.onTimeout = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		calls: make(map[key]*entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start records a ringing call from caller to target, replacing any earlier
// call between the same two connections in the same direction.
func (t *Tracker) Start(caller, target models.PeerSession, typ models.CallType) models.Call {
	k := key{caller: caller.ConnectionID, target: target.ConnectionID}
	call := models.Call{
		ID:                 uuid.NewString(),
		CallerConnectionID: caller.ConnectionID,
		TargetConnectionID: target.ConnectionID,
		CallerIdentityID:   caller.IdentityID,
		TargetIdentityID:   target.IdentityID,
		Type:               typ,
		Phase:              models.PhaseRinging,
		StartedAt:          t.now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.calls[k]; ok {
		old.stopTimer()
	}
	e := &entry{call: call}
	if t.ringTimeout > 0 && t.onTimeout != nil {
		id := call.ID
		e.timer = time.AfterFunc(t.ringTimeout, func() { t.expire(k, id) })
	}
	t.calls[k] = e
	return call
}

// Accept moves a ringing call to Accepted. MarkConnected completes the
// transition once both parties have been told.
func (t *Tracker) Accept(callerConn, receiverConn string) (models.Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.calls[key{caller: callerConn, target: receiverConn}]
	if !ok || e.call.Phase != models.PhaseRinging {
		return models.Call{}, ErrNoSuchCall
	}
	e.stopTimer()
	e.call.Phase = models.PhaseAccepted
	return e.call, nil
}

func (t *Tracker) MarkConnected(callerConn, receiverConn string) (models.Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.calls[key{caller: callerConn, target: receiverConn}]
	if !ok || e.call.Phase != models.PhaseAccepted {
		return models.Call{}, ErrNoSuchCall
	}
	e.call.Phase = models.PhaseConnected
	return e.call, nil
}

// Reject ends a ringing call at the receiver's request.
func (t *Tracker) Reject(callerConn, receiverConn string) (models.Call, error) {
	return t.finishRinging(key{caller: callerConn, target: receiverConn}, models.PhaseRejected)
}

// Cancel ends a ringing call at the caller's request.
func (t *Tracker) Cancel(callerConn, targetConn string) (models.Call, error) {
	return t.finishRinging(key{caller: callerConn, target: targetConn}, models.PhaseCancelled)
}

func (t *Tracker) finishRinging(k key, phase models.CallPhase) (models.Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.calls[k]
	if !ok || e.call.Phase != models.PhaseRinging {
		return models.Call{}, ErrNoSuchCall
	}
	e.stopTimer()
	delete(t.calls, k)
	e.call.Phase = phase
	return e.call, nil
}

// Active returns the connected call between a and b, whichever side called.
func (t *Tracker) Active(a, b string) (models.Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, e := t.findConnected(a, b)
	if e == nil {
		return models.Call{}, false
	}
	return e.call, true
}

// End terminates the connected call between a and b.
func (t *Tracker) End(a, b string) (models.Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k, e := t.findConnected(a, b)
	if e == nil {
		return models.Call{}, ErrNoSuchCall
	}
	delete(t.calls, k)
	e.call.Phase = models.PhaseEnded
	return e.call, nil
}

func (t *Tracker) findConnected(a, b string) (key, *entry) {
	for _, k := range []key{{caller: a, target: b}, {caller: b, target: a}} {
		if e, ok := t.calls[k]; ok && e.call.Phase == models.PhaseConnected {
			return k, e
		}
	}
	return key{}, nil
}

// DropConnection ends every call involving connID and returns them.
func (t *Tracker) DropConnection(connID string) []models.Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []models.Call
	for k, e := range t.calls {
		if !e.call.Involves(connID) {
			continue
		}
		e.stopTimer()
		delete(t.calls, k)
		e.call.Phase = models.PhaseEnded
		dropped = append(dropped, e.call)
	}
	return dropped
}

// Get returns the tracked call from caller to target, if any.
func (t *Tracker) Get(callerConn, targetConn string) (models.Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.calls[key{caller: callerConn, target: targetConn}]
	if !ok {
		return models.Call{}, false
	}
	return e.call, true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Close stops pending ring timers. Tracked calls are discarded.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.calls {
		e.stopTimer()
		delete(t.calls, k)
	}
}

func (t *Tracker) expire(k key, id string) {
	t.mu.Lock()
	e, ok := t.calls[k]
	if !ok || e.call.ID != id || e.call.Phase != models.PhaseRinging {
		t.mu.Unlock()
		return
	}
	delete(t.calls, k)
	e.timer = nil
	e.call.Phase = models.PhaseCancelled
	call := e.call
	t.mu.Unlock()

	t.onTimeout(call)
}
