package asyncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Phase is the lifecycle position of an Operation.
type Phase int

const (
	PhaseCreated Phase = iota
	PhasePolling
	PhaseFinalizing
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

var phaseNames = [...]string{"created", "polling", "finalizing", "completed", "failed", "cancelled"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Handle identifies one in-flight remote job.
type Handle struct {
	TaskID      string
	StatusURL   string
	FinalizeURL string
}

// Payload is the body of a successful finalize response.
type Payload struct {
	ContentType string
	Body        []byte
}

// Decode unmarshals a JSON payload into v.
func (p *Payload) Decode(v any) error {
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

func (p *Payload) String() string {
	return string(p.Body)
}

// Operation is the caller's view of one remote job. Exactly one of the
// completion and failure notifications fires, and Done is closed only after
// the observers returned.
type Operation struct {
	opts   submitOptions
	cancel context.CancelFunc
	policy AbortPolicy
	done   chan struct{}

	mu     sync.Mutex
	phase  Phase
	status Status
	handle *Handle
	result *Payload
	err    error
}

func newOperation(opts submitOptions, policy AbortPolicy, cancel context.CancelFunc) *Operation {
	return &Operation{
		opts:   opts,
		cancel: cancel,
		policy: policy,
		done:   make(chan struct{}),
		phase:  PhaseCreated,
		status: Status{Kind: StatusPending},
	}
}

// Done is closed once the operation reaches a terminal phase.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation ends or ctx is done.
func (o *Operation) Wait(ctx context.Context) (*Payload, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the finalize payload or the failure. Both are nil while the
// operation is running.
func (o *Operation) Result() (*Payload, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.err
}

// Err returns the failure, if any.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Phase returns the current lifecycle phase.
func (o *Operation) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Status returns the last observed job status.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Handle returns the job handle, or nil before the start request succeeded.
func (o *Operation) Handle() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == nil {
		return nil
	}
	h := *o.handle
	return &h
}

// Cancel stops polling. The operation ends as cancelled unless it already
// reached a terminal phase. The ending is delivered on the operation's own
// goroutine, so Done closes only after a running observer returned.
func (o *Operation) Cancel() {
	o.cancel()
}

func (o *Operation) setHandle(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handle = h
}

func (o *Operation) setPhase(p Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase.Terminal() {
		return false
	}
	o.phase = p
	return true
}

// observe records a non-terminal status and notifies progress observers.
func (o *Operation) observe(st Status) {
	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return
	}
	o.status = st
	o.mu.Unlock()

	if st.Kind == StatusInProgress && st.Progress != nil {
		for _, fn := range o.opts.onProgress {
			fn(*st.Progress)
		}
	}
}

// complete ends the operation successfully. It reports false when the
// operation had already ended.
func (o *Operation) complete(p *Payload) bool {
	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return false
	}
	o.phase = PhaseCompleted
	o.status = Status{Kind: StatusSucceeded, Wire: WireSuccess}
	o.result = p
	o.mu.Unlock()

	for _, fn := range o.opts.onComplete {
		fn(p)
	}
	close(o.done)
	return true
}

// fail ends the operation with err. It reports false when the operation had
// already ended.
func (o *Operation) fail(err error, st *Status) bool {
	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return false
	}
	o.phase = PhaseFailed
	if st != nil {
		o.status = *st
	}
	o.err = err
	o.mu.Unlock()

	for _, fn := range o.opts.onFailure {
		fn(err)
	}
	close(o.done)
	return true
}

// abort ends the operation as cancelled; failure observers are notified only
// under AbortReport.
func (o *Operation) abort() bool {
	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return false
	}
	taskID := ""
	if o.handle != nil {
		taskID = o.handle.TaskID
	}
	err := newTaskError(ErrCancelled, taskID, nil)
	o.phase = PhaseCancelled
	o.status = Status{Kind: StatusCancelled}
	o.err = err
	o.mu.Unlock()

	if o.policy == AbortReport {
		for _, fn := range o.opts.onFailure {
			fn(err)
		}
	}
	close(o.done)
	return true
}
