package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/liuxd6825/pagesync/log"
	"github.com/liuxd6825/pagesync/trace"
)

// OperationState is the lifecycle state of a PendingOperation.
type OperationState int32

// Every state but OperationPending is terminal.
const (
	OperationPending OperationState = iota
	OperationSatisfied
	OperationTimedOut
	OperationCancelled
	OperationTargetDetached
	OperationFailed
)

func (s OperationState) String() string {
	switch s {
	case OperationPending:
		return "pending"
	case OperationSatisfied:
		return "satisfied"
	case OperationTimedOut:
		return "timedout"
	case OperationCancelled:
		return "cancelled"
	case OperationTargetDetached:
		return "targetdetached"
	case OperationFailed:
		return "failed"
	}
	return fmt.Sprintf("OperationState(%d)", int32(s))
}

// Condition is the remote state an operation waits for.
type Condition struct {
	// Description names the unmet condition in timeout errors.
	Description string
	// Check reports whether the condition holds. A nil Check always holds.
	Check func(ctx context.Context) (bool, error)
}

// OperationSpec describes a pending operation.
type OperationSpec struct {
	Kind string
	// Target is the frame the operation depends on. The zero token means the
	// operation only depends on the page.
	Target    FrameToken
	Condition Condition
	// Action runs once Condition holds and produces the result. It may block
	// until ctx is done.
	Action func(ctx context.Context) (any, error)
	// Timeout bounds the whole operation. Zero means the default timeout.
	Timeout time.Duration
}

// PendingOperation is a client request waiting on remote state.
type PendingOperation struct {
	id       string
	spec     OperationSpec
	registry *PendingRegistry
	timeout  time.Duration
	started  time.Time

	state   atomic.Int32
	result  any
	err     error
	done    chan struct{}
	cancel  context.CancelCauseFunc
	recheck chan struct{}
	span    oteltrace.Span
}

// ID returns the unique ID of the operation.
func (op *PendingOperation) ID() string { return op.id }

// Kind returns the kind given in the OperationSpec.
func (op *PendingOperation) Kind() string { return op.spec.Kind }

// State returns the current state.
func (op *PendingOperation) State() OperationState {
	return OperationState(op.state.Load())
}

// Done is closed once the operation is settled.
func (op *PendingOperation) Done() <-chan struct{} { return op.done }

// Cancel cancels the operation if it is still pending. Other operations are
// not affected.
func (op *PendingOperation) Cancel() {
	op.cancel(ErrCancelled)
}

// Wait blocks until the operation settles and returns its outcome. Giving up
// on ctx does not cancel the operation.
func (op *PendingOperation) Wait(ctx context.Context) (any, error) {
	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (op *PendingOperation) signal() {
	select {
	case op.recheck <- struct{}{}:
	default:
	}
}

func (op *PendingOperation) settle(state OperationState, result any, err error) bool {
	if !op.state.CompareAndSwap(int32(OperationPending), int32(state)) {
		return false
	}
	op.result, op.err = result, err
	close(op.done)
	return true
}

func (op *PendingOperation) run(ctx context.Context, pollInterval time.Duration) {
	var attempts sync.WaitGroup
	defer attempts.Wait()

	// The bound counts from the creation of the operation.
	tctx, cancel := context.WithDeadline(ctx, op.started.Add(op.timeout))
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(pollInterval), 2)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if op.evaluate(ctx, tctx, &attempts) {
			return
		}
		select {
		case <-tctx.Done():
			op.expire(ctx)
			return
		case <-op.recheck:
			if op.checkDetached() {
				return
			}
		case <-ticker.C:
		}
		if op.pace(ctx, tctx, limiter) {
			return
		}
	}
}

// evaluate runs one attempt on its own goroutine, so the operation still
// settles on its deadline or on a detach of its target while the attempt is
// blocked on the engine. It reports whether the operation settled.
func (op *PendingOperation) evaluate(ctx, tctx context.Context, attempts *sync.WaitGroup) bool {
	result := make(chan bool, 1)
	attempts.Add(1)
	go func() {
		defer attempts.Done()
		result <- op.attempt(tctx)
	}()

	var rechecked bool
	for {
		select {
		case settled := <-result:
			if settled || op.State() != OperationPending {
				return true
			}
			if rechecked {
				// The event may have come after the condition was checked.
				op.signal()
			}
			return false
		case <-tctx.Done():
			op.expire(ctx)
			return true
		case <-op.recheck:
			if op.checkDetached() {
				return true
			}
			rechecked = true
		}
	}
}

// pace delays the next attempt so that the engine is queried at most once
// per poll interval on average. Detaches are still noticed meanwhile. It
// reports whether the operation settled.
func (op *PendingOperation) pace(ctx, tctx context.Context, limiter *rate.Limiter) bool {
	r := limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return false
	}
	t := time.NewTimer(delay)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			return false
		case <-tctx.Done():
			r.Cancel()
			op.expire(ctx)
			return true
		case <-op.recheck:
			if op.checkDetached() {
				r.Cancel()
				return true
			}
		}
	}
}

// checkDetached settles the operation if its target left the page. It
// reports whether the operation is settled.
func (op *PendingOperation) checkDetached() bool {
	if op.registry.targetLive(op.spec.Target) {
		return op.State() != OperationPending
	}
	op.detached(nil)
	return true
}

// attempt evaluates the condition once and settles the operation if it is
// done. It reports whether the operation settled.
func (op *PendingOperation) attempt(ctx context.Context) bool {
	if !op.registry.targetLive(op.spec.Target) {
		return op.detached(nil)
	}

	if check := op.spec.Condition.Check; check != nil {
		ok, err := check(ctx)
		if err != nil {
			return op.failed(ctx, err)
		}
		if !ok {
			return false
		}
	}

	var result any
	if action := op.spec.Action; action != nil {
		var err error
		if result, err = action(ctx); err != nil {
			return op.failed(ctx, err)
		}
	}

	// No result is handed out for a target that left the page meanwhile.
	if !op.registry.targetLive(op.spec.Target) {
		return op.detached(nil)
	}

	return op.finish(OperationSatisfied, result, nil)
}

func (op *PendingOperation) failed(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		// Timed out or cancelled while evaluating, run reports it.
		return false
	}
	if isDetachedError(err) {
		return op.detached(err)
	}
	return op.finish(OperationFailed, nil, fmt.Errorf("%s: %w", op.spec.Kind, err))
}

func (op *PendingOperation) detached(cause error) bool {
	err := fmt.Errorf("%s: %w", op.spec.Kind, ErrTargetDetached)
	if cause != nil && !errors.Is(cause, ErrTargetDetached) {
		err = fmt.Errorf("%s: %w: %w", op.spec.Kind, ErrTargetDetached, cause)
	}
	return op.finish(OperationTargetDetached, nil, err)
}

// expire settles an operation whose deadline or context is done. A target
// gone by the deadline is reported as detached rather than timed out.
func (op *PendingOperation) expire(ctx context.Context) {
	if ctx.Err() == nil {
		if !op.registry.targetLive(op.spec.Target) {
			op.detached(nil)
			return
		}
		op.finish(OperationTimedOut, nil, &TimeoutError{
			Timeout:   op.timeout,
			Condition: op.spec.Condition.Description,
		})
		return
	}

	err := ErrCancelled
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	op.finish(OperationCancelled, nil, err)
}

func (op *PendingOperation) finish(state OperationState, result any, err error) bool {
	if !op.settle(state, result, err) {
		return false
	}
	op.registry.settled(op)
	return true
}

// PendingRegistry tracks the pending operations of a page.
//
// Every operation runs on its own goroutine. Its condition is evaluated when
// it starts, then on page events and poll ticks, at most at the rate of the
// poll interval once a short burst is used up. The target is checked on
// every page event.
type PendingRegistry struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	frames   *FrameManager
	timeouts *TimeoutSettings
	logger   *log.Logger
	metrics  *Metrics
	tracer   *trace.Tracer
	sub      *Subscription

	mu  sync.Mutex
	ops map[string]*PendingOperation
	wg  sync.WaitGroup
}

// NewPendingRegistry creates a registry whose operations target frames of
// frames and are woken up by the events of dispatcher.
func NewPendingRegistry(
	ctx context.Context,
	frames *FrameManager,
	dispatcher *EventDispatcher,
	ts *TimeoutSettings,
	logger *log.Logger,
) *PendingRegistry {
	if ts == nil {
		ts = NewTimeoutSettings(nil)
	}
	rctx, cancel := context.WithCancelCause(ctx)
	r := &PendingRegistry{
		ctx:      rctx,
		cancel:   cancel,
		frames:   frames,
		timeouts: ts,
		logger:   logger,
		tracer:   trace.NewNoopTracer(),
		ops:      make(map[string]*PendingOperation),
	}
	if dispatcher != nil {
		r.sub = dispatcher.OnAll(func(Event) { r.signalAll() })
	}
	return r
}

// Start registers spec and starts evaluating it.
func (r *PendingRegistry) Start(ctx context.Context, spec OperationSpec) *PendingOperation {
	op := &PendingOperation{
		id:       uuid.NewString(),
		spec:     spec,
		registry: r,
		timeout:  r.timeouts.timeoutOr(spec.Timeout),
		started:  time.Now(),
		done:     make(chan struct{}),
		recheck:  make(chan struct{}, 1),
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	op.cancel = cancel
	stop := context.AfterFunc(r.ctx, func() { cancel(context.Cause(r.ctx)) })

	var targetID string
	if f, ok := r.resolve(spec.Target); ok {
		targetID = string(f.ID())
	}
	_, op.span = r.tracer.TraceAPICall(ctx, targetID, "pending."+spec.Kind,
		oteltrace.WithAttributes(
			attribute.String("operation.id", op.id),
			attribute.String("operation.kind", spec.Kind),
		))

	r.logger.Debugf("PendingRegistry:Start", "opid:%s kind:%s fid:%s timeout:%s", op.id, spec.Kind, targetID, op.timeout)

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		stop()
		cancel(nil)
		op.settle(OperationCancelled, nil, fmt.Errorf("%w: %w", ErrCancelled, ErrPageClosed))
		trace.SetError(op.span, op.err)
		op.span.End()
		return op
	}
	r.ops[op.id] = op
	r.wg.Add(1)
	r.mu.Unlock()
	r.metrics.operationStarted()

	pollInterval := r.timeouts.pollInterval()
	go func() {
		defer r.wg.Done()
		defer cancel(nil)
		defer stop()
		op.run(opCtx, pollInterval)
	}()

	return op
}

// Len returns the number of operations not settled yet.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Close cancels every pending operation and waits for them to settle.
func (r *PendingRegistry) Close() {
	r.sub.Unsubscribe()
	// Start checks the context under mu, so no operation is added once
	// Wait below runs.
	r.mu.Lock()
	r.cancel(ErrPageClosed)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *PendingRegistry) signalAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		op.signal()
	}
}

func (r *PendingRegistry) settled(op *PendingOperation) {
	r.mu.Lock()
	delete(r.ops, op.id)
	r.mu.Unlock()

	state := op.State()
	r.metrics.operationSettled(op.spec.Kind, state, time.Since(op.started))
	op.span.SetAttributes(attribute.String("operation.state", state.String()))
	trace.SetError(op.span, op.err)
	op.span.End()

	if op.err != nil {
		r.logger.Debugf("PendingRegistry:settled", "opid:%s kind:%s state:%s err:%v", op.id, op.spec.Kind, state, op.err)
		return
	}
	r.logger.Debugf("PendingRegistry:settled", "opid:%s kind:%s state:%s", op.id, op.spec.Kind, state)
}

func (r *PendingRegistry) resolve(t FrameToken) (*Frame, bool) {
	if t.IsZero() || r.frames == nil {
		return nil, false
	}
	return r.frames.Resolve(t)
}

func (r *PendingRegistry) targetLive(t FrameToken) bool {
	if t.IsZero() {
		return true
	}
	_, ok := r.resolve(t)
	return ok
}
