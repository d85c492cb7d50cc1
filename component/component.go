// Package component defines the execution contract between the scheduler
// and the units of work it drives. A component receives a read view of the
// run state plus its resolved inputs and returns a mapping of outputs.
package component

import (
	"context"
	"sync"
	"time"

	"github.com/flowgraph/flowgraph/common/logger"
)

// EmitFunc publishes a telemetry event. Implementations may reject the
// event (permission or budget violations); the error then fails the node.
type EmitFunc func(event string, payload map[string]any) error

// StateView is the read-only snapshot handed to a component invocation.
type StateView struct {
	GraphInputs map[string]any
	NodeOutputs map[string]map[string]any
}

// LoopContext carries the per-iteration bindings inside a map node body.
type LoopContext struct {
	Item  any
	Index int
}

// CancelToken signals cooperative cancellation across the nodes of a run.
// Cancel is idempotent.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token. Safe to call multiple times.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been cancelled.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Context is the per-invocation environment. It travels alongside the
// standard context.Context rather than replacing it.
type Context struct {
	NodeID     string
	GraphName  string
	RunID      string
	Config     map[string]any
	Emit       EmitFunc
	Cancel     *CancelToken
	Deadline   time.Time
	Registries map[string]any
	Logger     *logger.Logger
	Loop       *LoopContext
}

// Component is the unit of executable work attached to a graph node.
type Component interface {
	Invoke(ctx context.Context, state StateView, inputs map[string]any, cc *Context) (map[string]any, error)
}

// Func adapts a plain function to the Component interface.
type Func func(ctx context.Context, state StateView, inputs map[string]any, cc *Context) (map[string]any, error)

func (f Func) Invoke(ctx context.Context, state StateView, inputs map[string]any, cc *Context) (map[string]any, error) {
	return f(ctx, state, inputs, cc)
}

// Optional lifecycle capabilities. The scheduler probes for these with
// type assertions and invokes whichever ones a component implements.

// BeforeExecutor runs immediately before Invoke with the resolved inputs.
// A non-nil return replaces the inputs passed to Invoke.
type BeforeExecutor interface {
	BeforeExecute(ctx context.Context, cc *Context, inputs map[string]any) (map[string]any, error)
}

// AfterExecutor runs after a successful Invoke with the raw result and the
// effective inputs. A non-nil return replaces the result.
type AfterExecutor interface {
	AfterExecute(ctx context.Context, cc *Context, result, inputs map[string]any) (map[string]any, error)
}

// ErrorHandler observes an invocation failure together with the inputs it
// failed on. Its own error is swallowed.
type ErrorHandler interface {
	OnError(ctx context.Context, cc *Context, invokeErr error, inputs map[string]any) error
}

// Closer releases resources when the run finishes. Called at most once per
// component instance per run.
type Closer interface {
	Close(ctx context.Context) error
}
