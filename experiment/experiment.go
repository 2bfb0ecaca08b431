/*Package experiment defines a single unit of lab work and its lifecycle.

An Experiment binds a Procedure to a set of parameter values and runs it once
on a worker goroutine:

	Constructed -> Verified -> Running -> Succeeded | Failed | Aborted

A Procedure declares its parameter slots statically, with defaults, and New
checks the bound values against that declaration.  Long-running procedures
should poll ShouldAbort (or watch ctx) at every step; abort is cooperative.

Listeners registered with Connect are always invoked on the experiment's
dispatch loop, never concurrently with each other.
*/
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/nasa-jpl/labauto/param"
	"github.com/nasa-jpl/labauto/task"
)

var (
	// ErrMissingParameter is generated when a declared parameter has no bound value
	ErrMissingParameter = errors.New("missing parameter")

	// ErrState is generated when an operation is not valid in the experiment's state
	ErrState = errors.New("invalid experiment state")

	// ErrNoLoop is generated when an experiment is created without a dispatch loop
	ErrNoLoop = errors.New("experiment requires a dispatch loop")
)

// LogKeyword is the keyword Log emits under
const LogKeyword = "log"

// Procedure is the body of an experiment
type Procedure interface {
	// Parameters declares the parameter slots, with their defaults.  It is
	// called once, by New, and the returned values are copied.
	Parameters() []*param.Parameter

	// Execute does the work.  ctx is cancelled when the experiment is aborted.
	Execute(ctx context.Context, e *Experiment) (interface{}, error)
}

// Verifier is implemented by procedures that check their parameters before
// running
type Verifier interface {
	Verify(e *Experiment) error
}

// State is a step of the experiment lifecycle
type State int

const (
	Constructed State = iota
	Verified
	Running
	Succeeded
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case Verified:
		return "verified"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Listener receives the arguments passed to Emit
type Listener func(args ...interface{})

type listener struct {
	keyword string
	fn      Listener
}

// Experiment is one procedure bound to its parameter values
type Experiment struct {
	id     int
	name   string
	proc   Procedure
	loop   *task.Loop
	logger *log.Logger

	params []*param.Parameter
	byName map[string]*param.Parameter

	abort atomic.Bool

	mu          sync.Mutex
	state       State
	listeners   []listener
	lastFailure error
	future      *task.Future
}

// Option configures an Experiment
type Option func(*Experiment)

// WithLogger sets the sink Log forwards to.  The default is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(e *Experiment) { e.logger = l }
}

// WithName sets a human-readable name, reported by Name
func WithName(name string) Option {
	return func(e *Experiment) { e.name = name }
}

// New creates an experiment.  Every parameter the procedure declares must
// have a value in bound; extra entries in bound are ignored.
func New(id int, proc Procedure, bound map[string]interface{}, loop *task.Loop, opts ...Option) (*Experiment, error) {
	if loop == nil {
		return nil, ErrNoLoop
	}
	e := &Experiment{
		id:     id,
		proc:   proc,
		loop:   loop,
		logger: log.Default(),
		byName: map[string]*param.Parameter{},
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, decl := range proc.Parameters() {
		v, ok := bound[decl.Name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingParameter, decl.Name)
		}
		p := decl.Copy()
		p.Set(v)
		e.params = append(e.params, p)
		e.byName[p.Name] = p
	}
	return e, nil
}

// ID is the identifier given to New
func (e *Experiment) ID() int {
	return e.id
}

// Name is the name set with WithName, or "experiment <id>"
func (e *Experiment) Name() string {
	if e.name == "" {
		return fmt.Sprintf("experiment %d", e.id)
	}
	return e.name
}

// Procedure returns the procedure the experiment runs
func (e *Experiment) Procedure() Procedure {
	return e.proc
}

// Parameters returns the bound parameters in declaration order
func (e *Experiment) Parameters() []*param.Parameter {
	out := make([]*param.Parameter, len(e.params))
	for i, p := range e.params {
		out[i] = p.Copy()
	}
	return out
}

// Param returns the bound parameter with the given name, or nil
func (e *Experiment) Param(name string) *param.Parameter {
	return e.byName[name]
}

// Value returns the value bound to name, or nil
func (e *Experiment) Value(name string) interface{} {
	p := e.byName[name]
	if p == nil {
		return nil
	}
	return p.Get()
}

// Float returns a numeric parameter as a float64
func (e *Experiment) Float(name string) (float64, error) {
	switch v := e.Value(name).(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("parameter %q is %v (%T), not a number", name, v, v)
	}
}

// Int returns an integer parameter.  Floats with no fractional part are accepted.
func (e *Experiment) Int(name string) (int, error) {
	switch v := e.Value(name).(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("parameter %q is %v (%T), not an integer", name, e.Value(name), e.Value(name))
}

// Text returns a string parameter
func (e *Experiment) Text(name string) (string, error) {
	v, ok := e.Value(name).(string)
	if !ok {
		return "", fmt.Errorf("parameter %q is %v (%T), not a string", name, e.Value(name), e.Value(name))
	}
	return v, nil
}

// State returns the current lifecycle state
func (e *Experiment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ShouldAbort is true once Abort has been called
func (e *Experiment) ShouldAbort() bool {
	return e.abort.Load()
}

// Abort asks the procedure to stop.  The caller owning the Future returned by
// Run is expected to cancel it as well.
func (e *Experiment) Abort() {
	e.abort.Store(true)
}

// Verify checks the experiment may run, using the procedure's Verify if it
// has one
func (e *Experiment) Verify() error {
	if s := e.State(); s != Constructed && s != Verified {
		return fmt.Errorf("%w: cannot verify a %s experiment", ErrState, s)
	}
	if v, ok := e.proc.(Verifier); ok {
		if err := v.Verify(e); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Constructed {
		e.state = Verified
	}
	return nil
}

// Run verifies the experiment and starts the procedure on a worker.  The
// Future resolves with the procedure's result or error.  abortCallback, if
// not nil, is called when the Future is cancelled.  An experiment runs once.
func (e *Experiment) Run(abortCallback func()) (*task.Future, error) {
	if err := e.Verify(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Verified {
		return nil, fmt.Errorf("%w: cannot run a %s experiment", ErrState, e.state)
	}
	e.state = Running
	canceller := func() {
		e.Abort()
		e.finish(Aborted)
		if abortCallback != nil {
			abortCallback()
		}
	}
	e.future = task.Go(e.loop, func(ctx context.Context) (interface{}, error) {
		return e.proc.Execute(ctx, e)
	}, canceller)
	e.future.Then(func(interface{}) {
		e.finish(Succeeded)
	}, func(err error) {
		if errors.Is(err, task.ErrCancelled) {
			e.finish(Aborted)
			return
		}
		e.Failed(err)
		e.finish(Failed)
	})
	return e.future, nil
}

func (e *Experiment) finish(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Future is the handle returned by Run, or nil before it
func (e *Experiment) Future() *task.Future {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.future
}

// Connect registers fn to be called, on the dispatch loop, for every Emit
// with a matching keyword
func (e *Experiment) Connect(keyword string, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener{keyword: keyword, fn: fn})
}

// Emit delivers args to the listeners registered for keyword.  It may be
// called from any goroutine and does not wait for the listeners.
func (e *Experiment) Emit(keyword string, args ...interface{}) {
	e.mu.Lock()
	var fns []Listener
	for _, l := range e.listeners {
		if l.keyword == keyword {
			fns = append(fns, l.fn)
		}
	}
	e.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	e.loop.Call(func() {
		for _, fn := range fns {
			fn(args...)
		}
	})
}

// Log emits message under LogKeyword and writes it to the log sink
func (e *Experiment) Log(message string) {
	e.Emit(LogKeyword, message)
	e.logger.Printf("%s: %s", e.Name(), message)
}

// Logf is Log with fmt.Sprintf formatting
func (e *Experiment) Logf(format string, args ...interface{}) {
	e.Log(fmt.Sprintf(format, args...))
}

// Failed records err as the most recent failure
func (e *Experiment) Failed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFailure = err
}

// LastFailure returns the error recorded by Failed, or nil
func (e *Experiment) LastFailure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFailure
}
