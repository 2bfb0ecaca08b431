/*Package manager queues experiments and runs them one at a time.

A Manager holds a FIFO queue of experiments.  Next pops the head and runs it;
while it runs, no other experiment may start and the running experiment may
not be removed or swapped.  When it finishes, fails, or is aborted, the
Manager returns to idle and calls the matching hook.  In continuous mode a
finished experiment is followed immediately by the next one in the queue.

Every hook runs on the Manager's dispatch loop, so hooks never run
concurrently with each other.  Queue operations may be called from any
goroutine, including from inside a hook.
*/
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nasa-jpl/labauto/experiment"
	"github.com/nasa-jpl/labauto/task"
)

var (
	// ErrAlreadyRunning is generated when starting an experiment while one is running
	ErrAlreadyRunning = errors.New("an experiment is already running")

	// ErrNotRunning is generated when aborting while no experiment is running
	ErrNotRunning = errors.New("no experiment is running")

	// ErrEmptyQueue is generated when Next is called with nothing queued
	ErrEmptyQueue = errors.New("no experiments are queued")

	// ErrRunning is generated when removing or swapping the running experiment
	ErrRunning = errors.New("experiment is running")

	// ErrNotFound is generated when no queued experiment has the requested ID
	ErrNotFound = errors.New("experiment not found in queue")

	// ErrDuplicate is generated when adding an experiment whose ID is already queued or running
	ErrDuplicate = errors.New("experiment ID already in use")
)

// StartError is returned by Next when the head of the queue could not be
// started.  That experiment has been dropped from the queue.
type StartError struct {
	Experiment *experiment.Experiment
	Err        error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Experiment.Name(), e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Hooks are notified of the running experiment's progress.  Embed NopHooks
// to implement only some of them.
type Hooks interface {
	Running(e *experiment.Experiment)
	Finished(e *experiment.Experiment, result interface{})
	Failed(e *experiment.Experiment, err error)
	Aborted(e *experiment.Experiment)
}

// NopHooks implements Hooks and does nothing
type NopHooks struct{}

// Running does nothing
func (NopHooks) Running(*experiment.Experiment) {}

// Finished does nothing
func (NopHooks) Finished(*experiment.Experiment, interface{}) {}

// Failed does nothing
func (NopHooks) Failed(*experiment.Experiment, error) {}

// Aborted does nothing
func (NopHooks) Aborted(*experiment.Experiment) {}

// Manager is a FIFO queue of experiments with a single runner
type Manager struct {
	loop  *task.Loop
	hooks Hooks

	mu         sync.Mutex
	queue      []*experiment.Experiment
	running    *experiment.Experiment
	future     *task.Future
	continuous bool
	startOnAdd bool
}

// New creates an idle Manager.  hooks may be nil.  The loop must outlive the
// Manager.
func New(loop *task.Loop, hooks Hooks) *Manager {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Manager{loop: loop, hooks: hooks}
}

// Add appends e to the queue.  If start-on-add is enabled and nothing is
// running, e (or whatever is at the head of the queue) is started and its
// Future returned; otherwise the Future is nil.
func (m *Manager) Add(e *experiment.Experiment) (*task.Future, error) {
	if e == nil {
		return nil, errors.New("nil experiment")
	}
	m.mu.Lock()
	if m.inUse(e.ID()) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicate, e.ID())
	}
	m.queue = append(m.queue, e)
	start := m.startOnAdd && m.running == nil
	m.mu.Unlock()
	if start {
		return m.Next()
	}
	return nil, nil
}

func (m *Manager) inUse(id int) bool {
	if m.running != nil && m.running.ID() == id {
		return true
	}
	return m.index(id) >= 0
}

// index must be called with m.mu held
func (m *Manager) index(id int) int {
	for i, e := range m.queue {
		if e.ID() == id {
			return i
		}
	}
	return -1
}

// Remove takes the experiment with the given ID out of the queue
func (m *Manager) Remove(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil && m.running.ID() == id {
		return fmt.Errorf("%w: %d", ErrRunning, id)
	}
	i := m.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	m.queue = append(m.queue[:i], m.queue[i+1:]...)
	return nil
}

// Swap exchanges the queue positions of two experiments
func (m *Manager) Swap(id1, id2 int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil && (m.running.ID() == id1 || m.running.ID() == id2) {
		return fmt.Errorf("%w: %d", ErrRunning, m.running.ID())
	}
	i, j := m.index(id1), m.index(id2)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id1)
	}
	if j < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id2)
	}
	m.queue[i], m.queue[j] = m.queue[j], m.queue[i]
	return nil
}

// Next starts the experiment at the head of the queue.  An experiment that
// fails verification is dropped from the queue and a *StartError returned.
func (m *Manager) Next() (*task.Future, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil {
		return nil, ErrAlreadyRunning
	}
	if len(m.queue) == 0 {
		return nil, ErrEmptyQueue
	}
	e := m.queue[0]
	m.queue = m.queue[1:]

	f, err := e.Run(func() {
		m.loop.Call(func() { m.aborted(e) })
	})
	if err != nil {
		return nil, &StartError{Experiment: e, Err: err}
	}
	m.running = e
	m.future = f
	// queued before the continuations can be, so Running is always the
	// first hook an experiment sees
	m.loop.Call(func() { m.hooks.Running(e) })
	f.Then(func(result interface{}) {
		m.finished(e, result)
	}, func(err error) {
		m.failed(e, err)
	})
	return f, nil
}

// Abort stops the running experiment.  The procedure is told to stop, its
// Future is cancelled, and the Manager is idle when Abort returns; the
// Aborted hook follows on the loop.  An experiment whose procedure already
// returned is left to its Finished or Failed hook.
func (m *Manager) Abort() error {
	m.mu.Lock()
	e, f := m.running, m.future
	if e == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	e.Abort()
	if !f.Cancel() {
		m.mu.Unlock()
		return nil
	}
	m.running = nil
	m.future = nil
	m.mu.Unlock()
	m.loop.Call(func() { m.hooks.Aborted(e) })
	return nil
}

// release returns the Manager to idle if e is still the running experiment.
// Continuations of an older run must not clear a newer one.
func (m *Manager) release(e *experiment.Experiment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != e {
		return false
	}
	m.running = nil
	m.future = nil
	return true
}

func (m *Manager) finished(e *experiment.Experiment, result interface{}) {
	if !m.release(e) {
		return
	}
	m.hooks.Finished(e, result)
	m.advance()
}

// advance starts queued experiments in continuous mode.  Each one that cannot
// start is reported as failed and the next is tried.
func (m *Manager) advance() {
	for m.IsContinuous() && m.ExperimentIsQueued() {
		_, err := m.Next()
		var se *StartError
		if !errors.As(err, &se) {
			return
		}
		m.hooks.Failed(se.Experiment, err)
	}
}

func (m *Manager) failed(e *experiment.Experiment, err error) {
	released := m.release(e)
	if errors.Is(err, task.ErrCancelled) {
		// the Aborted hook reports this one
		return
	}
	if released {
		m.hooks.Failed(e, err)
	}
}

func (m *Manager) aborted(e *experiment.Experiment) {
	if m.release(e) {
		m.hooks.Aborted(e)
	}
}

// IsRunning is true while an experiment is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running != nil
}

// IsExperimentRunning is true if the running experiment has the given ID
func (m *Manager) IsExperimentRunning(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running != nil && m.running.ID() == id
}

// Running returns the running experiment, or nil
func (m *Manager) Running() *experiment.Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// IsContinuous is true if finishing an experiment starts the next
func (m *Manager) IsContinuous() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.continuous
}

// SetContinuous turns continuous mode on or off
func (m *Manager) SetContinuous(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.continuous = b
}

// ShouldStartOnAdd is true if Add starts an idle Manager
func (m *Manager) ShouldStartOnAdd() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startOnAdd
}

// SetStartOnAdd turns start-on-add on or off
func (m *Manager) SetStartOnAdd(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startOnAdd = b
}

// ExperimentIsQueued is true if the queue is not empty
func (m *Manager) ExperimentIsQueued() bool {
	return m.QueueLen() > 0
}

// QueueLen is the number of queued experiments, not counting the running one
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Queue returns the queued experiments in order
func (m *Manager) Queue() []*experiment.Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*experiment.Experiment(nil), m.queue...)
}

// Close empties the queue and aborts the running experiment, if any.  The
// procedure may still be winding down when Close returns; see Shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.queue = nil
	m.continuous = false
	m.mu.Unlock()
	if err := m.Abort(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// Shutdown is Close, then waits for the aborted procedure to return, so its
// cleanup (e.g. switching an output off) has run.  It gives up when ctx is
// done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	f := m.future
	m.mu.Unlock()
	if err := m.Close(); err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	select {
	case <-f.Exited():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the running experiment to stop: %w", ctx.Err())
	}
}
