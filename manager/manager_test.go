package manager_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/nasa-jpl/labauto/experiment"
	"github.com/nasa-jpl/labauto/manager"
	"github.com/nasa-jpl/labauto/param"
	"github.com/nasa-jpl/labauto/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gated blocks until its gate is closed or it is aborted
type gated struct {
	gate chan struct{}
	fail bool
}

func (g *gated) Parameters() []*param.Parameter {
	return []*param.Parameter{param.New("label", "", "")}
}

func (g *gated) Execute(ctx context.Context, e *experiment.Experiment) (interface{}, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.fail {
		return nil, errors.New("stage fault")
	}
	return e.Value("label"), nil
}

type rejected struct{ gated }

func (r *rejected) Verify(*experiment.Experiment) error {
	return errors.New("interlock open")
}

// recorder logs every hook call as "<hook> <id>"
type recorder struct {
	events chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) Running(e *experiment.Experiment) {
	r.events <- fmt.Sprintf("running %d", e.ID())
}

func (r *recorder) Finished(e *experiment.Experiment, result interface{}) {
	r.events <- fmt.Sprintf("finished %d %v", e.ID(), result)
}

func (r *recorder) Failed(e *experiment.Experiment, err error) {
	r.events <- fmt.Sprintf("failed %d", e.ID())
}

func (r *recorder) Aborted(e *experiment.Experiment) {
	r.events <- fmt.Sprintf("aborted %d", e.ID())
}

func (r *recorder) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.events:
			if got != w {
				t.Fatalf("expected hook %q, got %q", w, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for hook %q", w)
		}
	}
}

type fixture struct {
	loop *task.Loop
	mgr  *manager.Manager
	rec  *recorder
}

func setup(t *testing.T) *fixture {
	loop := task.NewLoop()
	rec := newRecorder()
	mgr := manager.New(loop, rec)
	t.Cleanup(func() {
		mgr.Close()
		loop.Close()
	})
	return &fixture{loop: loop, mgr: mgr, rec: rec}
}

func (f *fixture) experiment(t *testing.T, id int, proc experiment.Procedure) *experiment.Experiment {
	t.Helper()
	e, err := experiment.New(id, proc, map[string]interface{}{"label": fmt.Sprintf("e%d", id)}, f.loop)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func ids(es []*experiment.Experiment) []int {
	out := make([]int, len(es))
	for i, e := range es {
		out[i] = e.ID()
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueueIsFIFO(t *testing.T) {
	f := setup(t)
	open := make(chan struct{})
	close(open)
	for i := 1; i <= 3; i++ {
		if _, err := f.mgr.Add(f.experiment(t, i, &gated{gate: open})); err != nil {
			t.Fatal(err)
		}
	}
	if got := ids(f.mgr.Queue()); !equalInts(got, []int{1, 2, 3}) {
		t.Fatalf("queue order %v", got)
	}
	for i := 1; i <= 3; i++ {
		if _, err := f.mgr.Next(); err != nil {
			t.Fatal(err)
		}
		f.rec.expect(t, fmt.Sprintf("running %d", i), fmt.Sprintf("finished %d e%d", i, i))
	}
	if f.mgr.ExperimentIsQueued() || f.mgr.IsRunning() {
		t.Error("manager not idle after draining the queue")
	}
	if _, err := f.mgr.Next(); !errors.Is(err, manager.ErrEmptyQueue) {
		t.Errorf("expected ErrEmptyQueue, got %v", err)
	}
}

func TestOneAtATime(t *testing.T) {
	f := setup(t)
	gate := make(chan struct{})
	f.mgr.Add(f.experiment(t, 1, &gated{gate: gate}))
	f.mgr.Add(f.experiment(t, 2, &gated{gate: gate}))
	if _, err := f.mgr.Next(); err != nil {
		t.Fatal(err)
	}
	if !f.mgr.IsRunning() || !f.mgr.IsExperimentRunning(1) || f.mgr.IsExperimentRunning(2) {
		t.Fatal("experiment 1 should be the one running")
	}
	if _, err := f.mgr.Next(); !errors.Is(err, manager.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if f.mgr.QueueLen() != 1 {
		t.Errorf("rejected Next changed the queue: %d left", f.mgr.QueueLen())
	}
	close(gate)
	f.rec.expect(t, "running 1", "finished 1 e1")
	if f.mgr.IsRunning() {
		t.Error("continuous mode is off; nothing should be running")
	}
}

func TestContinuous(t *testing.T) {
	f := setup(t)
	open := make(chan struct{})
	close(open)
	f.mgr.SetContinuous(true)
	if !f.mgr.IsContinuous() {
		t.Fatal("SetContinuous(true) not reported")
	}
	for i := 1; i <= 3; i++ {
		f.mgr.Add(f.experiment(t, i, &gated{gate: open}))
	}
	f.mgr.Next()
	f.rec.expect(t,
		"running 1", "finished 1 e1",
		"running 2", "finished 2 e2",
		"running 3", "finished 3 e3")
}

func TestStartOnAdd(t *testing.T) {
	f := setup(t)
	gate := make(chan struct{})
	f.mgr.SetStartOnAdd(true)
	if !f.mgr.ShouldStartOnAdd() {
		t.Fatal("SetStartOnAdd(true) not reported")
	}
	fut, err := f.mgr.Add(f.experiment(t, 1, &gated{gate: gate}))
	if err != nil || fut == nil {
		t.Fatalf("expected Add to start the experiment, got %v, %v", fut, err)
	}
	fut, err = f.mgr.Add(f.experiment(t, 2, &gated{gate: gate}))
	if err != nil || fut != nil {
		t.Fatalf("expected Add to queue behind the running experiment, got %v, %v", fut, err)
	}
	close(gate)
	f.rec.expect(t, "running 1", "finished 1 e1")
	if !f.mgr.ExperimentIsQueued() {
		t.Error("experiment 2 should still be queued")
	}
}

func TestRemoveAndSwap(t *testing.T) {
	f := setup(t)
	gate := make(chan struct{})
	defer close(gate)
	for i := 1; i <= 4; i++ {
		f.mgr.Add(f.experiment(t, i, &gated{gate: gate}))
	}
	if _, err := f.mgr.Add(f.experiment(t, 2, &gated{gate: gate})); !errors.Is(err, manager.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	f.mgr.Next() // 1 is now running
	if err := f.mgr.Remove(1); !errors.Is(err, manager.ErrRunning) {
		t.Errorf("expected ErrRunning removing the running experiment, got %v", err)
	}
	if err := f.mgr.Swap(1, 3); !errors.Is(err, manager.ErrRunning) {
		t.Errorf("expected ErrRunning swapping the running experiment, got %v", err)
	}
	if err := f.mgr.Remove(9); !errors.Is(err, manager.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := f.mgr.Swap(2, 9); !errors.Is(err, manager.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := f.mgr.Swap(2, 4); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Remove(3); err != nil {
		t.Fatal(err)
	}
	if got := ids(f.mgr.Queue()); !equalInts(got, []int{4, 2}) {
		t.Errorf("queue after swap and remove is %v", got)
	}
}

func TestFailure(t *testing.T) {
	f := setup(t)
	open := make(chan struct{})
	close(open)
	f.mgr.Add(f.experiment(t, 1, &gated{gate: open, fail: true}))
	fut, _ := f.mgr.Next()
	f.rec.expect(t, "running 1", "failed 1")
	if _, err := fut.Wait(context.Background()); err == nil || !strings.Contains(err.Error(), "stage fault") {
		t.Errorf("future resolved with %v", err)
	}
	if f.mgr.IsRunning() {
		t.Error("manager still running after a failure")
	}
}

func TestVerifyFailureDropsExperiment(t *testing.T) {
	f := setup(t)
	f.mgr.Add(f.experiment(t, 1, &rejected{}))
	if _, err := f.mgr.Next(); err == nil || !strings.Contains(err.Error(), "interlock open") {
		t.Errorf("expected the verification error, got %v", err)
	}
	if f.mgr.IsRunning() || f.mgr.ExperimentIsQueued() {
		t.Error("rejected experiment should be dropped, not run or requeued")
	}
}

func TestAbort(t *testing.T) {
	f := setup(t)
	gate := make(chan struct{})
	defer close(gate)
	if err := f.mgr.Abort(); !errors.Is(err, manager.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	f.mgr.SetContinuous(true)
	e := f.experiment(t, 1, &gated{gate: gate})
	f.mgr.Add(e)
	f.mgr.Add(f.experiment(t, 2, &gated{gate: gate}))
	fut, _ := f.mgr.Next()
	f.rec.expect(t, "running 1")
	if err := f.mgr.Abort(); err != nil {
		t.Fatal(err)
	}
	f.rec.expect(t, "aborted 1")
	if _, err := fut.Wait(context.Background()); !errors.Is(err, task.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if !e.ShouldAbort() {
		t.Error("procedure was not told to stop")
	}
	// an abort does not advance the queue, even in continuous mode
	f.loop.Sync(func() {})
	if f.mgr.IsRunning() || f.mgr.QueueLen() != 1 {
		t.Errorf("after abort: running=%v queued=%d", f.mgr.IsRunning(), f.mgr.QueueLen())
	}
	select {
	case ev := <-f.rec.events:
		t.Errorf("unexpected hook after abort: %s", ev)
	default:
	}
}

func TestAbortLeavesManagerIdle(t *testing.T) {
	f := setup(t)
	gate := make(chan struct{})
	defer close(gate)
	f.mgr.Add(f.experiment(t, 1, &gated{gate: gate}))
	f.mgr.Add(f.experiment(t, 2, &gated{gate: gate}))
	var (
		running bool
		err     error
	)
	f.loop.Sync(func() {
		f.mgr.Next()
		if err = f.mgr.Abort(); err != nil {
			return
		}
		running = f.mgr.IsRunning()
		_, err = f.mgr.Next()
	})
	if err != nil {
		t.Fatalf("Next right after Abort: %v", err)
	}
	if running {
		t.Error("manager still running after Abort returned")
	}
	f.rec.expect(t, "running 1", "aborted 1", "running 2")
	if !f.mgr.IsExperimentRunning(2) {
		t.Error("experiment 2 is not running")
	}
}

func TestAbortedHookSeesAbortedState(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	states := make(chan experiment.State, 1)
	mgr := manager.New(loop, stateHooks{states})
	defer mgr.Close()
	gate := make(chan struct{})
	defer close(gate)
	e, _ := experiment.New(1, &gated{gate: gate}, map[string]interface{}{"label": "s"}, loop)
	mgr.Add(e)
	mgr.Next()
	mgr.Abort()
	select {
	case s := <-states:
		if s != experiment.Aborted {
			t.Errorf("Aborted hook saw a %s experiment", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no Aborted hook")
	}
}

type stateHooks struct {
	states chan experiment.State
}

func (stateHooks) Running(*experiment.Experiment) {}

func (stateHooks) Finished(*experiment.Experiment, interface{}) {}

func (stateHooks) Failed(*experiment.Experiment, error) {}

func (h stateHooks) Aborted(e *experiment.Experiment) {
	h.states <- e.State()
}

func TestContinuousSkipsRejected(t *testing.T) {
	f := setup(t)
	open := make(chan struct{})
	close(open)
	f.mgr.SetContinuous(true)
	f.mgr.Add(f.experiment(t, 1, &gated{gate: open}))
	f.mgr.Add(f.experiment(t, 2, &rejected{}))
	f.mgr.Add(f.experiment(t, 3, &gated{gate: open}))
	if _, err := f.mgr.Next(); err != nil {
		t.Fatal(err)
	}
	f.rec.expect(t, "running 1", "finished 1 e1", "failed 2", "running 3", "finished 3 e3")
	if f.mgr.ExperimentIsQueued() {
		t.Errorf("queue not drained: %v", ids(f.mgr.Queue()))
	}
}

func TestNextReportsDroppedExperiment(t *testing.T) {
	f := setup(t)
	e := f.experiment(t, 7, &rejected{})
	f.mgr.Add(e)
	_, err := f.mgr.Next()
	var se *manager.StartError
	if !errors.As(err, &se) || se.Experiment != e {
		t.Errorf("expected a StartError for experiment 7, got %v", err)
	}
}

// lingering ignores cancellation until released, then cleans up
type lingering struct {
	release chan struct{}
	cleaned atomic.Bool
}

func (l *lingering) Parameters() []*param.Parameter { return nil }

func (l *lingering) Execute(ctx context.Context, e *experiment.Experiment) (interface{}, error) {
	defer l.cleaned.Store(true)
	<-ctx.Done()
	<-l.release
	return nil, ctx.Err()
}

func startLingering(t *testing.T) (*manager.Manager, *lingering) {
	loop := task.NewLoop()
	t.Cleanup(loop.Close)
	mgr := manager.New(loop, nil)
	proc := &lingering{release: make(chan struct{})}
	e, _ := experiment.New(1, proc, nil, loop)
	mgr.Add(e)
	if _, err := mgr.Next(); err != nil {
		t.Fatal(err)
	}
	return mgr, proc
}

func TestShutdownWaitsForProcedure(t *testing.T) {
	mgr, proc := startLingering(t)
	time.AfterFunc(50*time.Millisecond, func() { close(proc.release) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if !proc.cleaned.Load() {
		t.Error("Shutdown returned before the procedure cleaned up")
	}
}

func TestShutdownGivesUp(t *testing.T) {
	mgr, proc := startLingering(t)
	defer close(proc.release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := mgr.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected Shutdown to give up, got %v", err)
	}
	if mgr.IsRunning() {
		t.Error("manager still running after Shutdown")
	}
}

func TestShutdownIdle(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	mgr := manager.New(loop, nil)
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of an idle manager: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	loop := task.NewLoop()
	defer loop.Close()
	reg := prometheus.NewRegistry()
	rec := newRecorder()
	var mgr *manager.Manager
	met, err := manager.NewMetrics(reg, rec, func() int { return mgr.QueueLen() })
	if err != nil {
		t.Fatal(err)
	}
	mgr = manager.New(loop, met)
	defer mgr.Close()

	open := make(chan struct{})
	close(open)
	for i := 1; i <= 3; i++ {
		e, _ := experiment.New(i, &gated{gate: open, fail: i == 2}, map[string]interface{}{"label": "m"}, loop)
		mgr.Add(e)
	}
	const gauge = `
# HELP labauto_queue_length Number of experiments waiting to run.
# TYPE labauto_queue_length gauge
labauto_queue_length 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(gauge), "labauto_queue_length"); err != nil {
		t.Error(err)
	}
	mgr.Next()
	rec.expect(t, "running 1", "finished 1 m")
	mgr.Next()
	rec.expect(t, "running 2", "failed 2")

	if n := testutil.ToFloat64(met.Started()); n != 2 {
		t.Errorf("started counter %v, expected 2", n)
	}
	if n := testutil.ToFloat64(met.Outcome("succeeded")); n != 1 {
		t.Errorf("succeeded counter %v, expected 1", n)
	}
	if n := testutil.ToFloat64(met.Outcome("failed")); n != 1 {
		t.Errorf("failed counter %v, expected 1", n)
	}
	if _, err := manager.NewMetrics(reg, nil, nil); err == nil {
		t.Error("registering twice should fail")
	}
}
