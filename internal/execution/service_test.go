package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/batch"
	"github.com/seantiz/crucible/internal/constraint"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/forecast"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/objectstore"
	"github.com/seantiz/crucible/internal/outputfile"
	"github.com/seantiz/crucible/internal/process"
	"github.com/seantiz/crucible/internal/quota"
	"github.com/seantiz/crucible/internal/store"
)

// scriptedEngine reports a fixed list of steps and then returns err.
type scriptedEngine struct {
	name  string
	steps []model.Step
	err   error
}

func (e *scriptedEngine) Name() string { return e.name }

func (e *scriptedEngine) Run(ctx context.Context, exec model.Execution, r engine.Reporter) error {
	for _, step := range e.steps {
		if _, err := r.AppendStep(ctx, exec.ID, step); err != nil {
			return err
		}
	}
	return e.err
}

// blockingEngine reports RUNNING and then waits for its context to end.
type blockingEngine struct {
	started   chan string
	stopped   atomic.Int32
	cancelled chan string
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{started: make(chan string, 8), cancelled: make(chan string, 8)}
}

func (e *blockingEngine) Name() string { return "jobs" }

func (e *blockingEngine) Run(ctx context.Context, exec model.Execution, r engine.Reporter) error {
	if _, err := r.AppendStep(ctx, exec.ID, model.Step{Status: model.StatusRunning, Message: "started"}); err != nil {
		return err
	}
	e.started <- exec.ID
	<-ctx.Done()
	e.stopped.Add(1)
	return ctx.Err()
}

func (e *blockingEngine) Cancel(_ context.Context, executionID string) error {
	e.cancelled <- executionID
	return nil
}

// relayEngine holds its first run until release is closed and returns. Later
// runs wait for their context.
type relayEngine struct {
	calls   atomic.Int32
	started chan int32
	release chan struct{}
	stopped atomic.Int32
}

func (e *relayEngine) Name() string { return "jobs" }

func (e *relayEngine) Run(ctx context.Context, _ model.Execution, _ engine.Reporter) error {
	n := e.calls.Add(1)
	e.started <- n
	if n == 1 {
		<-e.release
		return nil
	}
	<-ctx.Done()
	e.stopped.Add(1)
	return nil
}

// silentEngine accepts executions and never reports anything.
type silentEngine struct {
	runs atomic.Int32
}

func (e *silentEngine) Name() string { return "jobs" }

func (e *silentEngine) Run(context.Context, model.Execution, engine.Reporter) error {
	e.runs.Add(1)
	return nil
}

type testEnv struct {
	svc     *Service
	batches *batch.Service
	outputs *outputfile.Service
	store   *store.SQLiteStore
	procs   *process.Registry
}

var alice = model.Principal{Tenant: "project1", User: "alice", Role: "PUBLIC"}

func newTestEnv(t *testing.T, engines ...engine.Engine) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	procs := process.NewRegistry()
	demo := &process.Static{
		ProcessName: "demo",
		Engine:      "jobs",
		Params:      []process.ParameterDescriptor{{Name: "x", Type: process.TypeInteger, Required: true}},
		Execution:   constraint.MaxInputFiles(2),
		Forecast: process.Forecasts{
			Size:     forecast.MultiplierSize{Factor: 1},
			Duration: forecast.AbsoluteDuration{Duration: time.Second},
		},
	}
	ghost := &process.Static{ProcessName: "ghost", Engine: "nowhere"}
	multi := &process.Static{ProcessName: "multi", Engine: "jobs", MultipleAllowed: true}
	for _, def := range []process.Definition{demo, ghost, multi} {
		if err := procs.Register("project1", def); err != nil {
			t.Fatalf("Register process: %v", err)
		}
	}

	engReg := engine.NewRegistry()
	for _, e := range engines {
		if err := engReg.Register(e); err != nil {
			t.Fatalf("Register engine: %v", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	outputs := outputfile.NewService(st, quota.NewLimiter(quota.Config{MaxBytes: 1 << 20}), objectstore.NopReleaser{}, time.Hour, logger)
	svc := NewService(st, procs, engReg, outputs, time.Minute, logger)
	t.Cleanup(svc.Shutdown)

	return &testEnv{
		svc:     svc,
		batches: batch.NewService(st, procs, process.RoleRights{Registry: procs}, batch.Ceilings{}, logger),
		outputs: outputs,
		store:   st,
		procs:   procs,
	}
}

func (env *testEnv) createBatch(t *testing.T, processName string) *model.Batch {
	t.Helper()
	params := map[string]string{}
	if processName == "demo" {
		params["x"] = "1"
	}
	b, err := env.batches.CreateBatch(context.Background(), alice, batch.Request{
		ProcessName:   processName,
		CorrelationID: "corr-" + processName,
		Parameters:    params,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

func (env *testEnv) launch(t *testing.T, processName string) *model.Execution {
	t.Helper()
	b := env.createBatch(t, processName)
	exec, err := env.svc.LaunchExecution(context.Background(), alice, LaunchRequest{
		BatchID:    b.ID,
		InputFiles: []model.InputFile{{Name: "in.raw", URL: "s3://in/in.raw", SizeBytes: 2048}},
	})
	if err != nil {
		t.Fatalf("LaunchExecution: %v", err)
	}
	return exec
}

func statuses(e *model.Execution) []model.ExecutionStatus {
	out := make([]model.ExecutionStatus, len(e.Steps))
	for i, s := range e.Steps {
		out[i] = s.Status
	}
	return out
}

func equalStatuses(a, b []model.ExecutionStatus) bool {
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

func TestLaunchRunDownloadEndToEnd(t *testing.T) {
	eng := &scriptedEngine{name: "jobs", steps: []model.Step{
		{Status: model.StatusRunning, Message: "working"},
		{Status: model.StatusSuccess, Message: "done", OutputFiles: []model.OutputFile{{
			URL:       "s3://results/result.raw",
			Name:      "result.raw",
			SizeBytes: 512,
			Checksum:  model.Checksum{Method: "sha256", Value: "abcd"},
		}}},
	}}
	env := newTestEnv(t, eng)
	ctx := context.Background()

	exec := env.launch(t, "demo")
	if exec.CurrentStatus() != model.StatusRegistered {
		t.Errorf("launch status = %q, want REGISTERED", exec.CurrentStatus())
	}
	if exec.CorrelationID != "corr-demo" {
		t.Errorf("CorrelationID = %q, want the batch's", exec.CorrelationID)
	}
	if exec.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want the 1m minimum", exec.Timeout)
	}
	env.svc.Wait()

	got, err := env.svc.GetExecution(ctx, "project1", exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	want := []model.ExecutionStatus{model.StatusRegistered, model.StatusRunning, model.StatusSuccess}
	if !equalStatuses(statuses(got), want) {
		t.Fatalf("history = %v, want %v", statuses(got), want)
	}
	for i := 1; i < len(got.Steps); i++ {
		if got.Steps[i].Time.Before(got.Steps[i-1].Time) {
			t.Errorf("step %d time %v precedes step %d", i, got.Steps[i].Time, i-1)
		}
	}

	files, err := env.outputs.ListForExecution(ctx, got)
	if err != nil {
		t.Fatalf("ListForExecution: %v", err)
	}
	if len(files) != 1 || files[0].Name != "result.raw" || files[0].SizeBytes != 512 {
		t.Fatalf("output files = %+v, want result.raw of 512 bytes", files)
	}

	results := env.outputs.MarkDownloaded(ctx, alice, []string{files[0].ID})
	if results[0].Err != nil {
		t.Fatalf("MarkDownloaded: %v", results[0].Err)
	}
	if !results[0].File.Downloaded || results[0].File.DownloadedAt == nil {
		t.Errorf("file not marked downloaded: %+v", results[0].File)
	}
}

func TestStepsAfterTerminalAreDropped(t *testing.T) {
	eng := &scriptedEngine{name: "jobs", steps: []model.Step{
		{Status: model.StatusRunning},
		{Status: model.StatusFailure, Message: "crashed"},
		{Status: model.StatusSuccess},
		{Status: model.StatusTimedOut, Message: "late"},
	}}
	env := newTestEnv(t, eng)

	exec := env.launch(t, "demo")
	env.svc.Wait()

	got, err := env.svc.AppendStep(context.Background(), exec.ID, model.Step{Status: model.StatusCancelled, Message: "too late"})
	if err != nil {
		t.Fatalf("AppendStep after terminal: %v", err)
	}
	want := []model.ExecutionStatus{model.StatusRegistered, model.StatusRunning, model.StatusFailure}
	if !equalStatuses(statuses(got), want) {
		t.Errorf("history = %v, want %v", statuses(got), want)
	}
	if last, _ := got.LastStep(); last.Message != "crashed" {
		t.Errorf("last message = %q, want %q", last.Message, "crashed")
	}
}

func TestEngineErrorBecomesFailure(t *testing.T) {
	env := newTestEnv(t, &scriptedEngine{name: "jobs", err: errors.New("queue full")})

	exec := env.launch(t, "demo")
	env.svc.Wait()

	got, err := env.svc.GetExecution(context.Background(), "project1", exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	last, _ := got.LastStep()
	if last.Status != model.StatusFailure || !strings.Contains(last.Message, "queue full") {
		t.Errorf("last step = %s %q, want FAILURE naming the engine error", last.Status, last.Message)
	}
}

func TestInvalidOutputFilesBecomeFailure(t *testing.T) {
	eng := &scriptedEngine{name: "jobs", steps: []model.Step{
		{Status: model.StatusRunning},
		{Status: model.StatusSuccess, OutputFiles: []model.OutputFile{{URL: "s3://r/x", Name: "x", SizeBytes: -1, Checksum: model.Checksum{Method: "sha256", Value: "ab"}}}},
	}}
	env := newTestEnv(t, eng)

	exec := env.launch(t, "demo")
	env.svc.Wait()

	got, err := env.svc.GetExecution(context.Background(), "project1", exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.CurrentStatus() != model.StatusFailure {
		t.Errorf("status = %q, want FAILURE", got.CurrentStatus())
	}
	files, _ := env.store.ListOutputFiles(context.Background(), exec.ID)
	if len(files) != 0 {
		t.Errorf("stored %d output files, want none", len(files))
	}
}

func TestLaunchEngineNotFoundStoresNothing(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	b := env.createBatch(t, "ghost")

	_, err := env.svc.LaunchExecution(context.Background(), alice, LaunchRequest{BatchID: b.ID})
	if !errors.Is(err, engine.ErrEngineNotFound) {
		t.Fatalf("LaunchExecution error = %v, want ErrEngineNotFound", err)
	}
	_, total, err := env.svc.ListExecutions(context.Background(), "project1", nil, 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 0 {
		t.Errorf("stored %d executions, want 0", total)
	}
}

func TestLaunchBatchNotFound(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	b := env.createBatch(t, "demo")

	_, err := env.svc.LaunchExecution(context.Background(), alice, LaunchRequest{BatchID: "missing"})
	if !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("unknown batch error = %v, want ErrBatchNotFound", err)
	}

	bob := model.Principal{Tenant: "project2", User: "bob"}
	_, err = env.svc.LaunchExecution(context.Background(), bob, LaunchRequest{BatchID: b.ID})
	if !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("other tenant error = %v, want ErrBatchNotFound", err)
	}
}

func TestLaunchExecutionConstraint(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	b := env.createBatch(t, "demo")

	_, err := env.svc.LaunchExecution(context.Background(), alice, LaunchRequest{
		BatchID:    b.ID,
		InputFiles: []model.InputFile{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	})
	var cerr *constraint.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("LaunchExecution error = %v, want *constraint.Error", err)
	}
}

func TestLaunchExclusivePerBatch(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	ctx := context.Background()

	b := env.createBatch(t, "demo")
	if _, err := env.svc.LaunchExecution(ctx, alice, LaunchRequest{BatchID: b.ID}); err != nil {
		t.Fatalf("first LaunchExecution: %v", err)
	}
	_, err := env.svc.LaunchExecution(ctx, alice, LaunchRequest{BatchID: b.ID})
	if !errors.Is(err, store.ErrBatchAlreadyExecuted) {
		t.Errorf("second LaunchExecution error = %v, want ErrBatchAlreadyExecuted", err)
	}

	m := env.createBatch(t, "multi")
	for i := range 2 {
		if _, err := env.svc.LaunchExecution(ctx, alice, LaunchRequest{BatchID: m.ID}); err != nil {
			t.Errorf("multi LaunchExecution %d: %v", i, err)
		}
	}
}

func TestTimeoutFromForecast(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	def := &process.Static{Forecast: process.Forecasts{Duration: forecast.PerSizeDuration{Duration: time.Minute, PerBytes: 1024}}}

	if got := env.svc.timeoutFor(def, 10*1024); got != 10*time.Minute {
		t.Errorf("timeoutFor(10k) = %v, want 10m", got)
	}
	if got := env.svc.timeoutFor(def, 0); got != time.Minute {
		t.Errorf("timeoutFor(0) = %v, want the 1m minimum", got)
	}
}

func TestScheduledTimeoutNotify(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return t0 }

	exec := env.launch(t, "demo")
	done := env.launch(t, "multi")
	env.svc.Wait()
	if _, err := env.svc.AppendStep(ctx, done.ID, model.Step{Status: model.StatusFailure, Message: "gone"}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}

	// Exactly at the deadline the execution has not timed out yet.
	env.svc.now = func() time.Time { return t0.Add(time.Minute) }
	n, err := env.svc.ScheduledTimeoutNotify(ctx)
	if err != nil || n != 0 {
		t.Fatalf("scan at deadline = %d, %v; want 0, nil", n, err)
	}

	env.svc.now = func() time.Time { return t0.Add(time.Minute + time.Millisecond) }
	n, err = env.svc.ScheduledTimeoutNotify(ctx)
	if err != nil || n != 1 {
		t.Fatalf("scan after deadline = %d, %v; want 1, nil", n, err)
	}

	got, err := env.svc.GetExecution(ctx, "project1", exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	last, _ := got.LastStep()
	if last.Status != model.StatusTimedOut || !strings.Contains(last.Message, "1m0.001s") {
		t.Errorf("last step = %s %q, want TIMED_OUT naming the elapsed time", last.Status, last.Message)
	}

	n, err = env.svc.ScheduledTimeoutNotify(ctx)
	if err != nil || n != 0 {
		t.Errorf("second scan = %d, %v; want 0, nil", n, err)
	}
}

func TestHeartbeatDefersTimeout(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return t0 }

	exec := env.launch(t, "demo")
	env.svc.Wait()

	for _, at := range []time.Duration{30 * time.Second, 80 * time.Second} {
		step := model.Step{Status: model.StatusRunning, Time: t0.Add(at), Message: "heartbeat"}
		if _, err := env.svc.AppendStep(ctx, exec.ID, step); err != nil {
			t.Fatalf("AppendStep heartbeat: %v", err)
		}
	}

	env.svc.now = func() time.Time { return t0.Add(2 * time.Minute) }
	if n, _ := env.svc.ScheduledTimeoutNotify(ctx); n != 0 {
		t.Errorf("timed out %d executions despite a recent heartbeat", n)
	}
}

func TestTimeoutScanSkipsWhenAlreadyRunning(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	env.svc.scanMu.Lock()
	defer env.svc.scanMu.Unlock()

	n, err := env.svc.ScheduledTimeoutNotify(context.Background())
	if err != nil || n != 0 {
		t.Errorf("overlapping scan = %d, %v; want 0, nil", n, err)
	}
}

func TestCancelStopsEngine(t *testing.T) {
	eng := newBlockingEngine()
	env := newTestEnv(t, eng)
	ctx := context.Background()

	exec := env.launch(t, "demo")
	select {
	case <-eng.started:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never started")
	}

	if _, err := env.svc.Cancel(ctx, "project2", exec.ID, "nope"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("Cancel from other tenant = %v, want ErrExecutionNotFound", err)
	}

	got, err := env.svc.Cancel(ctx, "project1", exec.ID, "user request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.CurrentStatus() != model.StatusCancelled {
		t.Errorf("status = %q, want CANCELLED", got.CurrentStatus())
	}

	select {
	case id := <-eng.cancelled:
		if id != exec.ID {
			t.Errorf("engine cancelled %s, want %s", id, exec.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine Cancel never called")
	}
	env.svc.Wait()

	if eng.stopped.Load() != 1 {
		t.Errorf("engine run stopped %d times, want 1", eng.stopped.Load())
	}
	got, _ = env.svc.GetExecution(ctx, "project1", exec.ID)
	if got.CurrentStatus() != model.StatusCancelled {
		t.Errorf("status after engine returned = %q, want CANCELLED", got.CurrentStatus())
	}
}

func TestEndedDispatchKeepsNewerRun(t *testing.T) {
	eng := &relayEngine{started: make(chan int32, 2), release: make(chan struct{})}
	env := newTestEnv(t, eng)
	ctx := context.Background()

	exec := env.launch(t, "demo")
	env.svc.dispatch(*exec, eng)
	for range 2 {
		select {
		case <-eng.started:
		case <-time.After(5 * time.Second):
			t.Fatal("engine never started")
		}
	}

	close(eng.release)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !env.svc.isRunning(exec.ID) {
			t.Fatal("first run ending forgot the newer run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := env.svc.Cancel(ctx, "project1", exec.ID, "user request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for eng.stopped.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Cancel did not stop the newer run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.svc.Wait()
}

func TestRunExecutable(t *testing.T) {
	eng := &silentEngine{}
	env := newTestEnv(t, eng)
	ctx := context.Background()

	exec := env.launch(t, "demo")
	env.svc.Wait()

	got, err := env.svc.RunExecutable(ctx, exec.ID)
	if err != nil {
		t.Fatalf("RunExecutable: %v", err)
	}
	env.svc.Wait()
	if got.RetryCount != 1 || eng.runs.Load() != 2 {
		t.Errorf("retry count %d, runs %d; want 1, 2", got.RetryCount, eng.runs.Load())
	}

	if _, err := env.svc.AppendStep(ctx, exec.ID, model.Step{Status: model.StatusRunning}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	got, err = env.svc.RunExecutable(ctx, exec.ID)
	if err != nil {
		t.Fatalf("RunExecutable on RUNNING: %v", err)
	}
	env.svc.Wait()
	if got.RetryCount != 1 || eng.runs.Load() != 2 {
		t.Errorf("RUNNING execution was re-dispatched")
	}

	if _, err := env.svc.AppendStep(ctx, exec.ID, model.Step{Status: model.StatusFailure, Message: "x"}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	if _, err := env.svc.RunExecutable(ctx, exec.ID); err != nil {
		t.Errorf("RunExecutable on terminal: %v", err)
	}

	if _, err := env.svc.RunExecutable(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("RunExecutable unknown = %v, want ErrExecutionNotFound", err)
	}
}

func TestConcurrentTerminalStepsKeepOne(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	ctx := context.Background()
	exec := env.launch(t, "demo")
	env.svc.Wait()

	var wg sync.WaitGroup
	for i := range 10 {
		status := model.StatusTimedOut
		if i%2 == 0 {
			status = model.StatusCancelled
		}
		wg.Go(func() {
			if _, err := env.svc.AppendStep(ctx, exec.ID, model.Step{Status: status, Message: "race"}); err != nil {
				t.Errorf("AppendStep: %v", err)
			}
		})
	}
	wg.Wait()

	got, err := env.svc.GetExecution(ctx, "project1", exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	terminal := 0
	for _, s := range got.Steps {
		if s.Status.IsTerminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("history has %d terminal steps, want 1", terminal)
	}
}

func TestAppendStepPublishesToBroker(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	ctx := context.Background()
	exec := env.launch(t, "demo")
	env.svc.Wait()

	ch, unsub := env.svc.Broker().Subscribe(exec.ID)
	defer unsub()

	if _, err := env.svc.AppendStep(ctx, exec.ID, model.Step{Status: model.StatusRunning}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	if _, err := env.svc.AppendStep(ctx, exec.ID, model.Step{Status: model.StatusSuccess}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}

	var got []model.ExecutionStatus
	for s := range ch {
		got = append(got, s.Status)
	}
	want := []model.ExecutionStatus{model.StatusRunning, model.StatusSuccess}
	if !equalStatuses(got, want) {
		t.Errorf("streamed %v, want %v", got, want)
	}
	if n := env.svc.Broker().Topics(); n != 0 {
		t.Errorf("broker keeps %d topics after the terminal step, want 0", n)
	}
}

func TestAppendStepInvalidTransition(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	exec := env.launch(t, "demo")
	env.svc.Wait()

	_, err := env.svc.AppendStep(context.Background(), exec.ID, model.Step{Status: model.StatusSuccess})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("AppendStep error = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.svc.AppendStep(context.Background(), "missing", model.Step{Status: model.StatusRunning}); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("AppendStep unknown = %v, want ErrExecutionNotFound", err)
	}
}

func TestListExecutionsByStatus(t *testing.T) {
	env := newTestEnv(t, &silentEngine{})
	ctx := context.Background()
	a := env.launch(t, "demo")
	env.launch(t, "multi")
	env.svc.Wait()
	if _, err := env.svc.AppendStep(ctx, a.ID, model.Step{Status: model.StatusRunning}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}

	execs, total, err := env.svc.ListExecutions(ctx, "project1", []model.ExecutionStatus{model.StatusRunning}, 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 1 || execs[0].ID != a.ID {
		t.Errorf("running executions = %d, want only %s", total, a.ID)
	}

	_, total, _ = env.svc.ListExecutions(ctx, "project2", nil, 10, 0)
	if total != 0 {
		t.Errorf("project2 sees %d executions, want 0", total)
	}
}
