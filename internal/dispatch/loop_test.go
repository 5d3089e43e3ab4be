package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"imgfetchd/internal/fetch"
	"imgfetchd/internal/model"
	"imgfetchd/internal/store"
	logx "imgfetchd/pkg/logx"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// gatedExec reports each started pull on started and holds it until a token
// arrives on proceed.
type gatedExec struct {
	started chan string
	proceed chan struct{}
	err     error
}

func (e *gatedExec) Execute(ctx context.Context, image string) (*fetch.Outcome, error) {
	e.started <- image
	select {
	case <-e.proceed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return &fetch.Outcome{
		BytesTransferred: 1 << 20,
		Elapsed:          10 * time.Millisecond,
		Layers:           []fetch.LayerProgress{{ID: "l1", Current: 1 << 20, Total: 1 << 20}},
		Log:              "Pulling from library/test\n",
	}, nil
}

func testConfig(g, p int) Config {
	return Config{
		Global:          g,
		PerRegistry:     p,
		Lease:           time.Minute,
		IdleDelay:       10 * time.Millisecond,
		ErrorDelay:      10 * time.Millisecond,
		ClaimRatePerSec: 1000,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatchCompletesJob(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, _ := st.CreateJob(ctx, "alpine:latest", 0, 3)

	exec := &gatedExec{started: make(chan string, 1), proceed: make(chan struct{}, 1)}
	exec.proceed <- struct{}{}

	d := New(testConfig(2, 2), st, exec, logx.Nop())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	waitFor(t, 3*time.Second, "job completion", func() bool {
		got, err := st.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == model.StatusCompleted
	})
	cancel()
	<-done

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.Result == nil || *got.Result == "" {
		t.Fatal("completed job has empty result")
	}
	if got.ErrorDetail != nil {
		t.Fatalf("completed job has error detail %q", *got.ErrorDetail)
	}

	ms, err := st.MetricsByJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	keys := map[string]bool{}
	for _, m := range ms {
		keys[m.Key] = true
	}
	for _, k := range []string{
		fetch.MetricDownloadTimeMS,
		fetch.MetricImageSizeBytes,
		fetch.MetricAverageSpeed,
		fetch.MetricLayersObserved,
	} {
		if !keys[k] {
			t.Fatalf("metric %s not recorded (got %v)", k, keys)
		}
	}
}

func TestDispatchFailureIsTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, _ := st.CreateJob(ctx, "ghost:latest", 0, 3)

	exec := &gatedExec{
		started: make(chan string, 1),
		proceed: make(chan struct{}, 1),
		err:     errors.New("manifest unknown"),
	}
	exec.proceed <- struct{}{}

	var (
		mu      sync.Mutex
		alerted []string
	)
	d := New(testConfig(2, 2), st, exec, logx.Nop())
	d.SetFailureHook(func(jobID, image, detail string) {
		mu.Lock()
		alerted = append(alerted, jobID+" "+detail)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	waitFor(t, 3*time.Second, "job failure", func() bool {
		got, err := st.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == model.StatusFailed
	})
	cancel()
	<-done

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.ErrorDetail == nil || *got.ErrorDetail == "" {
		t.Fatal("error_detail empty")
	}
	if got.Result != nil {
		t.Fatalf("failed job has result %q", *got.Result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(alerted) != 1 {
		t.Fatalf("failure hook fired %d times, want 1", len(alerted))
	}
}

func TestGlobalPermitSerializesExecution(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Different registries so only the global permit can serialize them.
	if _, err := st.CreateJob(ctx, "alpha.example.com/app:latest", 0, 3); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.CreateJob(ctx, "beta.example.com/app:latest", 0, 3); err != nil {
		t.Fatalf("create: %v", err)
	}

	exec := &gatedExec{started: make(chan string, 2), proceed: make(chan struct{})}
	d := New(testConfig(1, 2), st, exec, logx.Nop())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	first := <-exec.started

	// With G=1 the second pull must not start while the first holds the
	// global permit, regardless of claim order.
	select {
	case img := <-exec.started:
		t.Fatalf("second pull %q started while %q held the global permit", img, first)
	case <-time.After(150 * time.Millisecond):
	}

	exec.proceed <- struct{}{}
	second := <-exec.started
	if second == first {
		t.Fatalf("same image started twice: %s", second)
	}
	exec.proceed <- struct{}{}

	cancel()
	<-done
}

func TestPerRegistryPermitSerializesSameKey(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Same registry, P=1: both may be claimed, only one may execute.
	if _, err := st.CreateJob(ctx, "registry.example.com/a:1", 0, 3); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.CreateJob(ctx, "registry.example.com/b:1", 0, 3); err != nil {
		t.Fatalf("create: %v", err)
	}

	exec := &gatedExec{started: make(chan string, 2), proceed: make(chan struct{})}
	d := New(testConfig(4, 1), st, exec, logx.Nop())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	<-exec.started
	select {
	case img := <-exec.started:
		t.Fatalf("second pull %q started despite per-registry limit 1", img)
	case <-time.After(150 * time.Millisecond):
	}

	exec.proceed <- struct{}{}
	<-exec.started
	exec.proceed <- struct{}{}

	cancel()
	<-done
}

// panicExec blows up to exercise the recovery path.
type panicExec struct{}

func (panicExec) Execute(context.Context, string) (*fetch.Outcome, error) {
	panic("executor bug")
}

func TestDispatchRecoversPanic(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, _ := st.CreateJob(ctx, "boom:latest", 0, 3)

	d := New(testConfig(1, 1), st, panicExec{}, logx.Nop())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	waitFor(t, 3*time.Second, "panic converted to failure", func() bool {
		got, err := st.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == model.StatusFailed
	})
	cancel()
	<-done

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.ErrorDetail == nil || *got.ErrorDetail == "" {
		t.Fatal("panic left no error detail")
	}
}
