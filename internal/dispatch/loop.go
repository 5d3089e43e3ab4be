// Package dispatch is the scheduling control loop: claim a job, push it
// through the admission gate, execute, finalize. It is the availability
// backbone of the daemon — the loop survives any store error and only exits
// when its context is canceled.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"imgfetchd/internal/fetch"
	"imgfetchd/internal/model"
	"imgfetchd/internal/store"
	logx "imgfetchd/pkg/logx"
)

type Config struct {
	// Global and PerRegistry are the admission gate sizes G and P.
	Global      int
	PerRegistry int

	Lease      time.Duration
	IdleDelay  time.Duration
	ErrorDelay time.Duration

	// ClaimRatePerSec paces claim attempts so a hot queue cannot monopolize
	// the SQLite writer.
	ClaimRatePerSec float64
}

// FailureHook is called after a job is terminally failed (alerting).
type FailureHook func(jobID, image, detail string)

type Dispatcher struct {
	cfg   Config
	store *store.Store
	exec  fetch.Executor
	gate  *Gate
	log   logx.Logger

	lease     time.Duration
	onFailure FailureHook

	wg sync.WaitGroup
}

func New(cfg Config, st *store.Store, exec fetch.Executor, log logx.Logger) *Dispatcher {
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 500 * time.Millisecond
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = time.Second
	}
	if cfg.ClaimRatePerSec <= 0 {
		cfg.ClaimRatePerSec = 20
	}
	return &Dispatcher{
		cfg:   cfg,
		store: st,
		exec:  exec,
		gate:  NewGate(cfg.Global, cfg.PerRegistry),
		log:   log.With(logx.String("comp", "dispatch")),
		lease: cfg.Lease,
	}
}

// SetFailureHook installs the terminal-failure callback. Must be called
// before Run.
func (d *Dispatcher) SetFailureHook(h FailureHook) { d.onFailure = h }

// Run blocks until ctx is canceled, then waits for in-flight tasks to drain.
//
// Loop behavior per iteration: claim → no job ⇒ idle delay; store error ⇒
// error delay (never exit); job ⇒ block for a global permit (backpressure),
// then hand off to a task and immediately claim again.
func (d *Dispatcher) Run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(d.cfg.ClaimRatePerSec), 1)

	d.log.Info("dispatcher started",
		logx.Int("global", d.cfg.Global),
		logx.Int("per_registry", d.cfg.PerRegistry),
		logx.Duration("lease", d.lease),
	)

	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		claimed, err := d.store.ClaimNext(ctx, d.lease)
		if ctx.Err() != nil {
			// Canceled mid-claim; a job claimed right now would just sit on
			// its lease until the sweep reclaims it, so stop cleanly.
			break
		}
		if err != nil {
			d.log.Warn("claim failed", logx.Err(err))
			if !sleepCtx(ctx, d.cfg.ErrorDelay) {
				break
			}
			continue
		}
		if claimed == nil {
			if !sleepCtx(ctx, d.cfg.IdleDelay) {
				break
			}
			continue
		}

		if err := d.gate.AcquireGlobal(ctx); err != nil {
			// Shutdown while saturated. The claimed job's lease will lapse
			// and the sweep hands it to another worker.
			d.log.Info("shutdown while waiting for global permit",
				logx.String("job", claimed.ID))
			break
		}
		d.wg.Add(1)
		go d.execute(ctx, claimed)
	}

	d.log.Info("dispatcher stopping; draining tasks")
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

// execute owns one claimed job: per-key admission, heartbeat, fetch,
// finalize. Runs with the global permit already held; releases both permits
// on every path.
func (d *Dispatcher) execute(ctx context.Context, job *model.ClaimedJob) {
	defer d.wg.Done()
	defer d.gate.ReleaseGlobal()

	log := d.log.With(logx.String("job", job.ID), logx.String("image", job.Image))

	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("panic during execution: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			d.finalizeFail(job, detail)
		}
	}()

	registry := fetch.RegistryHost(job.Image)
	releaseKey, err := d.gate.AcquireKey(ctx, registry)
	if err != nil {
		// Shutdown while queued behind the registry pool; lease expiry
		// recycles the job.
		log.Info("shutdown while waiting for registry permit", logx.String("registry", registry))
		return
	}
	defer releaseKey()

	log.Info("starting pull", logx.String("registry", registry))

	hbDone := make(chan struct{})
	hbStopped := make(chan struct{})
	go func() {
		defer close(hbStopped)
		d.runHeartbeat(ctx, job.ID, hbDone)
	}()

	outcome, execErr := d.exec.Execute(ctx, job.Image)

	// Stop the heartbeat before the terminal write so a late lease refresh
	// can never race the finalize.
	close(hbDone)
	<-hbStopped

	if execErr != nil {
		log.Error("pull failed", logx.Err(execErr))
		d.finalizeFail(job, execErr.Error())
		return
	}

	fctx, cancel := finalizeCtx()
	defer cancel()

	if err := fetch.RecordOutcome(fctx, d.store, job.ID, job.Image, outcome); err != nil {
		log.Warn("metric recording failed", logx.Err(err))
	}

	result := outcome.Summary(job.Image)
	if outcome.Log != "" {
		result += "\n" + outcome.Log
	}
	if err := d.store.Complete(fctx, job.ID, result); err != nil {
		log.Error("finalize (complete) failed", logx.Err(err))
		return
	}
	log.Info("pull completed",
		logx.Uint64("bytes", outcome.BytesTransferred),
		logx.Duration("elapsed", outcome.Elapsed),
		logx.Bool("cache_hit", outcome.CacheHit),
	)
}

// finalizeFail records a terminal failure. Uses a detached context so the
// outcome still lands during shutdown.
func (d *Dispatcher) finalizeFail(job *model.ClaimedJob, detail string) {
	fctx, cancel := finalizeCtx()
	defer cancel()
	if err := d.store.Fail(fctx, job.ID, detail); err != nil {
		d.log.Error("finalize (fail) failed", logx.String("job", job.ID), logx.Err(err))
		return
	}
	if d.onFailure != nil {
		d.onFailure(job.ID, job.Image, detail)
	}
}

func finalizeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// sleepCtx sleeps for del unless ctx ends first; reports whether to continue.
func sleepCtx(ctx context.Context, del time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(del):
		return true
	}
}
