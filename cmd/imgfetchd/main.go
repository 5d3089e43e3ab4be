// imgfetchd schedules and executes container image pulls with bounded
// concurrency, crash-tolerant leasing, and per-job metrics capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"imgfetchd/internal/api"
	"imgfetchd/internal/config"
	"imgfetchd/internal/dispatch"
	"imgfetchd/internal/fetch"
	"imgfetchd/internal/notify"
	"imgfetchd/internal/store"
	"imgfetchd/internal/sweep"
	logx "imgfetchd/pkg/logx"
)

func main() {
	var (
		cfgPath string
		resetDB bool
	)
	flag.StringVar(&cfgPath, "config", "./imgfetchd.yaml", "path to config yaml")
	flag.BoolVar(&resetDB, "reset-db", false, "remove the database file before starting")
	flag.Parse()

	if err := run(cfgPath, resetDB); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, resetDB bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.ConsoleLog(),
		File:    logx.FileConfig{Enabled: cfg.Log.File.Enabled, Path: cfg.Log.File.Path},
	})
	log.Info("imgfetchd starting",
		logx.String("env", cfg.Env),
		logx.Int("port", cfg.Port),
		logx.String("db", cfg.Database.Path),
	)

	if resetDB {
		if err := os.Remove(cfg.Database.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reset db: %w", err)
		}
		log.Info("database file removed", logx.String("path", cfg.Database.Path))
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log)
	if err != nil {
		return err
	}
	defer st.Close()

	executor, err := fetch.NewDockerExecutor(cfg.Docker.Host)
	if err != nil {
		return err
	}

	notifier, err := notify.New(notify.Config{
		Enabled:    cfg.Notify.Enabled,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerMin: cfg.Notify.RatePerMin,
	}, log)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Config{
		Global:          cfg.Scheduler.MaxConcurrentPulls,
		PerRegistry:     cfg.Scheduler.PerRegistryMax,
		Lease:           cfg.Lease(),
		IdleDelay:       cfg.IdleDelay(),
		ErrorDelay:      cfg.ErrorDelay(),
		ClaimRatePerSec: cfg.Scheduler.ClaimRatePerSec,
	}, st, executor, log)
	dispatcher.SetFailureHook(notifier.JobFailed)

	sweeper := sweep.New(sweep.Config{
		Spec:             cfg.Scheduler.SweepSpec,
		MetricsRetention: time.Duration(cfg.Scheduler.MetricsRetentionDays) * 24 * time.Hour,
	}, st, log)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	server := api.New(api.Config{
		Port:               cfg.Port,
		DefaultMaxAttempts: cfg.Scheduler.MaxAttempts,
	}, st, log)
	if err := server.Start(); err != nil {
		sweeper.Stop()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	// Runtime-safe config changes only: notifier target/limits. Everything
	// structural waits for a restart.
	watcher := config.NewWatcher(cfgPath, log, func(next *config.Config) {
		notifier.Apply(notify.Config{
			Enabled:    next.Notify.Enabled,
			Token:      next.Notify.Token,
			ChatID:     next.Notify.ChatID,
			RatePerMin: next.Notify.RatePerMin,
		})
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	notifySystemd(ctx, log)

	<-ctx.Done()
	log.Info("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := server.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", logx.Err(err))
	}
	sweeper.Stop()
	wg.Wait()

	log.Info("bye")
	return nil
}

// notifySystemd reports readiness and, when the unit configures a watchdog,
// keeps petting it. No-ops outside systemd.
func notifySystemd(ctx context.Context, log logx.Logger) {
	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		log.Debug("systemd notified ready")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
