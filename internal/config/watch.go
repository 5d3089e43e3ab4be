package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "imgfetchd/pkg/logx"
)

// Watcher re-reads the config file on change and hands validated snapshots to
// an apply callback. Only runtime-safe settings are expected to be applied
// (log level, notifier); structural settings (port, database path, pool
// sizes) take effect on restart.
type Watcher struct {
	path  string
	log   logx.Logger
	apply func(*Config)
}

func NewWatcher(path string, log logx.Logger, apply func(*Config)) *Watcher {
	return &Watcher{path: path, log: log, apply: apply}
}

// Run blocks until ctx is done. The directory (not the file) is watched so
// editor rename-and-replace saves keep working.
func (w *Watcher) Run(ctx context.Context) {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	// Debounce to avoid reading partial writes.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload rejected", logx.String("path", w.path), logx.Err(err))
				return
			}
			w.log.Info("config reloaded", logx.String("path", w.path))
			if w.apply != nil {
				w.apply(cfg)
			}
		})
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("config watch disabled", logx.Err(err))
		return
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		w.log.Warn("config watch disabled", logx.String("dir", dir), logx.Err(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", logx.Err(err))
		}
	}
}
