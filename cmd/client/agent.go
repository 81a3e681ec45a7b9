package main

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/executor"
	"timeglass/remotectl/pkg/remote"
)

const reloadDebounce = 500 * time.Millisecond

// agent owns one remote-control client instance at a time and replaces it
// when the config file changes.
type agent struct {
	log  *zap.SugaredLogger
	o    overrides
	exec *executor.OS
}

func newAgent(log *zap.SugaredLogger, o overrides) *agent {
	return &agent{
		log: log,
		o:   o,
		exec: executor.New(executor.Options{
			Logger:   log.Named("executor"),
			Notifier: logNotifier{log: log.Named("notice")},
		}),
	}
}

func (a *agent) start(cfg config.ClientConfig) (*remote.Handle, error) {
	return remote.Start(cfg, remote.Options{
		Logger:   a.log.Named("remote"),
		Executor: a.exec,
		Version:  version,
	})
}

// run blocks until ctx is done.
func (a *agent) run(ctx context.Context) error {
	cfg, err := a.o.load()
	if err != nil {
		return err
	}
	h, err := a.start(cfg)
	if err != nil {
		return err
	}
	defer func() { h.Stop() }()

	changes := make(chan struct{}, 1)
	go a.watch(ctx, changes)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			next, err := a.o.load()
			if err != nil {
				a.log.Warnw("reload config failed, keeping current", "error", err)
				continue
			}
			if reflect.DeepEqual(next, cfg) {
				continue
			}
			if err := next.Validate(); next.Enabled && err != nil {
				a.log.Warnw("reloaded config invalid, keeping current", "error", err)
				continue
			}
			a.log.Infow("config changed, restarting client", "path", a.o.path)
			h.Stop()
			nh, err := a.start(next)
			if err != nil {
				a.log.Errorw("restart failed", "error", err)
				continue
			}
			h, cfg = nh, next
		}
	}
}

// watch signals changes when the config file is written, created or renamed.
func (a *agent) watch(ctx context.Context, changes chan<- struct{}) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warnw("config watcher unavailable", "error", err)
		return
	}
	defer w.Close()
	dir := filepath.Dir(a.o.path)
	if err := w.Add(dir); err != nil {
		a.log.Warnw("watch config dir failed", "dir", dir, "error", err)
		return
	}
	base := filepath.Base(a.o.path)
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(ev.Name) != base {
				continue
			}
			if time.Since(last) < reloadDebounce {
				continue
			}
			last = time.Now()
			select {
			case changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				a.log.Warnw("config watch error", "error", err)
			}
		}
	}
}

// logNotifier surfaces command notices in the local log.
type logNotifier struct{ log *zap.SugaredLogger }

func (n logNotifier) Notify(title, message string) {
	n.log.Warnw(message, "title", title)
}
