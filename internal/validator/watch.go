package validator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize rules watcher")

// SetRules compiles r and swaps it in. Validations already running keep the
// rules they started with.
func (v *Validator) SetRules(r Rules) error {
	compiled, err := r.compile()
	if err != nil {
		return err
	}
	v.rules.Store(compiled)
	return nil
}

// ReloadRules reads path on top of the default rules and swaps them in.
// On error the current rules stay active.
func (v *Validator) ReloadRules(path string) error {
	r, err := LoadRules(path)
	if err != nil {
		return err
	}
	return v.SetRules(r)
}

// RulesWatcher reloads a rules file whenever it changes on disk.
type RulesWatcher struct {
	path    string
	v       *Validator
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchRules starts reloading path into v until ctx is cancelled or Close is
// called. The parent directory is watched so editors that replace the file
// by rename are picked up.
func (v *Validator) WatchRules(ctx context.Context, path string) (*RulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	rw := &RulesWatcher{
		path:    filepath.Clean(path),
		v:       v,
		watcher: w,
		done:    make(chan struct{}),
	}
	go rw.loop(ctx)
	return rw, nil
}

// Close stops the watcher and waits for its goroutine.
func (rw *RulesWatcher) Close() error {
	err := rw.watcher.Close()
	<-rw.done
	return err
}

func (rw *RulesWatcher) loop(ctx context.Context) {
	defer close(rw.done)
	for {
		select {
		case <-ctx.Done():
			_ = rw.watcher.Close()
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != rw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rw.reload(ctx)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.v.logger.Warn(ctx, "rules watcher error", zap.Error(err))
		}
	}
}

func (rw *RulesWatcher) reload(ctx context.Context) {
	if err := rw.v.ReloadRules(rw.path); err != nil {
		rw.v.logger.Warn(ctx, "rules reload failed, keeping previous rules",
			zap.String("path", rw.path),
			zap.Error(err),
		)
		return
	}
	rw.v.metrics.rulesReloads.Inc()
	rw.v.logger.Info(ctx, "validation rules reloaded", zap.String("path", rw.path))
}
