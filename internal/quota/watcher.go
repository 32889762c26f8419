package quota

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	watchRestartBase   = 250 * time.Millisecond
	watchRestartMaxGap = 5 * time.Second
)

// PolicyWatcher reloads a policy file when it changes and hands valid policies
// to the guard. Invalid edits are logged and the previous policy stays active.
type PolicyWatcher struct {
	path  string
	guard *Guard
	log   zerolog.Logger
}

func NewPolicyWatcher(path string, guard *Guard, log zerolog.Logger) *PolicyWatcher {
	return &PolicyWatcher{
		path:  path,
		guard: guard,
		log:   log.With().Str("component", "quota_policy").Str("path", path).Logger(),
	}
}

// Reload reads the file once and applies it.
func (w *PolicyWatcher) Reload() error {
	policy, err := LoadPolicy(w.path)
	if err != nil {
		return err
	}
	w.guard.SetPolicy(policy)
	return nil
}

// Watch blocks until ctx is done. The directory is watched rather than the
// file so editors that replace the file on save are still picked up.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if err := w.Reload(); err != nil {
				w.log.Warn().Err(err).Msg("quota policy rejected")
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := watchRestartBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn().Err(err).Dur("retry_in", backoff).Msg("quota policy watch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, watchRestartMaxGap)
			continue
		}
		backoff = watchRestartBase
		w.log.Debug().Msg("quota policy watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				w.log.Warn().Err(err).Msg("quota policy watcher error")
			}
		}
		_ = fw.Close()
	}
}
