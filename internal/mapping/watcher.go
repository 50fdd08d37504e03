package mapping

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/discord-sound-trigger/internal/logging"
	"github.com/discord-sound-trigger/internal/metrics"
)

// Watcher reloads the store when the mapping file changes on disk. Change
// notifications are debounced by a short delay so a file still being written
// is not read mid-write.
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	metrics  *metrics.Metrics
}

// NewWatcher creates a watcher for the mapping file at path.
func NewWatcher(store *Store, path string, debounce time.Duration, m *metrics.Metrics) *Watcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{store: store, path: path, debounce: debounce, metrics: m}
}

// Run watches the mapping file until ctx is canceled. The parent directory is
// watched rather than the file itself so editors that replace the file via
// rename still produce events.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(w.path)
	logging.Infow("mapping: watching for changes", "path", w.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warnw("mapping: watch error", "err", err)
		case <-timerC:
			timerC = nil
			timer = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	if err := w.store.LoadFile(w.path); err != nil {
		w.metrics.RecordReload(false)
		logging.Warnw("mapping: reload failed, table emptied", "path", w.path, "err", err)
		return
	}
	w.metrics.RecordReload(true)
	t := w.store.Snapshot()
	logging.Infow("mapping: table reloaded", "path", w.path, "mappings", len(t.Mappings), "cooldown_ms", t.Cooldown.Milliseconds(), "lang", t.Lang)
}
