package trigger

import (
	"sync"
	"time"

	"github.com/discord-sound-trigger/internal/logging"
	"github.com/discord-sound-trigger/internal/mapping"
	"github.com/discord-sound-trigger/internal/metrics"
)

// Queue is the playback scheduler surface the dispatcher enqueues into.
type Queue interface {
	Enqueue(file string, gain float64)
}

// Dispatcher matches recognized fragments against the current mapping table
// snapshot and enqueues playback for accepted triggers. Trigger acceptance is
// cooldown-gated per speaker; entries in the cooldown map are updated at
// decision time and never proactively removed.
type Dispatcher struct {
	store *mapping.Store
	queue Queue

	mu   sync.Mutex
	last map[string]time.Time

	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a dispatcher backed by the given mapping store and queue.
func New(store *mapping.Store, queue Queue, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		queue:   queue,
		last:    make(map[string]time.Time),
		metrics: m,
		now:     time.Now,
	}
}

// HandleFragment decides whether the fragment spoken by speakerID triggers a
// sound. The speaker's cooldown is stamped before the playback request is
// enqueued so a second fragment from the same utterance cannot double-trigger
// before the first sound starts.
func (d *Dispatcher) HandleFragment(speakerID, fragment string) {
	d.metrics.RecordFragment()
	t := d.store.Snapshot()

	d.mu.Lock()
	now := d.now()
	if last, ok := d.last[speakerID]; ok && now.Sub(last) < t.Cooldown {
		d.mu.Unlock()
		// Only a fragment that would have triggered counts as suppressed.
		if _, matched := t.Match(fragment); matched {
			d.metrics.RecordTrigger(false)
			logging.Debugw("trigger: suppressed by cooldown", "speaker", speakerID, "fragment", fragment)
		}
		return
	}
	m, ok := t.Match(fragment)
	if !ok {
		d.mu.Unlock()
		return
	}
	d.last[speakerID] = now
	d.mu.Unlock()

	d.metrics.RecordTrigger(true)
	logging.Infow("trigger: matched", "speaker", speakerID, "fragment", fragment, "file", m.File, "gain", m.Gain)
	d.queue.Enqueue(m.File, m.Gain)
}
