package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the sound trigger bot.
type Metrics struct {
	// Capture session metrics
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	ActiveSessions  prometheus.Gauge
	DecodeErrors    prometheus.Counter

	// Recognition metrics
	FragmentsReceived prometheus.Counter

	// Trigger metrics
	TriggersAccepted   prometheus.Counter
	TriggersSuppressed prometheus.Counter

	// Playback metrics
	ClipsPlayed   prometheus.Counter
	ClipsSkipped  prometheus.Counter
	PlaybackQueue prometheus.Gauge

	// Mapping reload metrics
	ReloadsOK     prometheus.Counter
	ReloadsFailed prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_capture_sessions_started_total",
			Help: "Total number of per-speaker capture sessions started",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_capture_sessions_ended_total",
			Help: "Total number of per-speaker capture sessions ended",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "soundbot_capture_sessions_active",
			Help: "Current number of active capture sessions",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_decode_errors_total",
			Help: "Total number of audio decode or resample errors",
		}),
		FragmentsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_fragments_received_total",
			Help: "Total number of recognized text fragments received",
		}),
		TriggersAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_triggers_accepted_total",
			Help: "Total number of keyword triggers accepted",
		}),
		TriggersSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_triggers_suppressed_total",
			Help: "Total number of keyword triggers suppressed by cooldown",
		}),
		ClipsPlayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_clips_played_total",
			Help: "Total number of sound clips played to completion",
		}),
		ClipsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_clips_skipped_total",
			Help: "Total number of queued clips skipped due to errors",
		}),
		PlaybackQueue: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "soundbot_playback_queue_depth",
			Help: "Current number of items waiting in the playback queue",
		}),
		ReloadsOK: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_mapping_reloads_total",
			Help: "Total number of successful mapping table reloads",
		}),
		ReloadsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "soundbot_mapping_reload_failures_total",
			Help: "Total number of failed mapping table reloads",
		}),
	}
}

// RecordSessionStarted increments session counters.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded decrements the active session gauge.
func (m *Metrics) RecordSessionEnded() {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
	m.ActiveSessions.Dec()
}

// RecordDecodeError increments the decode error counter.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordFragment increments the fragments received counter.
func (m *Metrics) RecordFragment() {
	if m == nil {
		return
	}
	m.FragmentsReceived.Inc()
}

// RecordTrigger records an accepted or suppressed trigger decision.
func (m *Metrics) RecordTrigger(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.TriggersAccepted.Inc()
	} else {
		m.TriggersSuppressed.Inc()
	}
}

// RecordClipPlayed increments the clips played counter.
func (m *Metrics) RecordClipPlayed() {
	if m == nil {
		return
	}
	m.ClipsPlayed.Inc()
}

// RecordClipSkipped increments the clips skipped counter.
func (m *Metrics) RecordClipSkipped() {
	if m == nil {
		return
	}
	m.ClipsSkipped.Inc()
}

// SetQueueDepth sets the current playback queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.PlaybackQueue.Set(float64(n))
}

// RecordReload records the outcome of a mapping table reload.
func (m *Metrics) RecordReload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ReloadsOK.Inc()
	} else {
		m.ReloadsFailed.Inc()
	}
}
