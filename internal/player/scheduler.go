package player

import (
	"context"
	"sync"

	"github.com/hraban/opus"

	"github.com/discord-sound-trigger/internal/logging"
	"github.com/discord-sound-trigger/internal/metrics"
)

const (
	// Playback is rendered at the voice connection's native format.
	playbackRate     = 48000
	playbackChannels = 2
	// 20 ms frames, the frame size Discord expects.
	frameSamples  = playbackRate / 50 * playbackChannels
	maxFrameBytes = 4000
)

// Item is one queued playback request.
type Item struct {
	File string
	Gain float64
}

// State is the player state machine's state.
type State int

const (
	Idle State = iota
	Playing
)

// Source resolves a sound reference into a playable clip.
type Source interface {
	Open(ref string) (*Clip, error)
}

// Clip holds decoded sound data as interleaved 16-bit stereo PCM at 48 kHz.
type Clip struct {
	Samples []int16
}

// Output is the voice transport surface playback renders into.
type Output interface {
	// Speaking toggles the transport's speaking flag.
	Speaking(bool) error
	// SendFrame delivers one encoded Opus frame. It returns false when the
	// context is done and playback should stop.
	SendFrame(ctx context.Context, frame []byte) bool
}

// Scheduler drains an unbounded FIFO of playback requests, playing at most
// one sound at a time. Requests are honored in enqueue order; a clip that
// cannot be resolved or encoded is logged and skipped without stalling the
// queue. The queue and state are the only resources shared across pipelines,
// so all mutation happens under one mutex.
type Scheduler struct {
	source  Source
	metrics *metrics.Metrics

	mu    sync.Mutex
	queue []Item
	state State
	wake  chan struct{}
}

// New creates a scheduler reading clips from source.
func New(source Source, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		source:  source,
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends a playback request. Enqueueing while idle moves the player
// to Playing; the drain loop picks the item up.
func (s *Scheduler) Enqueue(file string, gain float64) {
	s.mu.Lock()
	s.queue = append(s.queue, Item{File: file, Gain: gain})
	if s.state == Idle {
		s.state = Playing
	}
	depth := len(s.queue)
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State returns the player's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Depth returns the number of queued items not yet started.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run drains the queue until ctx is canceled, rendering each item into out.
// It is started once per voice connection; canceling the connection's context
// stops it.
func (s *Scheduler) Run(ctx context.Context, out Output) {
	enc, err := opus.NewEncoder(playbackRate, playbackChannels, opus.AppAudio)
	if err != nil {
		logging.Errorw("player: opus encoder init failed", "err", err)
		return
	}
	for {
		// Check for cancellation before taking an item so a dying loop never
		// consumes a request that the next connection's loop should play.
		if ctx.Err() != nil {
			s.setIdle()
			return
		}
		item, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				s.setIdle()
				return
			case <-s.wake:
				continue
			}
		}
		s.play(ctx, out, enc, item)
	}
}

// pop takes the head of the queue. An empty queue transitions the player
// back to Idle.
func (s *Scheduler) pop() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		s.state = Idle
		return Item{}, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	s.state = Playing
	s.metrics.SetQueueDepth(len(s.queue))
	return item, true
}

func (s *Scheduler) setIdle() {
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
}

// play renders one clip. Missing or undecodable sounds are skipped so the
// queue keeps draining.
func (s *Scheduler) play(ctx context.Context, out Output, enc *opus.Encoder, item Item) {
	clip, err := s.source.Open(item.File)
	if err != nil {
		s.metrics.RecordClipSkipped()
		logging.Warnw("player: skipping unplayable clip", "file", item.File, "err", err)
		return
	}

	gain := clampGain(item.Gain)
	if err := out.Speaking(true); err != nil {
		logging.Debugw("player: speaking(true) failed", "err", err)
	}
	defer func() {
		if err := out.Speaking(false); err != nil {
			logging.Debugw("player: speaking(false) failed", "err", err)
		}
	}()

	pcm := make([]int16, frameSamples)
	packet := make([]byte, maxFrameBytes)
	for off := 0; off < len(clip.Samples); off += frameSamples {
		end := off + frameSamples
		if end > len(clip.Samples) {
			end = len(clip.Samples)
		}
		n := copy(pcm, clip.Samples[off:end])
		// zero-pad the trailing partial frame
		for i := n; i < frameSamples; i++ {
			pcm[i] = 0
		}
		applyGain(pcm, gain)

		written, err := enc.Encode(pcm, packet)
		if err != nil {
			s.metrics.RecordClipSkipped()
			logging.Warnw("player: opus encode failed, skipping clip", "file", item.File, "err", err)
			return
		}
		frame := make([]byte, written)
		copy(frame, packet[:written])
		if !out.SendFrame(ctx, frame) {
			return
		}
	}
	s.metrics.RecordClipPlayed()
	logging.Infow("player: clip played", "file", item.File, "gain", gain)
}

// applyGain scales samples in place by a linear factor, clipping to the
// int16 range.
func applyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, v := range samples {
		scaled := float64(v) * gain
		switch {
		case scaled > 32767:
			samples[i] = 32767
		case scaled < -32768:
			samples[i] = -32768
		default:
			samples[i] = int16(scaled)
		}
	}
}

// clampGain bounds a configured gain factor to [0, 2].
func clampGain(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > 2 {
		return 2
	}
	return g
}
