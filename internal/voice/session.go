package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	soxr "github.com/zaf/resample"

	"github.com/discord-sound-trigger/internal/logging"
	"github.com/discord-sound-trigger/internal/mapping"
	"github.com/discord-sound-trigger/internal/metrics"
)

const (
	// Discord delivers Opus encoded at 48 kHz stereo.
	sourceRate     = 48000
	sourceChannels = 2
	// The recognizer consumes 16 kHz mono.
	targetRate = 16000

	// frameQueueSize bounds the per-session backlog of undecoded frames.
	// Frames are dropped rather than blocking the receive loop.
	frameQueueSize = 64
)

// Recognizer opens one streaming recognition call per capture session.
type Recognizer interface {
	Stream(ctx context.Context, lang string) (io.WriteCloser, <-chan string, error)
}

// Dispatcher consumes recognized fragments in per-speaker order.
type Dispatcher interface {
	HandleFragment(speakerID, fragment string)
}

// Pipeline owns the per-speaker capture sessions of one voice connection.
// Each session turns a speaker's Opus sub-stream into 16 kHz mono PCM and
// feeds it to the recognizer; fragments flow to the dispatcher. Destroying
// the pipeline cancels every active session.
type Pipeline struct {
	ctx      context.Context
	cancel   context.CancelFunc
	rec      Recognizer
	dispatch Dispatcher
	store    *mapping.Store
	silence  time.Duration
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[uint32]*session
	users    map[uint32]string

	wg sync.WaitGroup
}

type session struct {
	id     string
	ssrc   uint32
	frames chan []byte
}

// NewPipeline creates a pipeline whose sessions end no later than parent's
// cancellation.
func NewPipeline(parent context.Context, rec Recognizer, dispatch Dispatcher, store *mapping.Store, silence time.Duration, m *metrics.Metrics) *Pipeline {
	ctx, cancel := context.WithCancel(parent)
	return &Pipeline{
		ctx:      ctx,
		cancel:   cancel,
		rec:      rec,
		dispatch: dispatch,
		store:    store,
		silence:  silence,
		metrics:  m,
		sessions: make(map[uint32]*session),
		users:    make(map[uint32]string),
	}
}

// HandleSpeakingUpdate maps an SSRC to a user ID and spawns a capture session
// on speaking start. A duplicate speaking start while a session is active is
// ignored.
func (p *Pipeline) HandleSpeakingUpdate(ssrc uint32, userID string, speaking bool) {
	p.mu.Lock()
	if userID != "" {
		p.users[ssrc] = userID
	}
	p.mu.Unlock()
	logging.Debugw("capture: speaking update", "ssrc", ssrc, "user_id", userID, "speaking", speaking)
	if speaking {
		p.ensureSession(ssrc)
	}
}

// HandlePacket routes one Opus payload to the speaker's session, creating the
// session if a packet arrives before its speaking update. The enqueue never
// blocks; a full session queue drops the frame.
func (p *Pipeline) HandlePacket(ssrc uint32, opusPayload []byte) {
	if len(opusPayload) == 0 {
		return
	}
	s := p.ensureSession(ssrc)
	if s == nil {
		return
	}
	data := append([]byte(nil), opusPayload...)
	select {
	case s.frames <- data:
	default:
		logging.Debugw("capture: dropping frame, session queue full", "ssrc", ssrc)
	}
}

// Close cancels every active session and waits for them to finish.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// ensureSession returns the active session for ssrc, starting one if none is
// active. At most one session per speaker exists at a time.
func (p *Pipeline) ensureSession(ssrc uint32) *session {
	if p.ctx.Err() != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[ssrc]; ok {
		return s
	}
	s := &session{
		id:     uuid.NewString(),
		ssrc:   ssrc,
		frames: make(chan []byte, frameQueueSize),
	}
	p.sessions[ssrc] = s
	p.metrics.RecordSessionStarted()
	logging.Infow("capture: session started", "ssrc", ssrc, "session_id", s.id)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(s)
	}()
	return s
}

// speakerID resolves the SSRC's speaker identity at dispatch time so a late
// speaking update still attributes fragments to the right user.
func (p *Pipeline) speakerID(ssrc uint32) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uid, ok := p.users[ssrc]; ok && uid != "" {
		return uid
	}
	return fmt.Sprintf("ssrc:%d", ssrc)
}

func (p *Pipeline) dropSession(s *session) {
	p.mu.Lock()
	if cur, ok := p.sessions[s.ssrc]; ok && cur == s {
		delete(p.sessions, s.ssrc)
	}
	p.mu.Unlock()
	p.metrics.RecordSessionEnded()
	logging.Infow("capture: session ended", "ssrc", s.ssrc, "session_id", s.id)
}

// run is the session's decode/resample/recognize loop. It ends when the
// speaker is silent for the configured interval, the pipeline is destroyed,
// or any stage errors; stage errors are a normal stream end, never fatal.
func (p *Pipeline) run(s *session) {
	defer p.dropSession(s)

	dec, err := opus.NewDecoder(sourceRate, sourceChannels)
	if err != nil {
		logging.Warnw("capture: opus decoder init failed", "ssrc", s.ssrc, "err", err)
		return
	}

	var resampled bytes.Buffer
	rs, err := soxr.New(&resampled, float64(sourceRate), float64(targetRate), 1, soxr.I16, soxr.HighQ)
	if err != nil {
		logging.Warnw("capture: resampler init failed", "ssrc", s.ssrc, "err", err)
		return
	}

	lang := p.store.Snapshot().Lang
	pcmWriter, frags, err := p.rec.Stream(p.ctx, lang)
	if err != nil {
		rs.Close()
		logging.Warnw("capture: recognition stream open failed", "ssrc", s.ssrc, "err", err)
		return
	}

	// Fragments are consumed on their own goroutine so slow matching never
	// backpressures the decode loop; per-speaker order is preserved because
	// this is the only consumer.
	fragDone := make(chan struct{})
	go func() {
		defer close(fragDone)
		for f := range frags {
			logging.Debugw("capture: fragment", "ssrc", s.ssrc, "session_id", s.id, "text", f)
			p.dispatch.HandleFragment(p.speakerID(s.ssrc), f)
		}
	}()

	pcm := make([]int16, sourceRate/50*sourceChannels)
	timer := time.NewTimer(p.silence)
	defer timer.Stop()

decode:
	for {
		select {
		case <-p.ctx.Done():
			break decode
		case <-timer.C:
			// end of speech after the silence interval
			break decode
		case data := <-s.frames:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.silence)

			n, err := dec.Decode(data, pcm)
			if err != nil {
				p.metrics.RecordDecodeError()
				logging.Debugw("capture: opus decode error, ending session", "ssrc", s.ssrc, "err", err)
				break decode
			}
			if n == 0 {
				continue
			}
			if err := p.forward(rs, &resampled, pcmWriter, downmix(pcm[:n*sourceChannels])); err != nil {
				p.metrics.RecordDecodeError()
				logging.Debugw("capture: pcm forward error, ending session", "ssrc", s.ssrc, "err", err)
				break decode
			}
		}
	}

	// Flush the resampler tail, then close the writer to signal end of audio
	// and wait for the recognizer to finish emitting fragments.
	if err := rs.Close(); err == nil && resampled.Len() > 0 {
		_, _ = pcmWriter.Write(resampled.Bytes())
		resampled.Reset()
	}
	_ = pcmWriter.Close()
	<-fragDone
}

// forward pushes one mono 48 kHz chunk through the resampler and writes
// whatever 16 kHz output it produced to the recognizer.
func (p *Pipeline) forward(rs *soxr.Resampler, buf *bytes.Buffer, w io.Writer, mono []int16) error {
	in := make([]byte, len(mono)*2)
	for i, v := range mono {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(v))
	}
	if _, err := rs.Write(in); err != nil {
		return fmt.Errorf("resampler write: %w", err)
	}
	if buf.Len() == 0 {
		// resampler is buffering, nothing to forward yet
		return nil
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("recognizer write: %w", err)
	}
	buf.Reset()
	return nil
}

// downmix averages interleaved stereo samples into mono.
func downmix(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[i*2]) + int32(stereo[i*2+1])) / 2)
	}
	return mono
}
