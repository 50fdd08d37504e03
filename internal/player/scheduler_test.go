package player

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu     sync.Mutex
	clips  map[string]*Clip
	opened []string
}

func (f *fakeSource) Open(ref string) (*Clip, error) {
	f.mu.Lock()
	f.opened = append(f.opened, ref)
	c := f.clips[ref]
	f.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("open sound: %w", os.ErrNotExist)
	}
	return c, nil
}

func (f *fakeSource) openedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

type fakeOutput struct {
	mu       sync.Mutex
	speaking bool
	overlap  bool
	frames   int
	played   int
}

func (o *fakeOutput) Speaking(b bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if b && o.speaking {
		o.overlap = true
	}
	if !b && o.speaking {
		o.played++
	}
	o.speaking = b
	return nil
}

func (o *fakeOutput) SendFrame(ctx context.Context, frame []byte) bool {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

func silenceClip(frames int) *Clip {
	return &Clip{Samples: make([]int16, frames*frameSamples)}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == Idle && s.Depth() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler did not drain")
}

func TestQueueDrainsFIFO(t *testing.T) {
	src := &fakeSource{clips: map[string]*Clip{
		"a.wav": silenceClip(2),
		"b.wav": silenceClip(1),
		"c.wav": silenceClip(1),
	}}
	out := &fakeOutput{}
	s := New(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, out)

	s.Enqueue("a.wav", 1.0)
	s.Enqueue("b.wav", 1.0)
	s.Enqueue("c.wav", 1.0)
	waitIdle(t, s)

	got := src.openedRefs()
	want := []string{"a.wav", "b.wav", "c.wav"}
	if len(got) != len(want) {
		t.Fatalf("opened %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FIFO order violated: opened %v", got)
		}
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.overlap {
		t.Fatal("two clips were audible at once")
	}
	if out.played != 3 {
		t.Fatalf("played %d clips, want 3", out.played)
	}
}

// A missing sound at the head of the queue is skipped without stalling
// later items.
func TestMissingResourceSkipped(t *testing.T) {
	src := &fakeSource{clips: map[string]*Clip{
		"ok.wav": silenceClip(1),
	}}
	out := &fakeOutput{}
	s := New(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, out)

	s.Enqueue("missing.wav", 1.0)
	s.Enqueue("ok.wav", 1.0)
	waitIdle(t, s)

	got := src.openedRefs()
	if len(got) != 2 || got[0] != "missing.wav" || got[1] != "ok.wav" {
		t.Fatalf("opened %v", got)
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.played != 1 {
		t.Fatalf("played %d clips, want 1", out.played)
	}
}

func TestStateTransitions(t *testing.T) {
	src := &fakeSource{clips: map[string]*Clip{"a.wav": silenceClip(1)}}
	s := New(src, nil)
	if s.State() != Idle {
		t.Fatal("new scheduler should be idle")
	}
	// enqueue-while-idle moves to Playing even before the drain loop runs
	s.Enqueue("a.wav", 1.0)
	if s.State() != Playing {
		t.Fatal("enqueue while idle should transition to Playing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, &fakeOutput{})
	waitIdle(t, s)
}

// Concurrent speakers may enqueue in either order, but playback is strictly
// sequential and both clips are honored.
func TestConcurrentEnqueuePlaysSequentially(t *testing.T) {
	src := &fakeSource{clips: map[string]*Clip{
		"a.wav": silenceClip(1),
		"b.wav": silenceClip(1),
	}}
	out := &fakeOutput{}
	s := New(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, out)

	var wg sync.WaitGroup
	for _, f := range []string{"a.wav", "b.wav"} {
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			s.Enqueue(file, 1.0)
		}(f)
	}
	wg.Wait()
	waitIdle(t, s)

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.overlap {
		t.Fatal("two clips were audible at once")
	}
	if out.played != 2 {
		t.Fatalf("played %d clips, want 2", out.played)
	}
}

// A canceled drain loop must leave queued items untouched so the next
// connection's loop can play them.
func TestRunStopsConsumingAfterCancel(t *testing.T) {
	src := &fakeSource{clips: map[string]*Clip{"a.wav": silenceClip(1)}}
	s := New(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Enqueue("a.wav", 1.0)

	done := make(chan struct{})
	go func() {
		s.Run(ctx, &fakeOutput{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}

	if got := src.openedRefs(); len(got) != 0 {
		t.Fatalf("canceled loop consumed items: %v", got)
	}
	if got := s.Depth(); got != 1 {
		t.Fatalf("queued item should survive cancellation, depth=%d", got)
	}
	if s.State() != Idle {
		t.Fatal("canceled loop should leave the player idle")
	}
}

func TestApplyGain(t *testing.T) {
	samples := []int16{1000, -1000, 30000, -30000}

	zero := append([]int16(nil), samples...)
	applyGain(zero, 0)
	for i, v := range zero {
		if v != 0 {
			t.Fatalf("gain 0 should silence sample %d, got %d", i, v)
		}
	}

	double := append([]int16(nil), samples...)
	applyGain(double, 2)
	if double[0] != 2000 || double[1] != -2000 {
		t.Fatalf("gain 2 should double: %v", double)
	}
	// doubling beyond the int16 range clips
	if double[2] != 32767 || double[3] != -32768 {
		t.Fatalf("gain 2 should clip: %v", double)
	}

	unity := append([]int16(nil), samples...)
	applyGain(unity, 1)
	for i := range samples {
		if unity[i] != samples[i] {
			t.Fatalf("gain 1 should be a no-op: %v", unity)
		}
	}
}

func TestClampGain(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{-0.5, 0},
		{0, 0},
		{1.0, 1.0},
		{2.0, 2.0},
		{3.5, 2.0},
	}
	for _, c := range cases {
		if got := clampGain(c.in); got != c.want {
			t.Fatalf("clampGain(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
