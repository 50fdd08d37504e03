package player

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeWAV encodes 16-bit PCM into a WAV file under dir for decode tests.
func writeWAV(t *testing.T, dir, name string, sampleRate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	e := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := e.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func TestLibraryOpenStereo48k(t *testing.T) {
	dir := t.TempDir()
	data := []int{100, -100, 200, -200, 300, -300}
	writeWAV(t, dir, "clip.wav", playbackRate, 2, data)

	clip, err := NewLibrary(dir).Open("clip.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(clip.Samples) != len(data) {
		t.Fatalf("got %d samples, want %d", len(clip.Samples), len(data))
	}
	for i, v := range data {
		if clip.Samples[i] != int16(v) {
			t.Fatalf("sample %d = %d, want %d", i, clip.Samples[i], v)
		}
	}
}

func TestLibraryOpenUpmixesMono(t *testing.T) {
	dir := t.TempDir()
	data := []int{1000, 2000, 3000}
	writeWAV(t, dir, "mono.wav", playbackRate, 1, data)

	clip, err := NewLibrary(dir).Open("mono.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(clip.Samples) != len(data)*2 {
		t.Fatalf("got %d samples, want %d", len(clip.Samples), len(data)*2)
	}
	for i, v := range data {
		if clip.Samples[i*2] != int16(v) || clip.Samples[i*2+1] != int16(v) {
			t.Fatalf("frame %d = (%d,%d), want (%d,%d)", i, clip.Samples[i*2], clip.Samples[i*2+1], v, v)
		}
	}
}

func TestLibraryOpenResamples(t *testing.T) {
	dir := t.TempDir()
	// 0.1 s of 24 kHz stereo should come out near 0.1 s of 48 kHz stereo.
	const srcRate = 24000
	frames := srcRate / 10
	data := make([]int, frames*2)
	writeWAV(t, dir, "slow.wav", srcRate, 2, data)

	clip, err := NewLibrary(dir).Open("slow.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := frames * 2 * 2
	got := len(clip.Samples)
	if got < want*9/10 || got > want*11/10 {
		t.Fatalf("got %d samples after resample, want about %d", got, want)
	}
	if got%2 != 0 {
		t.Fatalf("resampled clip has a dangling sample: %d", got)
	}
}

func TestLibraryOpenMissingFile(t *testing.T) {
	if _, err := NewLibrary(t.TempDir()).Open("nope.wav"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLibraryOpenConfinesToDir(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, dir, "safe.wav", playbackRate, 2, []int{1, 2, 3, 4})

	// A traversal-style reference resolves to its base name inside dir.
	clip, err := NewLibrary(dir).Open("../../safe.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(clip.Samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(clip.Samples))
	}
}

func TestToInt16BitDepths(t *testing.T) {
	cases := []struct {
		name  string
		depth int
		in    []int
		want  []int16
	}{
		{"16-bit passthrough", 16, []int{-32768, 0, 32767}, []int16{-32768, 0, 32767}},
		{"8-bit unsigned recentered", 8, []int{0, 128, 255}, []int16{-32768, 0, 32512}},
		{"24-bit scaled down", 24, []int{-8388608, 0, 8388607}, []int16{-32768, 0, 32767}},
		{"32-bit scaled down", 32, []int{-2147483648, 0, 2147483647}, []int16{-32768, 0, 32767}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := toInt16(tc.in, tc.depth)
			if err != nil {
				t.Fatalf("toInt16: %v", err)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("sample %d = %d, want %d", i, got[i], tc.want[i])
				}
			}
		})
	}

	if _, err := toInt16([]int{0}, 12); err == nil {
		t.Fatal("expected error for unsupported bit depth")
	}
}
