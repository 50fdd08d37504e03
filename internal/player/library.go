package player

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/wav"
	soxr "github.com/zaf/resample"
)

// Library resolves sound references to WAV files stored in one directory and
// decodes them into playback clips. References are reduced to their base name
// so a mapping entry can never escape the sounds directory.
type Library struct {
	dir string
}

// NewLibrary creates a library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Open decodes the referenced WAV file into interleaved 16-bit stereo PCM at
// 48 kHz, up-mixing mono and resampling other rates as needed.
func (l *Library) Open(ref string) (*Clip, error) {
	path := filepath.Join(l.dir, filepath.Base(ref))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sound: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav %s: %w", ref, err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("decode wav %s: empty audio", ref)
	}

	samples, err := toInt16(buf.Data, int(d.BitDepth))
	if err != nil {
		return nil, fmt.Errorf("decode wav %s: %w", ref, err)
	}

	switch buf.Format.NumChannels {
	case 1:
		samples = monoToStereo(samples)
	case 2:
		// already interleaved stereo
	default:
		return nil, fmt.Errorf("decode wav %s: unsupported channel count %d", ref, buf.Format.NumChannels)
	}

	if buf.Format.SampleRate != playbackRate {
		samples, err = resampleStereo(samples, buf.Format.SampleRate, playbackRate)
		if err != nil {
			return nil, fmt.Errorf("resample wav %s: %w", ref, err)
		}
	}

	return &Clip{Samples: samples}, nil
}

// toInt16 converts decoder output at the source bit depth to 16-bit samples.
func toInt16(data []int, bitDepth int) ([]int16, error) {
	out := make([]int16, len(data))
	switch bitDepth {
	case 16:
		for i, v := range data {
			out[i] = int16(v)
		}
	case 8:
		// 8-bit WAV is unsigned
		for i, v := range data {
			out[i] = int16((v - 128) << 8)
		}
	case 24:
		for i, v := range data {
			out[i] = int16(v >> 8)
		}
	case 32:
		for i, v := range data {
			out[i] = int16(v >> 16)
		}
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	return out, nil
}

func monoToStereo(mono []int16) []int16 {
	stereo := make([]int16, len(mono)*2)
	for i, v := range mono {
		stereo[i*2] = v
		stereo[i*2+1] = v
	}
	return stereo
}

// resampleStereo converts interleaved stereo PCM between sample rates in one
// shot; Close flushes the resampler's tail.
func resampleStereo(samples []int16, from, to int) ([]int16, error) {
	in := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(v))
	}

	var outBuf bytes.Buffer
	r, err := soxr.New(&outBuf, float64(from), float64(to), playbackChannels, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	if _, err := r.Write(in); err != nil {
		r.Close()
		return nil, fmt.Errorf("resampler write: %w", err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("resampler close: %w", err)
	}

	outBytes := outBuf.Bytes()
	out := make([]int16, len(outBytes)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(outBytes[i*2:]))
	}
	return out, nil
}
