package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultSampleRate is the rate the recognition models are trained on.
const DefaultSampleRate = 16000

var ErrNotWAV = errors.New("audio: not a wav file")

// WriteWAV encodes mono float samples in [-1, 1] as 16-bit PCM. Out of range
// samples are clamped.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(toInt16(s))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteTempWAV writes samples to a new file under dir (os.TempDir when empty)
// and returns its path. The caller removes the file.
func WriteTempWAV(dir string, samples []float32, sampleRate int) (string, error) {
	file, err := os.CreateTemp(dir, "loqa_asr_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	if err := WriteWAV(file, samples, sampleRate); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return file.Name(), nil
}

// Duration reads the header of a wav file and returns its play time.
func Duration(path string) (time.Duration, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, ErrNotWAV
	}
	return dec.Duration()
}

func toInt16(sample float32) int16 {
	v := float64(sample) * 32767.0
	v = math.Max(-32768, math.Min(32767, v))
	return int16(v)
}
