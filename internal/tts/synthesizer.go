// Package tts defines the speech synthesis abstraction and a local mock
// synthesizer for running without a real voice backend.
package tts

import (
	"context"
	"math"
	"time"
)

// Chunk is one streamed piece of synthesized audio.
type Chunk struct {
	PCM        []byte
	SampleRate int
}

// Synthesizer streams synthesized speech for a piece of text. The returned
// channel is closed when synthesis completes or the context is cancelled;
// callers stop reading to abort playback.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan Chunk, error)
}

// MockConfig tunes the mock synthesizer.
type MockConfig struct {
	// SampleRate of the generated audio. Defaults to 16kHz.
	SampleRate int
	// ChunkDuration is the audio length of each streamed chunk. Defaults
	// to 60ms.
	ChunkDuration time.Duration
	// MSPerChar sets the synthetic speech rate. Defaults to 60ms per
	// character, roughly conversational pace.
	MSPerChar int
	// Pace, when true, sleeps between chunks to mimic real-time synthesis.
	// Tests leave it off.
	Pace bool
}

// MockSynthesizer generates a low-amplitude tone sized to the input text.
// It exists so barge-in and playback paths are exercisable offline.
type MockSynthesizer struct {
	cfg MockConfig
}

func NewMockSynthesizer(cfg MockConfig) *MockSynthesizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 60 * time.Millisecond
	}
	if cfg.MSPerChar <= 0 {
		cfg.MSPerChar = 60
	}
	return &MockSynthesizer{cfg: cfg}
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) (<-chan Chunk, error) {
	total := time.Duration(len(text)*m.cfg.MSPerChar) * time.Millisecond
	if total < m.cfg.ChunkDuration {
		total = m.cfg.ChunkDuration
	}
	chunks := int(total / m.cfg.ChunkDuration)
	chunkBytes := int(m.cfg.ChunkDuration.Seconds()*float64(m.cfg.SampleRate)) * 2

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		phase := 0
		for i := 0; i < chunks; i++ {
			pcm := make([]byte, chunkBytes)
			phase = fillTone(pcm, m.cfg.SampleRate, phase)
			select {
			case out <- Chunk{PCM: pcm, SampleRate: m.cfg.SampleRate}:
			case <-ctx.Done():
				return
			}
			if m.cfg.Pace {
				select {
				case <-time.After(m.cfg.ChunkDuration):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// fillTone writes a 220Hz sine into buf, continuing from phase so chunk
// boundaries are click-free.
func fillTone(buf []byte, sampleRate, phase int) int {
	const freq = 220.0
	const amplitude = 6000
	for i := 0; i < len(buf)/2; i++ {
		s := int16(amplitude * math.Sin(2*math.Pi*freq*float64(phase)/float64(sampleRate)))
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
		phase++
	}
	return phase
}
