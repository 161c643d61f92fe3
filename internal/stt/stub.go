package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/project-unisonOS/unison-io-speech/internal/audio"
	"github.com/project-unisonOS/unison-io-speech/internal/logging"
)

const (
	stubPartialConfidence = 0.75
	stubFinalConfidence   = 0.95
	stubPartialInterval   = time.Second
)

// StubConfig tunes the stub provider.
type StubConfig struct {
	// PartialInterval is how much accumulated audio triggers the next
	// partial. Defaults to one second.
	PartialInterval time.Duration
	// SampleRate converts byte counts to durations. Defaults to 16kHz.
	SampleRate int
	// CaptureDir, when set, writes each utterance's PCM to a WAV file for
	// offline inspection.
	CaptureDir string
}

// StubProvider is the deterministic local provider used when no real speech
// backend is configured. It reports audio durations instead of recognizing
// words, which keeps the full session pipeline exercisable offline.
type StubProvider struct {
	cfg StubConfig
	log zerolog.Logger
}

func NewStubProvider(cfg StubConfig) *StubProvider {
	if cfg.PartialInterval <= 0 {
		cfg.PartialInterval = stubPartialInterval
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &StubProvider{cfg: cfg, log: logging.WithComponent("stt.stub")}
}

func (p *StubProvider) NewTranscriber(sessionID string) Transcriber {
	return &stubTranscriber{
		provider:  p,
		sessionID: sessionID,
		started:   time.Now(),
	}
}

type stubTranscriber struct {
	provider  *StubProvider
	sessionID string
	started   time.Time

	totalBytes  int64
	sinceNotify int64
	captured    []byte
	finalized   bool
}

// bytesPerInterval is how many PCM bytes make up one partial interval.
func (t *stubTranscriber) bytesPerInterval() int64 {
	cfg := t.provider.cfg
	return int64(cfg.SampleRate) * 2 * int64(cfg.PartialInterval) / int64(time.Second)
}

func (t *stubTranscriber) OnFrame(_ context.Context, f audio.Frame) (*PartialResult, error) {
	t.totalBytes += int64(len(f.PCM))
	t.sinceNotify += int64(len(f.PCM))
	if t.provider.cfg.CaptureDir != "" {
		t.captured = append(t.captured, f.PCM...)
	}

	if t.sinceNotify < t.bytesPerInterval() {
		return nil, nil
	}
	t.sinceNotify = 0
	return &PartialResult{
		Text:       fmt.Sprintf("transcribing %s of audio...", t.elapsed()),
		Confidence: stubPartialConfidence,
	}, nil
}

func (t *stubTranscriber) OnUtteranceEnd(_ context.Context) (FinalResult, error) {
	if t.finalized {
		return FinalResult{}, fmt.Errorf("stt: utterance already finalized for session %s", t.sessionID)
	}
	t.finalized = true

	if t.provider.cfg.CaptureDir != "" && len(t.captured) > 0 {
		t.capture()
	}

	durationMS := t.totalBytes * 1000 / (int64(t.provider.cfg.SampleRate) * 2)
	text := ""
	if t.totalBytes > 0 {
		text = fmt.Sprintf("transcribed %s of audio", t.elapsed())
	}
	return FinalResult{
		Text:       text,
		Confidence: stubFinalConfidence,
		DurationMS: durationMS,
	}, nil
}

func (t *stubTranscriber) elapsed() string {
	seconds := float64(t.totalBytes) / float64(t.provider.cfg.SampleRate*2)
	return fmt.Sprintf("%.1fs", seconds)
}

func (t *stubTranscriber) capture() {
	name := fmt.Sprintf("%s-%d.wav", t.sessionID, t.started.UnixMilli())
	path := filepath.Join(t.provider.cfg.CaptureDir, name)
	if err := os.MkdirAll(t.provider.cfg.CaptureDir, 0o755); err != nil {
		t.provider.log.Warn().Err(err).Str("dir", t.provider.cfg.CaptureDir).Msg("capture dir unavailable")
		return
	}
	if err := audio.WriteWAVPCM16LEFile(path, t.captured, t.provider.cfg.SampleRate); err != nil {
		t.provider.log.Warn().Err(err).Str("path", path).Msg("utterance capture failed")
		return
	}
	t.provider.log.Debug().Str("path", path).Int("bytes", len(t.captured)).Msg("utterance captured")
}
