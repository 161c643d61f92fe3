// Package stt defines the transcription provider abstraction and the
// built-in stub provider used when no real backend is configured.
package stt

import (
	"context"

	"github.com/project-unisonOS/unison-io-speech/internal/audio"
)

// PartialResult is an interim hypothesis. Text may be revised by later
// partials or the final.
type PartialResult struct {
	Text       string
	Confidence float64
}

// FinalResult closes out an utterance. Emitted exactly once per utterance,
// even when no speech was recognized.
type FinalResult struct {
	Text       string
	Confidence float64
	DurationMS int64
}

// Transcriber consumes the frames of a single utterance. Implementations are
// driven from one goroutine at a time; they need no internal locking.
type Transcriber interface {
	// OnFrame feeds one frame. A non-nil result is a partial to surface to
	// the client.
	OnFrame(ctx context.Context, f audio.Frame) (*PartialResult, error)

	// OnUtteranceEnd finalizes the utterance, returning the final result.
	// Called exactly once, after the last OnFrame.
	OnUtteranceEnd(ctx context.Context) (FinalResult, error)
}

// Provider hands out a fresh Transcriber per utterance.
type Provider interface {
	NewTranscriber(sessionID string) Transcriber
}
