package stt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/project-unisonOS/unison-io-speech/internal/audio"
)

// 30ms of 16kHz mono PCM16.
func testFrame(seq int64) audio.Frame {
	return audio.Frame{PCM: make([]byte, 960), Sequence: seq}
}

func TestStubPartialCadence(t *testing.T) {
	p := NewStubProvider(StubConfig{PartialInterval: 300 * time.Millisecond})
	tr := p.NewTranscriber("s1")

	// 300ms at 960 bytes per 30ms frame is 10 frames.
	var partials []PartialResult
	for i := 0; i < 25; i++ {
		res, err := tr.OnFrame(context.Background(), testFrame(int64(i)))
		if err != nil {
			t.Fatalf("OnFrame: %v", err)
		}
		if res != nil {
			partials = append(partials, *res)
		}
	}
	if len(partials) != 2 {
		t.Fatalf("got %d partials over 750ms of audio, want 2", len(partials))
	}
	for _, p := range partials {
		if p.Confidence != stubPartialConfidence {
			t.Fatalf("partial confidence = %f, want %f", p.Confidence, stubPartialConfidence)
		}
		if !strings.Contains(p.Text, "transcribing") {
			t.Fatalf("unexpected partial text %q", p.Text)
		}
	}
}

func TestStubFinalReportsDuration(t *testing.T) {
	p := NewStubProvider(StubConfig{})
	tr := p.NewTranscriber("s1")

	// 50 frames of 30ms: 1.5s of audio.
	for i := 0; i < 50; i++ {
		if _, err := tr.OnFrame(context.Background(), testFrame(int64(i))); err != nil {
			t.Fatalf("OnFrame: %v", err)
		}
	}
	final, err := tr.OnUtteranceEnd(context.Background())
	if err != nil {
		t.Fatalf("OnUtteranceEnd: %v", err)
	}
	if final.Text != "transcribed 1.5s of audio" {
		t.Fatalf("final text = %q", final.Text)
	}
	if final.Confidence != stubFinalConfidence {
		t.Fatalf("final confidence = %f, want %f", final.Confidence, stubFinalConfidence)
	}
	if final.DurationMS != 1500 {
		t.Fatalf("final duration = %dms, want 1500", final.DurationMS)
	}
}

func TestStubEmptyUtteranceStillFinal(t *testing.T) {
	p := NewStubProvider(StubConfig{})
	tr := p.NewTranscriber("s1")

	final, err := tr.OnUtteranceEnd(context.Background())
	if err != nil {
		t.Fatalf("OnUtteranceEnd: %v", err)
	}
	if final.Text != "" {
		t.Fatalf("empty utterance final text = %q, want empty", final.Text)
	}
	if final.Confidence != stubFinalConfidence {
		t.Fatalf("final confidence = %f", final.Confidence)
	}
}

func TestStubDoubleFinalizeFails(t *testing.T) {
	p := NewStubProvider(StubConfig{})
	tr := p.NewTranscriber("s1")
	if _, err := tr.OnUtteranceEnd(context.Background()); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if _, err := tr.OnUtteranceEnd(context.Background()); err == nil {
		t.Fatalf("second finalize should fail")
	}
}

func TestStubCapturesWAV(t *testing.T) {
	dir := t.TempDir()
	p := NewStubProvider(StubConfig{CaptureDir: dir})
	tr := p.NewTranscriber("cap")

	for i := 0; i < 10; i++ {
		if _, err := tr.OnFrame(context.Background(), testFrame(int64(i))); err != nil {
			t.Fatalf("OnFrame: %v", err)
		}
	}
	if _, err := tr.OnUtteranceEnd(context.Background()); err != nil {
		t.Fatalf("OnUtteranceEnd: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "cap-*.wav"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("capture files = %v (err %v), want one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	// 44-byte WAV header plus 10 frames of 960 bytes.
	if len(data) != 44+9600 {
		t.Fatalf("capture size = %d, want %d", len(data), 44+9600)
	}
}
