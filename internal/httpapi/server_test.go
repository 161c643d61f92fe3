package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/project-unisonOS/unison-io-speech/internal/config"
	"github.com/project-unisonOS/unison-io-speech/internal/events"
	"github.com/project-unisonOS/unison-io-speech/internal/observability"
	"github.com/project-unisonOS/unison-io-speech/internal/session"
	"github.com/project-unisonOS/unison-io-speech/internal/stt"
	"github.com/project-unisonOS/unison-io-speech/internal/transcripts"
	"github.com/project-unisonOS/unison-io-speech/internal/tts"
)

var metricsSeq atomic.Int64

func testServer(t *testing.T, cfg config.Config) (*Server, *session.Registry, *transcripts.InMemoryStore) {
	t.Helper()
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 10
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 30 * time.Millisecond
	}
	cfg.AllowAnyOrigin = true

	registry := session.NewRegistry(cfg.MaxSessions, cfg.IdleTimeout)
	store := transcripts.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	provider := stt.NewStubProvider(stt.StubConfig{PartialInterval: 60 * time.Millisecond})
	synth := tts.NewMockSynthesizer(tts.MockConfig{ChunkDuration: 30 * time.Millisecond, MSPerChar: 30})

	srv := New(cfg, registry, store, events.New(events.Config{}), metrics, provider, synth)
	return srv, registry, store
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _ := testServer(t, config.Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}

	ready, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer ready.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(ready.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if payload["max_sessions"] != float64(10) {
		t.Fatalf("readyz payload = %+v", payload)
	}
}

func TestStreamRefusedAtCapacity(t *testing.T) {
	srv, registry, _ := testServer(t, config.Config{MaxSessions: 1})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if _, err := registry.Admit(); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	res, err := http.Get(ts.URL + "/v1/stream")
	if err != nil {
		t.Fatalf("GET /v1/stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "capacity_exceeded" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestSpeakUnknownSession(t *testing.T) {
	srv, _, _ := testServer(t, config.Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/sessions/nope/speak", "application/json",
		bytes.NewReader([]byte(`{"text":"hi"}`)))
	if err != nil {
		t.Fatalf("POST speak: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestSessionTranscriptsEndpoint(t *testing.T) {
	srv, _, store := testServer(t, config.Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if err := store.Save(context.Background(), transcripts.Record{SessionID: "s1", Text: "hello", Confidence: 0.95}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := http.Get(ts.URL + "/v1/sessions/s1/transcripts")
	if err != nil {
		t.Fatalf("GET transcripts: %v", err)
	}
	defer res.Body.Close()
	var payload struct {
		SessionID   string               `json:"session_id"`
		Transcripts []transcripts.Record `json:"transcripts"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Transcripts) != 1 || payload.Transcripts[0].Text != "hello" {
		t.Fatalf("payload = %+v", payload)
	}

	bad, err := http.Get(ts.URL + "/v1/sessions/s1/transcripts?limit=abc")
	if err != nil {
		t.Fatalf("GET transcripts bad limit: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", bad.StatusCode)
	}
}

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 100; i++ {
		m := readWire(t, conn)
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("never saw message type %q", typ)
	return nil
}

func TestStreamSessionLifecycle(t *testing.T) {
	srv, registry, _ := testServer(t, config.Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialStream(t, ts)

	m := readWire(t, conn)
	if m["type"] != "status" || m["status"] != "connected" {
		t.Fatalf("first message = %+v, want connected status", m)
	}
	if registry.Count() != 1 {
		t.Fatalf("registry count = %d", registry.Count())
	}

	if err := conn.WriteJSON(map[string]any{"type": "control", "action": "start_listening"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	m = readUntilType(t, conn, "status")
	if m["status"] != "listening" {
		t.Fatalf("status = %v, want listening", m["status"])
	}

	// Loud frames drive the session through speech detection to a final
	// transcript.
	pcm := make([]byte, 960)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(8000)))
	}
	loud := base64.StdEncoding.EncodeToString(pcm)
	quiet := base64.StdEncoding.EncodeToString(make([]byte, 960))
	seq := 1
	for i := 0; i < 10; i++ {
		if err := conn.WriteJSON(map[string]any{"type": "audio", "data": loud, "sequence": seq, "timestamp": 1}); err != nil {
			t.Fatalf("write audio: %v", err)
		}
		seq++
	}
	readUntilType(t, conn, "vad_event")

	// Default hang time is 700ms: 24 silent frames.
	for i := 0; i < 25; i++ {
		if err := conn.WriteJSON(map[string]any{"type": "audio", "data": quiet, "sequence": seq, "timestamp": 1}); err != nil {
			t.Fatalf("write audio: %v", err)
		}
		seq++
	}

	for i := 0; i < 200; i++ {
		m = readUntilType(t, conn, "transcript")
		if m["is_final"] == true {
			break
		}
	}
	if m["is_final"] != true {
		t.Fatalf("no final transcript: %+v", m)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamRejectsMalformedMessage(t *testing.T) {
	srv, _, _ := testServer(t, config.Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialStream(t, ts)
	readUntilType(t, conn, "status")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readUntilType(t, conn, "error")
	if m["code"] != "invalid_message" {
		t.Fatalf("error code = %v", m["code"])
	}

	// A format violation gets the precise code.
	bad := map[string]any{
		"type": "audio", "data": base64.StdEncoding.EncodeToString(make([]byte, 4)),
		"sequence": 1, "timestamp": 1, "sample_rate": 8000,
	}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	m = readUntilType(t, conn, "error")
	if m["code"] != "invalid_audio_format" {
		t.Fatalf("error code = %v", m["code"])
	}
}
