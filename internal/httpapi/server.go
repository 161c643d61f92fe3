package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/project-unisonOS/unison-io-speech/internal/audio"
	"github.com/project-unisonOS/unison-io-speech/internal/config"
	"github.com/project-unisonOS/unison-io-speech/internal/events"
	"github.com/project-unisonOS/unison-io-speech/internal/logging"
	"github.com/project-unisonOS/unison-io-speech/internal/observability"
	"github.com/project-unisonOS/unison-io-speech/internal/protocol"
	"github.com/project-unisonOS/unison-io-speech/internal/session"
	"github.com/project-unisonOS/unison-io-speech/internal/stt"
	"github.com/project-unisonOS/unison-io-speech/internal/transcripts"
	"github.com/project-unisonOS/unison-io-speech/internal/tts"
	"github.com/project-unisonOS/unison-io-speech/internal/vad"
)

type Server struct {
	cfg      config.Config
	registry *session.Registry
	store    transcripts.Store
	events   *events.Publisher
	metrics  *observability.Metrics
	provider stt.Provider
	synth    tts.Synthesizer
	codec    protocol.Codec
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	engines map[string]*session.Engine
}

func New(cfg config.Config, registry *session.Registry, store transcripts.Store, publisher *events.Publisher, metrics *observability.Metrics, provider stt.Provider, synth tts.Synthesizer) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    store,
		events:   publisher,
		metrics:  metrics,
		provider: provider,
		synth:    synth,
		codec:    protocol.NewCodec(cfg.MaxMessageBytes),
		engines:  make(map[string]*session.Engine),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}

	registry.SetExpireHook(func(rec *session.Session) {
		if eng := s.engine(rec.ID); eng != nil {
			eng.NotifyExpired()
		}
	})

	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/stream", s.handleStream)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/transcripts", s.handleSessionTranscripts)
	r.Post("/v1/sessions/{id}/speak", s.handleSpeak)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"sessions":     s.registry.Count(),
		"max_sessions": s.cfg.MaxSessions,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.Snapshot()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessionTranscripts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.store.BySession(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if recs == nil {
		recs = []transcripts.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "transcripts": recs})
}

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a text field")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	eng := s.engine(id)
	if eng == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no live connection for session")
		return
	}
	if err := eng.Speak(r.Context(), req.Text); err != nil {
		respondError(w, http.StatusServiceUnavailable, "speak_rejected", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "queued": true})
}

// handleStream admits, upgrades, and runs one realtime session over a
// websocket. The capacity check rejects before the upgrade so a full server
// answers with a plain 503.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Admit()
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			respondError(w, http.StatusServiceUnavailable, "capacity_exceeded", "session limit reached, try again later")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	log := logging.WithSession("httpapi.stream", sess.ID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Remove(sess.ID)
		return
	}
	defer conn.Close()

	s.metrics.ActiveSessions.Set(float64(s.registry.Count()))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan protocol.Message, 256)
	eng, err := session.NewEngine(session.Deps{
		Config: session.EngineConfig{
			MaxUtterance:  s.cfg.MaxUtterance,
			FrameDuration: s.cfg.FrameDuration,
			SpeechPad:     s.cfg.VADSpeechPad,
		},
		Session:  sess,
		Registry: s.registry,
		Buffer: audio.NewFrameBuffer(audio.FrameBufferConfig{
			SampleRate:    protocol.SampleRate,
			FrameDuration: s.cfg.FrameDuration,
			MaxBuffered:   s.cfg.MaxBuffered,
		}),
		Detector: vad.New(vad.Config{
			BaseThreshold:  s.cfg.VADBaseThreshold,
			FloorMargin:    s.cfg.VADFloorMargin,
			FloorAlpha:     s.cfg.VADFloorAlpha,
			DebounceFrames: s.cfg.VADDebounceFrames,
			HangTime:       s.cfg.VADHangTime,
			FloorHoldoff:   s.cfg.VADFloorHoldoff,
			FrameDuration:  s.cfg.FrameDuration,
		}),
		Transcription: s.provider,
		Synth:         s.synth,
		Store:         s.store,
		Events:        s.events,
		Metrics:       s.metrics,
		Outbound:      outbound,
	})
	if err != nil {
		log.Error().Err(err).Msg("engine construction failed")
		s.registry.Remove(sess.ID)
		return
	}

	s.registerEngine(sess.ID, eng)
	defer func() {
		s.unregisterEngine(sess.ID)
		s.registry.Remove(sess.ID)
		s.metrics.ActiveSessions.Set(float64(s.registry.Count()))
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
		// Let the writer flush any goodbye (session_expired) before tearing
		// the socket down; the close also unblocks the read loop.
		time.Sleep(200 * time.Millisecond)
		cancel()
		_ = conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				raw, err := protocol.Encode(msg)
				if err != nil {
					log.Error().Err(err).Msg("outbound encode failed")
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", string(msg.MessageType())).Inc()
			}
		}
	}()

	conn.SetReadLimit(int64(s.cfg.MaxMessageBytes) * 2)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	s.readLoop(ctx, conn, eng, outbound, log)

	cancel()
	<-runDone
	<-writerDone
	eng.PublishEnded("disconnect")
}

// readLoop pumps client messages into the engine until the connection drops.
// Audio honors the no-drop contract: a backpressured chunk is retried once
// buffer space frees up, stalling only this connection's reads.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, eng *session.Engine, outbound chan protocol.Message, log zerolog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := s.codec.Decode(data)
		if err != nil {
			code := protocol.CodeInvalidMessage
			if errors.Is(err, protocol.ErrInvalidAudioFormat) {
				code = protocol.CodeInvalidAudioFormat
			}
			s.sendError(outbound, code, err.Error())
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(msg.MessageType())).Inc()

		switch m := msg.(type) {
		case protocol.Audio:
			if err := s.ingest(ctx, eng, m); err != nil {
				if errors.Is(err, audio.ErrStaleSequence) {
					log.Debug().Int64("sequence", m.Sequence).Msg("stale audio sequence dropped")
					continue
				}
				if errors.Is(err, audio.ErrBufferClosed) || errors.Is(err, context.Canceled) {
					return
				}
				s.sendError(outbound, protocol.CodeInternalError, err.Error())
			}
		case protocol.Control:
			if err := eng.Deliver(ctx, m); err != nil {
				return
			}
		default:
			// Server-originated message types are not accepted from clients.
			s.sendError(outbound, protocol.CodeInvalidMessage, "message type not accepted from clients")
		}
	}
}

// ingest pushes one chunk, waiting out backpressure without dropping it.
func (s *Server) ingest(ctx context.Context, eng *session.Engine, m protocol.Audio) error {
	for {
		err := eng.IngestAudio(m)
		if !errors.Is(err, audio.ErrBackpressure) {
			return err
		}
		s.metrics.BackpressureStalls.Inc()
		select {
		case <-eng.BufferSpace():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendError queues a wire error, dropping it if the writer is saturated so
// the read loop never blocks on its own error reporting.
func (s *Server) sendError(outbound chan protocol.Message, code, detail string) {
	select {
	case outbound <- protocol.NewError(code, detail):
	default:
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) engine(id string) *session.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engines[id]
}

func (s *Server) registerEngine(id string, eng *session.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[id] = eng
}

func (s *Server) unregisterEngine(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, id)
}
