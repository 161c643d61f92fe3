// Package events publishes session lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/project-unisonOS/unison-io-speech/internal/logging"
)

// Event type discriminators carried in the payload and message headers.
const (
	TypeUtteranceCompleted = "utterance_completed"
	TypeBargeIn            = "barge_in"
	TypeSessionEnded       = "session_ended"
)

// UtteranceCompleted is emitted once per finalized utterance.
type UtteranceCompleted struct {
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	DurationMS int64   `json:"duration_ms"`
	Timestamp  int64   `json:"timestamp"`
}

// BargeIn is emitted when a client interrupts assistant output.
type BargeIn struct {
	SessionID         string `json:"session_id"`
	CancelledSequence int64  `json:"cancelled_sequence"`
	Timestamp         int64  `json:"timestamp"`
}

// SessionEnded is emitted when a session closes or is evicted.
type SessionEnded struct {
	SessionID  string `json:"session_id"`
	Reason     string `json:"reason"`
	Utterances int    `json:"utterances"`
	BargeIns   int    `json:"barge_ins"`
	Timestamp  int64  `json:"timestamp"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// Publisher writes session events to a Kafka topic. When disabled it runs in
// log-only mode so the session pipeline behaves identically without a broker.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	log     zerolog.Logger
}

func New(cfg Config) *Publisher {
	logger := logging.WithComponent("events")

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("kafka disabled, using log-only mode")
		return &Publisher{topic: cfg.Topic, enabled: false, log: logger}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("kafka publisher initialized")

	return &Publisher{writer: writer, topic: cfg.Topic, enabled: true, log: logger}
}

// PublishUtteranceCompleted publishes asynchronously; delivery failures are
// logged, never surfaced to the session.
func (p *Publisher) PublishUtteranceCompleted(e UtteranceCompleted) {
	p.publishAsync(TypeUtteranceCompleted, e.SessionID, e)
}

func (p *Publisher) PublishBargeIn(e BargeIn) {
	p.publishAsync(TypeBargeIn, e.SessionID, e)
}

func (p *Publisher) PublishSessionEnded(e SessionEnded) {
	p.publishAsync(TypeSessionEnded, e.SessionID, e)
}

func (p *Publisher) publishAsync(eventType, key string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("eventType", eventType).Msg("marshal event")
		return
	}

	p.log.Debug().
		Str("eventType", eventType).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("publishing event")

	if !p.enabled || p.writer == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		msg := kafka.Message{
			Key:   []byte(key),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "eventType", Value: []byte(eventType)},
			},
		}
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.log.Error().
				Err(err).
				Str("eventType", eventType).
				Str("key", key).
				Msg("kafka write failed")
		}
	}()
}

// Close closes the Kafka writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
