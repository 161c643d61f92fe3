package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MaxSessions != 100 {
		t.Fatalf("MaxSessions = %d", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Fatalf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.MaxMessageBytes != 64*1024 {
		t.Fatalf("MaxMessageBytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.VADSpeechPad != 300*time.Millisecond {
		t.Fatalf("VADSpeechPad = %v", cfg.VADSpeechPad)
	}
	if cfg.VADHangTime != 700*time.Millisecond {
		t.Fatalf("VADHangTime = %v", cfg.VADHangTime)
	}
	if cfg.STTProvider != "stub" {
		t.Fatalf("STTProvider = %q", cfg.STTProvider)
	}
	if cfg.KafkaEnabled {
		t.Fatalf("Kafka should default off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_MAX_SESSIONS", "7")
	t.Setenv("APP_IDLE_TIMEOUT", "30s")
	t.Setenv("VAD_DEBOUNCE_FRAMES", "3")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxSessions != 7 {
		t.Fatalf("MaxSessions = %d", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 30*time.Second {
		t.Fatalf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.VADDebounceFrames != 3 {
		t.Fatalf("VADDebounceFrames = %d", cfg.VADDebounceFrames)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"APP_MAX_SESSIONS":   "0",
		"APP_IDLE_TIMEOUT":   "1s",
		"VAD_BASE_THRESHOLD": "1.5",
		"AUDIO_FRAME_DURATION": "5ms",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s should fail validation", key, val)
			}
		})
	}
}

func TestKafkaEnabledRequiresBrokers(t *testing.T) {
	t.Setenv("KAFKA_ENABLED", "true")
	if _, err := Load(); err == nil {
		t.Fatalf("kafka enabled without brokers should fail")
	}
}
