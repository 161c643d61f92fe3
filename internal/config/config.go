package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the speech session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	MaxSessions     int
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
	MaxMessageBytes int
	MaxUtterance    time.Duration

	FrameDuration time.Duration
	MaxBuffered   time.Duration

	VADBaseThreshold  float64
	VADFloorMargin    float64
	VADFloorAlpha     float64
	VADDebounceFrames int
	VADHangTime       time.Duration
	VADFloorHoldoff   time.Duration
	VADSpeechPad      time.Duration

	STTProvider        string
	STTPartialInterval time.Duration
	STTCaptureDir      string

	LogLevel  string
	LogFormat string

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "iospeech"),
		AllowAnyOrigin:     false,
		MaxSessions:        100,
		IdleTimeout:        5 * time.Minute,
		JanitorInterval:    15 * time.Second,
		MaxMessageBytes:    64 * 1024,
		MaxUtterance:       60 * time.Second,
		FrameDuration:      30 * time.Millisecond,
		MaxBuffered:        5 * time.Second,
		VADBaseThreshold:   0.01,
		VADFloorMargin:     2.0,
		VADFloorAlpha:      0.05,
		VADDebounceFrames:  2,
		VADHangTime:        700 * time.Millisecond,
		VADFloorHoldoff:    300 * time.Millisecond,
		VADSpeechPad:       300 * time.Millisecond,
		STTProvider:        envOrDefault("STT_PROVIDER", "stub"),
		STTPartialInterval: time.Second,
		STTCaptureDir:      stringsTrimSpace("STT_CAPTURE_DIR"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "json"),
		KafkaTopic:         envOrDefault("KAFKA_TOPIC", "speech.session.events"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessions, err = intFromEnv("APP_MAX_SESSIONS", cfg.MaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = durationFromEnv("APP_IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes, err = intFromEnv("APP_MAX_MESSAGE_BYTES", cfg.MaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUtterance, err = durationFromEnv("APP_MAX_UTTERANCE", cfg.MaxUtterance)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameDuration, err = durationFromEnv("AUDIO_FRAME_DURATION", cfg.FrameDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxBuffered, err = durationFromEnv("AUDIO_MAX_BUFFERED", cfg.MaxBuffered)
	if err != nil {
		return Config{}, err
	}
	cfg.VADBaseThreshold, err = floatFromEnv("VAD_BASE_THRESHOLD", cfg.VADBaseThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADFloorMargin, err = floatFromEnv("VAD_FLOOR_MARGIN", cfg.VADFloorMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.VADFloorAlpha, err = floatFromEnv("VAD_FLOOR_ALPHA", cfg.VADFloorAlpha)
	if err != nil {
		return Config{}, err
	}
	cfg.VADDebounceFrames, err = intFromEnv("VAD_DEBOUNCE_FRAMES", cfg.VADDebounceFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.VADHangTime, err = durationFromEnv("VAD_HANG_TIME", cfg.VADHangTime)
	if err != nil {
		return Config{}, err
	}
	cfg.VADFloorHoldoff, err = durationFromEnv("VAD_FLOOR_HOLDOFF", cfg.VADFloorHoldoff)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSpeechPad, err = durationFromEnv("VAD_SPEECH_PAD", cfg.VADSpeechPad)
	if err != nil {
		return Config{}, err
	}
	cfg.STTPartialInterval, err = durationFromEnv("STT_PARTIAL_INTERVAL", cfg.STTPartialInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.KafkaEnabled, err = boolFromEnv("KAFKA_ENABLED", cfg.KafkaEnabled)
	if err != nil {
		return Config{}, err
	}
	if brokers := stringsTrimSpace("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SESSIONS must be positive")
	}
	if cfg.IdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.MaxMessageBytes < 1024 {
		return Config{}, fmt.Errorf("APP_MAX_MESSAGE_BYTES must be at least 1024")
	}
	if cfg.FrameDuration < 10*time.Millisecond || cfg.FrameDuration > time.Second {
		return Config{}, fmt.Errorf("AUDIO_FRAME_DURATION must be between 10ms and 1s")
	}
	if cfg.VADBaseThreshold <= 0 || cfg.VADBaseThreshold >= 1 {
		return Config{}, fmt.Errorf("VAD_BASE_THRESHOLD must be in (0, 1)")
	}
	if cfg.VADDebounceFrames <= 0 {
		return Config{}, fmt.Errorf("VAD_DEBOUNCE_FRAMES must be positive")
	}
	if cfg.VADSpeechPad < 0 {
		return Config{}, fmt.Errorf("VAD_SPEECH_PAD must not be negative")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("KAFKA_ENABLED requires KAFKA_BROKERS")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
