package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudio       MessageType = "audio"
	TypeControl     MessageType = "control"
	TypeTranscript  MessageType = "transcript"
	TypeVADEvent    MessageType = "vad_event"
	TypeAudioOutput MessageType = "audio_output"
	TypeBargeIn     MessageType = "barge_in"
	TypeError       MessageType = "error"
	TypeStatus      MessageType = "status"

	// Accepted on decode as an alias of vad_event; never emitted.
	typeVADAlias MessageType = "vad"
)

// Control actions accepted from the client.
const (
	ActionStartListening = "start_listening"
	ActionStopListening  = "stop_listening"
	ActionCancelTTS      = "cancel_tts"
)

// VAD event names.
const (
	EventSpeechStart = "speech_start"
	EventSpeechEnd   = "speech_end"
)

// Client-visible session statuses.
const (
	StatusConnected  = "connected"
	StatusListening  = "listening"
	StatusProcessing = "processing"
	StatusSpeaking   = "speaking"
)

// Error codes carried on the wire.
const (
	CodeInvalidMessage     = "invalid_message"
	CodeInvalidAudioFormat = "invalid_audio_format"
	CodeRateLimit          = "rate_limit"
	CodeInternalError      = "internal_error"
	CodeSessionExpired     = "session_expired"
	CodeTranscriptionError = "transcription_error"
)

// Fixed input audio contract: PCM16LE mono at 16 kHz. Anything else is
// rejected at decode time with ErrInvalidAudioFormat.
const (
	SampleRate = 16000
	Channels   = 1
	BitDepth   = 16
)

// DefaultMaxMessageBytes bounds how much raw input is accepted before any
// decoding is attempted.
const DefaultMaxMessageBytes = 64 * 1024

var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidAudioFormat = errors.New("invalid audio format")
	ErrMessageTooLarge    = fmt.Errorf("%w: payload exceeds size limit", ErrInvalidMessage)
)

// Message is the closed set of wire payloads.
type Message interface {
	MessageType() MessageType
}

type envelope struct {
	Type MessageType `json:"type"`
}

// Audio carries one client audio chunk. Data is base64 PCM16LE. The format
// fields are optional; when present they must match the fixed contract.
type Audio struct {
	Type       MessageType `json:"type"`
	Data       string      `json:"data"`
	Timestamp  int64       `json:"timestamp"`
	Sequence   int64       `json:"sequence"`
	SampleRate int         `json:"sample_rate,omitempty"`
	Channels   int         `json:"channels,omitempty"`
	BitDepth   int         `json:"bit_depth,omitempty"`
}

func (Audio) MessageType() MessageType { return TypeAudio }

// PCM decodes the base64 audio payload.
func (a Audio) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: audio data is not valid base64", ErrInvalidMessage)
	}
	return pcm, nil
}

type Control struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

func (Control) MessageType() MessageType { return TypeControl }

type Transcript struct {
	Type       MessageType `json:"type"`
	Text       string      `json:"text"`
	IsFinal    bool        `json:"is_final"`
	Confidence float64     `json:"confidence"`
	Timestamp  int64       `json:"timestamp"`
}

func (Transcript) MessageType() MessageType { return TypeTranscript }

type VADEvent struct {
	Type      MessageType `json:"type"`
	Event     string      `json:"event"`
	Energy    float64     `json:"energy,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func (VADEvent) MessageType() MessageType { return TypeVADEvent }

type AudioOutput struct {
	Type       MessageType `json:"type"`
	Data       string      `json:"data"`
	Format     string      `json:"format"`
	SampleRate int         `json:"sample_rate"`
	Sequence   int64       `json:"sequence"`
}

func (AudioOutput) MessageType() MessageType { return TypeAudioOutput }

type BargeIn struct {
	Type              MessageType `json:"type"`
	CancelledSequence int64       `json:"cancelled_sequence"`
	Timestamp         int64       `json:"timestamp"`
}

func (BargeIn) MessageType() MessageType { return TypeBargeIn }

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
}

func (ErrorEvent) MessageType() MessageType { return TypeError }

type Status struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	Timestamp int64       `json:"timestamp"`
}

func (Status) MessageType() MessageType { return TypeStatus }

// Codec decodes and encodes wire messages with a configurable size bound.
type Codec struct {
	maxBytes int
}

func NewCodec(maxBytes int) Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return Codec{maxBytes: maxBytes}
}

// MaxBytes reports the configured size bound.
func (c Codec) MaxBytes() int { return c.maxBytes }

// Decode parses raw into the matching Message variant, validating required
// fields. Structural failures are ErrInvalidMessage; audio format contract
// violations are ErrInvalidAudioFormat so the session can answer with a
// precise error code.
func (c Codec) Decode(raw []byte) (Message, error) {
	if len(raw) > c.maxBytes {
		return nil, ErrMessageTooLarge
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrInvalidMessage)
	}

	switch env.Type {
	case TypeAudio:
		// Timestamp is required; a zero default must not pass for one.
		var w struct {
			Audio
			Timestamp *int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: malformed audio message", ErrInvalidMessage)
		}
		if w.Timestamp == nil {
			return nil, fmt.Errorf("%w: audio message missing timestamp", ErrInvalidMessage)
		}
		msg := w.Audio
		msg.Timestamp = *w.Timestamp
		if err := validateAudio(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeControl:
		var msg Control
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed control message", ErrInvalidMessage)
		}
		switch msg.Action {
		case ActionStartListening, ActionStopListening, ActionCancelTTS:
		default:
			return nil, fmt.Errorf("%w: unrecognized control action %q", ErrInvalidMessage, msg.Action)
		}
		return msg, nil
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed transcript message", ErrInvalidMessage)
		}
		if msg.Confidence < 0 || msg.Confidence > 1 {
			return nil, fmt.Errorf("%w: transcript confidence out of range", ErrInvalidMessage)
		}
		return msg, nil
	case TypeVADEvent, typeVADAlias:
		var msg VADEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed vad_event message", ErrInvalidMessage)
		}
		msg.Type = TypeVADEvent
		if msg.Event != EventSpeechStart && msg.Event != EventSpeechEnd {
			return nil, fmt.Errorf("%w: unrecognized vad event %q", ErrInvalidMessage, msg.Event)
		}
		return msg, nil
	case TypeAudioOutput:
		var msg AudioOutput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed audio_output message", ErrInvalidMessage)
		}
		if msg.Data == "" || msg.Sequence < 1 {
			return nil, fmt.Errorf("%w: invalid audio_output", ErrInvalidMessage)
		}
		return msg, nil
	case TypeBargeIn:
		var msg BargeIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed barge_in message", ErrInvalidMessage)
		}
		if msg.CancelledSequence < 1 {
			return nil, fmt.Errorf("%w: invalid barge_in sequence", ErrInvalidMessage)
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed error message", ErrInvalidMessage)
		}
		if msg.Code == "" {
			return nil, fmt.Errorf("%w: error message missing code", ErrInvalidMessage)
		}
		return msg, nil
	case TypeStatus:
		var msg Status
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed status message", ErrInvalidMessage)
		}
		switch msg.Status {
		case StatusConnected, StatusListening, StatusProcessing, StatusSpeaking:
		default:
			return nil, fmt.Errorf("%w: unrecognized status %q", ErrInvalidMessage, msg.Status)
		}
		return msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unrecognized type %q", ErrInvalidMessage, env.Type)
	}
}

func validateAudio(msg Audio) error {
	if msg.Data == "" {
		return fmt.Errorf("%w: audio message missing data", ErrInvalidMessage)
	}
	if msg.Sequence < 1 {
		return fmt.Errorf("%w: audio sequence must be a positive integer", ErrInvalidMessage)
	}
	if msg.Timestamp < 0 {
		return fmt.Errorf("%w: audio timestamp must be non-negative", ErrInvalidMessage)
	}
	pcm, err := msg.PCM()
	if err != nil {
		return err
	}
	if msg.SampleRate != 0 && msg.SampleRate != SampleRate {
		return fmt.Errorf("%w: sample rate %d, want %d", ErrInvalidAudioFormat, msg.SampleRate, SampleRate)
	}
	if msg.Channels != 0 && msg.Channels != Channels {
		return fmt.Errorf("%w: %d channels, want mono", ErrInvalidAudioFormat, msg.Channels)
	}
	if msg.BitDepth != 0 && msg.BitDepth != BitDepth {
		return fmt.Errorf("%w: bit depth %d, want %d", ErrInvalidAudioFormat, msg.BitDepth, BitDepth)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("%w: payload not aligned to 16-bit samples", ErrInvalidAudioFormat)
	}
	return nil
}

// Encode serializes a Message. Internally constructed messages never fail to
// marshal; an error here is an invariant violation, not a recoverable state.
func Encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return raw, nil
}

// NowMS is the wire timestamp convention: milliseconds since the epoch.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// Constructors below stamp the type tag and timestamp so call sites cannot
// produce half-built messages.

func NewTranscript(text string, isFinal bool, confidence float64) Transcript {
	return Transcript{Type: TypeTranscript, Text: text, IsFinal: isFinal, Confidence: confidence, Timestamp: NowMS()}
}

func NewVADEvent(event string, energy float64) VADEvent {
	return VADEvent{Type: TypeVADEvent, Event: event, Energy: energy, Timestamp: NowMS()}
}

func NewBargeIn(cancelledSequence int64) BargeIn {
	return BargeIn{Type: TypeBargeIn, CancelledSequence: cancelledSequence, Timestamp: NowMS()}
}

func NewError(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Message: message, Timestamp: NowMS()}
}

func NewStatus(status string) Status {
	return Status{Type: TypeStatus, Status: status, Timestamp: NowMS()}
}

func NewAudioOutput(pcm []byte, format string, sampleRate int, sequence int64) AudioOutput {
	return AudioOutput{
		Type:       TypeAudioOutput,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Format:     format,
		SampleRate: sampleRate,
		Sequence:   sequence,
	}
}
