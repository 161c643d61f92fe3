package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/project-unisonOS/unison-io-speech/internal/audio"
	"github.com/project-unisonOS/unison-io-speech/internal/events"
	"github.com/project-unisonOS/unison-io-speech/internal/logging"
	"github.com/project-unisonOS/unison-io-speech/internal/observability"
	"github.com/project-unisonOS/unison-io-speech/internal/protocol"
	"github.com/project-unisonOS/unison-io-speech/internal/stt"
	"github.com/project-unisonOS/unison-io-speech/internal/transcripts"
	"github.com/project-unisonOS/unison-io-speech/internal/tts"
	"github.com/project-unisonOS/unison-io-speech/internal/vad"
)

const (
	defaultMaxUtterance = 60 * time.Second
	outputFormat        = "pcm16"

	// Per-utterance feed capacity. At 30ms frames this holds well over the
	// utterance cap, so the loop never blocks on a live worker.
	utteranceFeedCap = 4096
)

// EngineConfig tunes one session's processing loop.
type EngineConfig struct {
	// MaxUtterance force-finalizes an utterance that never goes silent.
	MaxUtterance time.Duration
	// FrameDuration must match the frame buffer's framing.
	FrameDuration time.Duration
	// SpeechPad is how much audio from just before speech onset is fed into
	// the utterance. Zero disables pre-roll.
	SpeechPad time.Duration
	// OutputSampleRate stamps outgoing audio_output messages.
	OutputSampleRate int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = defaultMaxUtterance
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 30 * time.Millisecond
	}
	if c.SpeechPad < 0 {
		c.SpeechPad = 0
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = protocol.SampleRate
	}
	return c
}

// Deps wires one engine instance. Session, Registry, Buffer, Detector,
// Transcription, Synth, and Outbound are required; Store, Events, and
// Metrics may be nil.
type Deps struct {
	Config        EngineConfig
	Session       *Session
	Registry      *Registry
	Buffer        *audio.FrameBuffer
	Detector      *vad.Detector
	Transcription stt.Provider
	Synth         tts.Synthesizer
	Store         transcripts.Store
	Events        *events.Publisher
	Metrics       *observability.Metrics
	Outbound      chan<- protocol.Message
}

// Engine runs one session's processing loop. All state transitions, VAD,
// barge-in decisions, and outbound messages are serialized through Run's
// goroutine; only IngestAudio and Speak are called from outside it.
type Engine struct {
	cfg       EngineConfig
	sessionID string
	log       zerolog.Logger

	registry *Registry
	buffer   *audio.FrameBuffer
	detector *vad.Detector
	provider stt.Provider
	synth    tts.Synthesizer
	store    transcripts.Store
	events   *events.Publisher
	metrics  *observability.Metrics
	outbound chan<- protocol.Message

	inbound chan protocol.Message
	sttCh   chan sttEvent
	ttsCh   chan ttsEvent
	speakCh chan string
	expired chan struct{}

	// Loop-owned state. Never touched outside Run's goroutine.
	ctx          context.Context
	state        State
	listening    bool
	speechActive bool
	barge        bargeInCoordinator
	utt          *utteranceWorker
	finalizing   bool
	finalizingID uint64
	deferred     []*deferredUtterance
	preRoll      []audio.Frame
	preRollMax   int
	output       *outputStream
	uttSeq       uint64
}

// deferredUtterance holds speech that arrived while a previous finalize was
// still pending. It is replayed into a fresh transcriber once the finalize
// settles, so every speech_start still produces exactly one final.
type deferredUtterance struct {
	frames   []audio.Frame
	complete bool
}

type sttEvent struct {
	id      uint64
	partial *stt.PartialResult
	final   *stt.FinalResult
	err     error
}

type ttsEvent struct {
	seq   uint64
	chunk tts.Chunk
	done  bool
}

type utteranceWorker struct {
	id        uint64
	frames    chan audio.Frame
	cancel    context.CancelFunc
	startedAt time.Time
	fed       int
	sawFirst  bool
	broken    bool
}

type outputStream struct {
	seq    uint64
	cancel context.CancelFunc
}

func NewEngine(deps Deps) (*Engine, error) {
	if deps.Session == nil || deps.Registry == nil || deps.Buffer == nil ||
		deps.Detector == nil || deps.Transcription == nil || deps.Synth == nil ||
		deps.Outbound == nil {
		return nil, errors.New("session: engine missing required dependency")
	}
	cfg := deps.Config.withDefaults()
	return &Engine{
		cfg:        cfg,
		sessionID:  deps.Session.ID,
		log:        logging.WithSession("session.engine", deps.Session.ID),
		registry:   deps.Registry,
		buffer:     deps.Buffer,
		detector:   deps.Detector,
		provider:   deps.Transcription,
		synth:      deps.Synth,
		store:      deps.Store,
		events:     deps.Events,
		metrics:    deps.Metrics,
		outbound:   deps.Outbound,
		inbound:    make(chan protocol.Message, 16),
		sttCh:      make(chan sttEvent, 64),
		ttsCh:      make(chan ttsEvent, 64),
		speakCh:    make(chan string, 4),
		expired:    make(chan struct{}),
		state:      StateIdle,
		preRollMax: int(cfg.SpeechPad / cfg.FrameDuration),
	}, nil
}

// IngestAudio pushes one validated audio chunk into the frame buffer. Called
// from the connection's read goroutine. On ErrBackpressure the caller must
// wait on BufferSpace and retry the same chunk; nothing was consumed.
func (e *Engine) IngestAudio(msg protocol.Audio) error {
	pcm, err := msg.PCM()
	if err != nil {
		return err
	}
	return e.buffer.Push(audio.Chunk{
		PCM:         pcm,
		Sequence:    msg.Sequence,
		TimestampMS: msg.Timestamp,
	})
}

// BufferSpace signals when a backpressured push is worth retrying.
func (e *Engine) BufferSpace() <-chan struct{} { return e.buffer.Space() }

// Deliver hands a decoded control message to the loop.
func (e *Engine) Deliver(ctx context.Context, msg protocol.Message) error {
	select {
	case e.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speak queues text for synthesis and streaming to the client. A speak
// arriving while output is in flight replaces it.
func (e *Engine) Speak(ctx context.Context, text string) error {
	select {
	case e.speakCh <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyExpired tells the loop its session was evicted. Safe to call once;
// the registry's expire hook fires at most once per session.
func (e *Engine) NotifyExpired() {
	close(e.expired)
}

// Run drives the session until ctx is cancelled or the session expires.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = runCtx
	defer e.buffer.Close()

	// Unblock a live transcription worker so it exits with the loop.
	defer func() {
		if e.utt != nil {
			e.utt.cancel()
			close(e.utt.frames)
			e.utt = nil
		}
	}()

	e.send(protocol.NewStatus(protocol.StatusConnected))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.expired:
			e.send(protocol.NewError(protocol.CodeSessionExpired, "session evicted after idle timeout"))
			e.publishEnded("idle_timeout")
			return nil
		case msg := <-e.inbound:
			e.handleInbound(msg)
		case <-e.buffer.Wait():
			e.drainFrames()
		case ev := <-e.sttCh:
			e.handleSTT(ev)
		case ev := <-e.ttsCh:
			e.handleTTS(ev)
		case text := <-e.speakCh:
			e.startOutput(text)
		}
	}
}

func (e *Engine) handleInbound(msg protocol.Message) {
	_ = e.registry.Touch(e.sessionID)

	ctl, ok := msg.(protocol.Control)
	if !ok {
		e.log.Warn().Str("type", string(msg.MessageType())).Msg("unexpected inbound message")
		return
	}

	switch ctl.Action {
	case protocol.ActionStartListening:
		e.startListening()
	case protocol.ActionStopListening:
		e.stopListening()
	case protocol.ActionCancelTTS:
		// Idempotent: only the first cancel per output emits barge_in.
		e.interruptOutput()
	}
}

func (e *Engine) startListening() {
	if e.listening {
		return
	}
	e.listening = true
	e.detector.Reset()
	if e.state == StateIdle {
		e.setState(StateListening, protocol.StatusListening)
	}
	e.countEvent("start_listening")
}

func (e *Engine) stopListening() {
	if !e.listening {
		return
	}
	e.listening = false
	e.countEvent("stop_listening")

	// Flush partial framing so trailing audio reaches the transcriber.
	for _, f := range e.buffer.Flush() {
		e.deliverFrame(f)
	}
	e.preRoll = nil
	e.speechActive = false
	e.detector.Reset()

	if e.finalizing {
		// A deferred utterance still gets its final once the pending one
		// settles.
		e.completeDeferred()
		return
	}
	if e.utt != nil {
		e.endUtterance()
		return
	}
	if e.state != StateSpeaking {
		e.setState(StateIdle, protocol.StatusConnected)
	}
}

func (e *Engine) drainFrames() {
	_ = e.registry.Touch(e.sessionID)
	for {
		f, ok := e.buffer.Pop()
		if !ok {
			return
		}
		e.handleFrame(f)
	}
}

func (e *Engine) handleFrame(f audio.Frame) {
	if !e.listening {
		return
	}

	res := e.detector.ProcessFrame(f)
	switch res.Transition {
	case vad.TransitionSpeechStart:
		e.onSpeechStart(f, res.Energy)
	case vad.TransitionSpeechEnd:
		e.onSpeechEnd(f, res.Energy)
	default:
		if e.speechActive {
			e.deliverFrame(f)
		} else {
			e.recordPreRoll(f)
		}
	}

	if e.utt != nil && time.Duration(e.utt.fed)*e.cfg.FrameDuration >= e.cfg.MaxUtterance {
		e.log.Warn().Msg("utterance hit duration cap, forcing finalize")
		e.speechActive = false
		e.detector.Reset()
		e.endUtterance()
	}
}

func (e *Engine) onSpeechStart(f audio.Frame, energy float64) {
	e.send(protocol.NewVADEvent(protocol.EventSpeechStart, energy))
	e.countVAD(protocol.EventSpeechStart)

	// Speech over assistant output is a barge-in.
	e.interruptOutput()

	e.speechActive = true
	if e.state != StateListening {
		e.setState(StateListening, protocol.StatusListening)
	}
	if e.finalizing {
		// Previous utterance still finalizing; hold the whole utterance
		// until it lands.
		e.deferred = append(e.deferred, &deferredUtterance{
			frames: append(e.takePreRoll(), f),
		})
		return
	}
	e.startUtterance()
	for _, p := range e.takePreRoll() {
		e.feedUtterance(p)
	}
	e.feedUtterance(f)
}

// recordPreRoll keeps the most recent silence frames so speech onset audio
// clipped by the debounce window still reaches the transcriber.
func (e *Engine) recordPreRoll(f audio.Frame) {
	if e.preRollMax == 0 {
		return
	}
	e.preRoll = append(e.preRoll, f)
	if len(e.preRoll) > e.preRollMax {
		e.preRoll = e.preRoll[len(e.preRoll)-e.preRollMax:]
	}
}

func (e *Engine) takePreRoll() []audio.Frame {
	frames := e.preRoll
	e.preRoll = nil
	return frames
}

func (e *Engine) onSpeechEnd(f audio.Frame, energy float64) {
	e.send(protocol.NewVADEvent(protocol.EventSpeechEnd, energy))
	e.countVAD(protocol.EventSpeechEnd)
	e.speechActive = false

	if e.finalizing {
		e.deliverFrame(f)
		e.completeDeferred()
		return
	}
	if e.utt == nil {
		return
	}
	e.feedUtterance(f)
	e.endUtterance()
}

// deliverFrame routes one speech frame to the live utterance, or to the open
// deferred utterance while a finalize is pending.
func (e *Engine) deliverFrame(f audio.Frame) {
	if e.finalizing {
		n := len(e.deferred)
		if n == 0 || e.deferred[n-1].complete {
			return
		}
		d := e.deferred[n-1]
		d.frames = append(d.frames, f)
		if time.Duration(len(d.frames))*e.cfg.FrameDuration >= e.cfg.MaxUtterance {
			d.complete = true
			e.speechActive = false
		}
		return
	}
	e.feedUtterance(f)
}

func (e *Engine) completeDeferred() {
	if n := len(e.deferred); n > 0 {
		e.deferred[n-1].complete = true
	}
}

func (e *Engine) startUtterance() {
	e.uttSeq++
	wctx, cancel := context.WithCancel(e.ctx)
	u := &utteranceWorker{
		id:        e.uttSeq,
		frames:    make(chan audio.Frame, utteranceFeedCap),
		cancel:    cancel,
		startedAt: time.Now(),
	}
	e.utt = u
	_ = e.registry.RecordUtterance(e.sessionID)
	e.countEvent("utterance_start")

	tr := e.provider.NewTranscriber(e.sessionID)
	go e.runTranscription(wctx, u, tr)
}

// runTranscription is the only goroutine that talks to a Transcriber. It
// reports back exclusively through sttCh.
func (e *Engine) runTranscription(ctx context.Context, u *utteranceWorker, tr stt.Transcriber) {
	for f := range u.frames {
		p, err := tr.OnFrame(ctx, f)
		if err != nil {
			e.sendSTT(sttEvent{id: u.id, err: err})
			for range u.frames {
			}
			return
		}
		if p != nil {
			e.sendSTT(sttEvent{id: u.id, partial: p})
		}
	}
	final, err := tr.OnUtteranceEnd(ctx)
	if err != nil {
		e.sendSTT(sttEvent{id: u.id, err: err})
		return
	}
	e.sendSTT(sttEvent{id: u.id, final: &final})
}

func (e *Engine) sendSTT(ev sttEvent) {
	select {
	case e.sttCh <- ev:
	case <-e.ctx.Done():
	}
}

func (e *Engine) feedUtterance(f audio.Frame) {
	if e.utt == nil || e.utt.broken {
		return
	}
	select {
	case e.utt.frames <- f:
		e.utt.fed++
	default:
		// Feed full means the worker died or stalled hard; finalize rather
		// than block the loop.
		e.log.Warn().Msg("utterance feed saturated, forcing finalize")
		e.endUtterance()
	}
}

// endUtterance stops feeding and waits for the final via sttCh.
func (e *Engine) endUtterance() {
	if e.utt == nil {
		return
	}
	close(e.utt.frames)
	e.finalizing = true
	e.finalizingID = e.utt.id
	e.utt = nil
	e.setState(StateProcessing, protocol.StatusProcessing)
}

func (e *Engine) handleSTT(ev sttEvent) {
	// Results from an abandoned utterance are dropped.
	current := e.finalizing && ev.id == e.finalizingID
	feeding := e.utt != nil && ev.id == e.utt.id
	if !current && !feeding {
		return
	}

	switch {
	case ev.partial != nil:
		if feeding && !e.utt.sawFirst {
			e.utt.sawFirst = true
			if e.metrics != nil {
				e.metrics.ObserveFirstPartialLatency(time.Since(e.utt.startedAt))
			}
		}
		e.send(protocol.NewTranscript(ev.partial.Text, false, ev.partial.Confidence))

	case ev.final != nil:
		e.finalizeUtterance(*ev.final)

	case ev.err != nil:
		e.log.Error().Err(ev.err).Msg("transcription failed")
		e.send(protocol.NewError(protocol.CodeTranscriptionError, "transcription failed, utterance abandoned"))
		e.countEvent("transcription_error")
		if feeding {
			e.utt.broken = true
			e.utt.cancel()
			close(e.utt.frames)
			e.utt = nil
		}
		e.abandonFinalize()
		e.resumeAfterProcessing()
	}
}

func (e *Engine) finalizeUtterance(final stt.FinalResult) {
	e.finalizing = false
	e.send(protocol.NewTranscript(final.Text, true, final.Confidence))
	e.countEvent("utterance_completed")
	if e.metrics != nil {
		e.metrics.ObserveUtteranceDuration(time.Duration(final.DurationMS) * time.Millisecond)
	}

	e.archive(final)
	if e.events != nil {
		e.events.PublishUtteranceCompleted(events.UtteranceCompleted{
			SessionID:  e.sessionID,
			Text:       final.Text,
			Confidence: final.Confidence,
			DurationMS: final.DurationMS,
			Timestamp:  protocol.NowMS(),
		})
	}

	e.resumeAfterProcessing()
}

// archive persists the transcript without coupling the session to store
// health.
func (e *Engine) archive(final stt.FinalResult) {
	if e.store == nil || final.Text == "" {
		return
	}
	rec := transcripts.Record{
		SessionID:  e.sessionID,
		Text:       final.Text,
		Confidence: final.Confidence,
		DurationMS: final.DurationMS,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.Save(ctx, rec); err != nil {
			e.log.Warn().Err(err).Msg("transcript archive failed")
		}
	}()
}

func (e *Engine) abandonFinalize() {
	e.finalizing = false
}

// resumeAfterProcessing picks the next state once a finalize settles,
// replaying any utterance that queued up meanwhile. A deferred utterance
// that already saw its speech_end is started, fed, and ended in one step,
// which puts the loop straight back into finalizing for it.
func (e *Engine) resumeAfterProcessing() {
	if len(e.deferred) > 0 {
		d := e.deferred[0]
		e.deferred = e.deferred[1:]
		if !d.complete {
			e.setState(StateListening, protocol.StatusListening)
		}
		e.startUtterance()
		for _, f := range d.frames {
			e.feedUtterance(f)
		}
		if d.complete {
			e.endUtterance()
		}
		return
	}
	if e.state == StateSpeaking {
		return
	}
	if e.listening {
		e.setState(StateListening, protocol.StatusListening)
	} else {
		e.setState(StateIdle, protocol.StatusConnected)
	}
}

// startOutput begins streaming synthesized speech, replacing any output
// already in flight.
func (e *Engine) startOutput(text string) {
	if e.output != nil {
		e.output.cancel()
		e.barge.endOutput(e.output.seq)
		e.output = nil
	}

	seq := e.barge.beginOutput()
	octx, cancel := context.WithCancel(e.ctx)
	ch, err := e.synth.Synthesize(octx, text)
	if err != nil {
		cancel()
		e.barge.endOutput(seq)
		e.log.Error().Err(err).Msg("synthesis failed")
		e.send(protocol.NewError(protocol.CodeInternalError, "speech synthesis failed"))
		return
	}
	e.output = &outputStream{seq: seq, cancel: cancel}
	e.setState(StateSpeaking, protocol.StatusSpeaking)
	e.countEvent("output_start")

	go func() {
		for c := range ch {
			select {
			case e.ttsCh <- ttsEvent{seq: seq, chunk: c}:
			case <-octx.Done():
				// Drain so the synthesizer can close its channel.
			}
		}
		select {
		case e.ttsCh <- ttsEvent{seq: seq, done: true}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handleTTS(ev ttsEvent) {
	if ev.done {
		if e.output == nil || e.output.seq != ev.seq {
			return
		}
		e.barge.endOutput(ev.seq)
		e.output = nil
		e.countEvent("output_end")
		if e.state == StateSpeaking {
			if e.listening {
				e.setState(StateListening, protocol.StatusListening)
			} else {
				e.setState(StateIdle, protocol.StatusConnected)
			}
		}
		return
	}

	// Late chunks from a cancelled or replaced output never reach the client.
	if e.barge.isCancelled(ev.seq) {
		return
	}
	e.send(protocol.NewAudioOutput(ev.chunk.PCM, outputFormat, e.cfg.OutputSampleRate, int64(ev.seq)))
}

// interruptOutput cancels in-flight assistant output. Exactly one barge_in
// is emitted per output stream no matter how many triggers race for it.
func (e *Engine) interruptOutput() bool {
	seq, first := e.barge.cancel()
	if !first {
		return false
	}
	if e.output != nil {
		e.output.cancel()
	}
	e.send(protocol.NewBargeIn(int64(seq)))
	_ = e.registry.RecordBargeIn(e.sessionID)
	e.countEvent("barge_in")
	if e.metrics != nil {
		e.metrics.BargeIns.Inc()
	}
	if e.events != nil {
		e.events.PublishBargeIn(events.BargeIn{
			SessionID:         e.sessionID,
			CancelledSequence: int64(seq),
			Timestamp:         protocol.NowMS(),
		})
	}
	if e.state == StateSpeaking {
		if e.listening {
			e.setState(StateListening, protocol.StatusListening)
		} else {
			e.setState(StateIdle, protocol.StatusConnected)
		}
	}
	return true
}

func (e *Engine) setState(s State, status string) {
	if e.state == s {
		return
	}
	e.state = s
	if err := e.registry.SetState(e.sessionID, s); err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Warn().Err(err).Msg("registry state update failed")
	}
	e.send(protocol.NewStatus(status))
}

func (e *Engine) send(msg protocol.Message) {
	select {
	case e.outbound <- msg:
	case <-e.ctx.Done():
	}
}

func (e *Engine) countEvent(event string) {
	if e.metrics != nil {
		e.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (e *Engine) countVAD(event string) {
	if e.metrics != nil {
		e.metrics.VADTransitions.WithLabelValues(event).Inc()
	}
}

func (e *Engine) publishEnded(reason string) {
	if e.events == nil {
		return
	}
	rec, err := e.registry.Get(e.sessionID)
	if err != nil {
		rec = &Session{ID: e.sessionID}
	}
	e.events.PublishSessionEnded(events.SessionEnded{
		SessionID:  e.sessionID,
		Reason:     reason,
		Utterances: rec.Utterances,
		BargeIns:   rec.BargeIns,
		Timestamp:  protocol.NowMS(),
	})
}

// PublishEnded reports the session's close reason to the event stream. The
// connection layer calls it once after Run returns.
func (e *Engine) PublishEnded(reason string) {
	e.publishEnded(reason)
}
