package audio

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrBackpressure reports that the frame queue is at capacity. The caller
	// must stop reading transport input and retry after Space() fires; the
	// rejected chunk is left untouched so nothing is ever dropped.
	ErrBackpressure = errors.New("frame buffer at capacity")

	// ErrStaleSequence reports a chunk whose sequence is not greater than the
	// high watermark. Buffer state is not modified.
	ErrStaleSequence = errors.New("chunk sequence not greater than high watermark")

	ErrBufferClosed = errors.New("frame buffer closed")
)

// Chunk is one wire-granularity slice of client audio.
type Chunk struct {
	PCM         []byte
	Sequence    int64
	TimestampMS int64
}

// Frame is one fixed-duration analysis frame cut from the inbound stream.
// Discontinuity marks the first frame after a sequence gap; consumers must
// not span state across it.
type Frame struct {
	PCM           []byte
	Sequence      int64
	TimestampMS   int64
	Discontinuity bool
}

// FrameBufferConfig sizes the reassembly buffer. The wire chunking
// granularity is independent of FrameDuration; the buffer adapts between
// them.
type FrameBufferConfig struct {
	SampleRate    int
	FrameDuration time.Duration
	MaxBuffered   time.Duration
}

func (c FrameBufferConfig) withDefaults() FrameBufferConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 30 * time.Millisecond
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 5 * time.Second
	}
	return c
}

// FrameBuffer reassembles sequenced audio chunks into fixed-duration frames
// and hands them to a single consumer. It is the one point of mutual
// exclusion between the transport read path and the session processing path.
type FrameBuffer struct {
	mu sync.Mutex

	frameBytes int
	maxFrames  int

	pending     []byte
	pendingSeq  int64
	pendingTS   int64
	pendingDisc bool

	queue         []Frame
	highWatermark int64
	closed        bool

	notify chan struct{}
	space  chan struct{}
}

func NewFrameBuffer(cfg FrameBufferConfig) *FrameBuffer {
	cfg = cfg.withDefaults()
	frameBytes := int(cfg.FrameDuration.Seconds()*float64(cfg.SampleRate)) * 2
	maxFrames := int(cfg.MaxBuffered / cfg.FrameDuration)
	if maxFrames < 1 {
		maxFrames = 1
	}
	return &FrameBuffer{
		frameBytes: frameBytes,
		maxFrames:  maxFrames,
		notify:     make(chan struct{}, 1),
		space:      make(chan struct{}, 1),
	}
}

// FrameBytes reports the byte size of one analysis frame.
func (b *FrameBuffer) FrameBytes() int { return b.frameBytes }

// HighWatermark reports the last accepted chunk sequence.
func (b *FrameBuffer) HighWatermark() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.highWatermark
}

// Len reports the number of queued, unconsumed frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Push accepts one chunk. It either queues the whole chunk or rejects it
// unchanged: ErrStaleSequence for a non-advancing sequence, ErrBackpressure
// when queuing it would exceed capacity.
func (b *FrameBuffer) Push(c Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	if c.Sequence <= b.highWatermark {
		return ErrStaleSequence
	}

	gap := b.highWatermark > 0 && c.Sequence != b.highWatermark+1

	// Worst-case frame count this chunk could add, including a padded flush
	// frame when a gap strands partial assembly bytes.
	extra := (len(b.pending) + len(c.PCM)) / b.frameBytes
	if gap && len(b.pending) > 0 {
		extra = 1 + len(c.PCM)/b.frameBytes
	}
	if len(b.queue)+extra > b.maxFrames {
		return ErrBackpressure
	}

	b.highWatermark = c.Sequence
	if gap && len(b.pending) > 0 {
		// Audio before the gap must not be concatenated with audio after it;
		// pad it out as its own frame instead of discarding it.
		padded := make([]byte, b.frameBytes)
		copy(padded, b.pending)
		b.queue = append(b.queue, Frame{
			PCM:         padded,
			Sequence:    b.pendingSeq,
			TimestampMS: b.pendingTS,
		})
		b.pending = nil
	}
	if gap {
		b.pendingDisc = true
	}
	if len(b.pending) == 0 {
		b.pendingSeq = c.Sequence
		b.pendingTS = c.TimestampMS
	}
	b.pending = append(b.pending, c.PCM...)

	for len(b.pending) >= b.frameBytes {
		frame := Frame{
			PCM:           append([]byte(nil), b.pending[:b.frameBytes]...),
			Sequence:      b.pendingSeq,
			TimestampMS:   b.pendingTS,
			Discontinuity: b.pendingDisc,
		}
		b.pendingDisc = false
		b.pending = b.pending[b.frameBytes:]
		b.pendingSeq = c.Sequence
		b.pendingTS = c.TimestampMS
		b.queue = append(b.queue, frame)
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}

	b.kick(b.notify)
	return nil
}

// Pop removes the oldest queued frame. It never blocks; pair with Wait.
func (b *FrameBuffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Frame{}, false
	}
	frame := b.queue[0]
	b.queue = b.queue[1:]
	b.kick(b.space)
	return frame, true
}

// Wait signals when new frames are queued. The channel coalesces wakeups, so
// receivers must drain with Pop until it returns false.
func (b *FrameBuffer) Wait() <-chan struct{} { return b.notify }

// Space signals when capacity has been freed after ErrBackpressure.
func (b *FrameBuffer) Space() <-chan struct{} { return b.space }

// Flush drains all queued frames plus any partial assembly bytes, zero-padded
// into a final frame. Used by stop_listening to force end-of-utterance
// semantics without losing buffered audio.
func (b *FrameBuffer) Flush() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.queue
	b.queue = nil
	if len(b.pending) > 0 {
		padded := make([]byte, b.frameBytes)
		copy(padded, b.pending)
		frames = append(frames, Frame{
			PCM:           padded,
			Sequence:      b.pendingSeq,
			TimestampMS:   b.pendingTS,
			Discontinuity: b.pendingDisc,
		})
		b.pending = nil
		b.pendingDisc = false
	}
	b.kick(b.space)
	return frames
}

// Close rejects further pushes. Queued frames stay readable.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.kick(b.notify)
	b.kick(b.space)
}

func (b *FrameBuffer) kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
