// Package playback plays synthesized audio frames strictly in arrival order,
// one at a time.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vango-go/voicesearch/pkg/voicesearch/protocol"
)

// Frame is one queued audio frame. PCM is filled in after decoding, right
// before the frame is handed to the Player.
type Frame struct {
	Seq  int64
	Data string
	PCM  []byte
}

// Player renders a single frame. Play blocks until the frame has finished
// playing or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, frame Frame) error
}

// Observer is told about frame boundaries. Callbacks run on the playing
// goroutine, never under the queue lock.
type Observer interface {
	FrameStarted(Frame)
	// FrameFinished is called once per dequeued frame. err is non-nil when
	// the frame could not be decoded or played.
	FrameFinished(Frame, error)
}

// Queue is a FIFO of pending frames with at most one frame playing.
type Queue struct {
	player   Player
	observer Observer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []Frame
	playing bool
	closed  bool
	seq     int64
}

// NewQueue returns an empty queue. A nil observer is allowed.
func NewQueue(player Player, observer Observer, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		player:   player,
		observer: observer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends base64 frame data to the queue and starts playback when
// idle. It returns false once the queue is closed.
func (q *Queue) Enqueue(data string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.seq++
	q.pending = append(q.pending, Frame{Seq: q.seq, Data: data})
	if q.playing {
		q.mu.Unlock()
		return true
	}
	next := q.popLocked()
	q.playing = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(next)
	return true
}

// Playing reports whether a frame is currently being played.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of frames waiting behind the current one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close cancels the current frame, discards pending frames and waits for the
// playing goroutine to exit. It is safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue) popLocked() Frame {
	f := q.pending[0]
	q.pending[0] = Frame{}
	q.pending = q.pending[1:]
	return f
}

func (q *Queue) run(frame Frame) {
	defer q.wg.Done()
	for {
		q.playOne(frame)

		next, ok := q.dequeueAndPlay()
		if !ok {
			return
		}
		frame = next
	}
}

// dequeueAndPlay runs when a frame finishes and selects the next one.
func (q *Queue) dequeueAndPlay() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		q.playing = false
		return Frame{}, false
	}
	return q.popLocked(), true
}

func (q *Queue) playOne(frame Frame) {
	if q.ctx.Err() != nil {
		return
	}
	pcm, err := protocol.AudioFrame{Data: frame.Data}.Decode()
	if err != nil {
		q.logger.Warn("skipping undecodable audio frame", "seq", frame.Seq, "error", err)
		q.finished(frame, err)
		return
	}
	frame.PCM = pcm

	if q.observer != nil {
		q.observer.FrameStarted(frame)
	}
	err = q.player.Play(q.ctx, frame)
	if q.ctx.Err() != nil {
		// Cancelled by Close; the frame was cut short on purpose.
		return
	}
	if err != nil {
		q.logger.Warn("audio frame playback failed", "seq", frame.Seq, "error", err)
	}
	q.finished(frame, err)
}

func (q *Queue) finished(frame Frame, err error) {
	if q.observer != nil {
		q.observer.FrameFinished(frame, err)
	}
}

// Discard is a Player that drops every frame immediately.
type Discard struct{}

func (Discard) Play(context.Context, Frame) error { return nil }
