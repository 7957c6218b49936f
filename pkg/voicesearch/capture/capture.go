// Package capture turns a microphone device into an ordered sequence of
// fixed-duration audio chunks.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/voicesearch/pkg/core"
)

const (
	DefaultSampleRateHz  = 16000
	DefaultSliceDuration = 250 * time.Millisecond
)

// Chunk is one captured slice of microphone audio.
type Chunk struct {
	Seq        int64
	Payload    []byte
	CapturedAt time.Time
}

// Encode returns the transport-safe representation of the payload.
func (c Chunk) Encode() string {
	return base64.StdEncoding.EncodeToString(c.Payload)
}

// Format describes raw PCM produced by a device.
type Format struct {
	SampleRateHz   int
	Channels       int
	BytesPerSample int
}

func (f Format) withDefaults() Format {
	if f.SampleRateHz <= 0 {
		f.SampleRateHz = DefaultSampleRateHz
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if f.BytesPerSample <= 0 {
		f.BytesPerSample = 2
	}
	return f
}

// BytesFor returns the number of bytes covering d of audio.
func (f Format) BytesFor(d time.Duration) int {
	f = f.withDefaults()
	bytesPerSecond := int64(f.SampleRateHz * f.Channels * f.BytesPerSample)
	n := int(bytesPerSecond * int64(d) / int64(time.Second))
	frame := f.Channels * f.BytesPerSample
	if n < frame {
		return frame
	}
	return n - n%frame
}

// Track is one live resource obtained from a device. Every track must be
// stopped, or the host keeps its capture indicator on.
type Track interface {
	Stop() error
}

// Media is an acquired microphone: a PCM reader plus the tracks backing it.
type Media interface {
	io.Reader
	Tracks() []Track
}

// Device acquires microphone media.
type Device interface {
	Acquire(ctx context.Context) (Media, error)
}

// Sink receives chunks in capture order from a single goroutine.
type Sink interface {
	ChunkCaptured(Chunk)
	CaptureFailed(error)
}

// Release stops every track of media, continuing past failures.
func Release(media Media) error {
	if media == nil {
		return nil
	}
	var errs []error
	for _, track := range media.Tracks() {
		if track == nil {
			continue
		}
		if err := track.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config controls chunking.
type Config struct {
	SliceDuration time.Duration
	Format        Format
}

// Stream reads media in fixed slices and forwards each slice as a Chunk.
type Stream struct {
	media Media
	sink  Sink
	now   func() time.Time

	chunkBytes int
	seq        int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	stopErr   error
	done      chan struct{}
}

// NewStream prepares a stream over already acquired media.
func NewStream(media Media, cfg Config, sink Sink, now func() time.Time) *Stream {
	if cfg.SliceDuration <= 0 {
		cfg.SliceDuration = DefaultSliceDuration
	}
	if now == nil {
		now = time.Now
	}
	return &Stream{
		media:      media,
		sink:       sink,
		now:        now,
		chunkBytes: cfg.Format.BytesFor(cfg.SliceDuration),
		done:       make(chan struct{}),
	}
}

// Start begins reading. Calling Start more than once has no effect.
func (s *Stream) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop stops every track exactly once. It does not wait for the read loop,
// so it is safe to call while the sink is busy.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.stopErr = Release(s.media)
	})
	return s.stopErr
}

// Done is closed when the read loop exits.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) run() {
	defer close(s.done)

	for {
		payload := make([]byte, s.chunkBytes)
		n, err := io.ReadFull(s.media, payload)
		if s.stopped.Load() {
			return
		}
		if n > 0 {
			s.seq++
			s.sink.ChunkCaptured(Chunk{
				Seq:        s.seq,
				Payload:    payload[:n],
				CapturedAt: s.now(),
			})
		}
		if err == nil {
			continue
		}
		if s.stopped.Load() {
			return
		}
		var coreErr *core.Error
		switch {
		case errors.As(err, &coreErr):
			s.sink.CaptureFailed(err)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.sink.CaptureFailed(core.NewRecordingError("microphone stream ended", err))
		default:
			s.sink.CaptureFailed(core.NewRecordingError("read microphone", err))
		}
		return
	}
}
