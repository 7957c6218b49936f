package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicesearch/pkg/core"
	"github.com/vango-go/voicesearch/pkg/voicesearch/bootstrap"
	"github.com/vango-go/voicesearch/pkg/voicesearch/capture"
	"github.com/vango-go/voicesearch/pkg/voicesearch/playback"
	"github.com/vango-go/voicesearch/pkg/voicesearch/protocol"
	"github.com/vango-go/voicesearch/pkg/voicesearch/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeBootstrap optionally blocks until released. When ignoreCtx is set it
// keeps blocking after cancellation, modelling a response that arrives late.
type fakeBootstrap struct {
	mu        sync.Mutex
	calls     int
	creds     bootstrap.Credentials
	err       error
	block     chan struct{}
	entered   chan struct{}
	ignoreCtx bool
}

func (b *fakeBootstrap) Create(ctx context.Context, _ bootstrap.Request) (bootstrap.Credentials, error) {
	b.mu.Lock()
	b.calls++
	block, entered := b.block, b.entered
	b.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		if b.ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return bootstrap.Credentials{}, core.NewTransportError("session bootstrap", ctx.Err())
			}
		}
	}
	if b.err != nil {
		return bootstrap.Credentials{}, b.err
	}
	creds := b.creds
	if creds.WebSocketURL == "" {
		creds.WebSocketURL = "wss://voice.example.com/v1/voice"
	}
	return creds, nil
}

func (b *fakeBootstrap) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type sentSearch struct {
	query   string
	partial bool
}

type fakeChannel struct {
	mu       sync.Mutex
	chunks   []capture.Chunk
	searches []sentSearch
	closes   int
	full     bool
	chunkCh  chan capture.Chunk
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{chunkCh: make(chan capture.Chunk, 64)}
}

func (f *fakeChannel) SendAudio(chunk capture.Chunk) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 || f.full {
		return false
	}
	f.chunks = append(f.chunks, chunk)
	select {
	case f.chunkCh <- chunk:
	default:
	}
	return true
}

func (f *fakeChannel) SendSearch(query string, partial bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return core.NewTransportError("send search", io.ErrClosedPipe)
	}
	f.searches = append(f.searches, sentSearch{query: query, partial: partial})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) snapshot() ([]capture.Chunk, []sentSearch, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capture.Chunk(nil), f.chunks...), append([]sentSearch(nil), f.searches...), f.closes
}

// fakeDialer hands out one fakeChannel per dial and keeps the handler so
// tests can inject inbound traffic. With block set, a dial ignores
// cancellation and completes only once block is closed.
type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	err      error
	block    chan struct{}
	entered  chan struct{}
	channels []*fakeChannel
	handlers []transport.Handler
}

func (d *fakeDialer) Dial(_ context.Context, _ string, h transport.Handler) (Channel, error) {
	d.mu.Lock()
	block, entered := d.block, d.entered
	d.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	d.handlers = append(d.handlers, h)
	return ch, nil
}

func (d *fakeDialer) last() (*fakeChannel, transport.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil, nil
	}
	return d.channels[len(d.channels)-1], d.handlers[len(d.handlers)-1]
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeTrack struct {
	mu     sync.Mutex
	stops  int
	onStop func()
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stops++
	first := t.stops == 1
	t.mu.Unlock()
	if first && t.onStop != nil {
		t.onStop()
	}
	return nil
}

func (t *fakeTrack) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeMedia struct {
	r      io.Reader
	tracks []capture.Track
}

func (m *fakeMedia) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *fakeMedia) Tracks() []capture.Track    { return m.tracks }

// fakeDevice hands out pipe-backed media; stopping the track closes the pipe
// the way killing ffmpeg closes its stdout. With block set, acquisition
// ignores cancellation and completes only once block is closed.
type fakeDevice struct {
	mu      sync.Mutex
	calls   int
	err     error
	partial *fakeTrack
	block   chan struct{}
	entered chan struct{}
	writers []*io.PipeWriter
	tracks  []*fakeTrack
}

func (d *fakeDevice) Acquire(ctx context.Context) (capture.Media, error) {
	d.mu.Lock()
	block, entered := d.block, d.entered
	d.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		if d.partial != nil {
			return &fakeMedia{r: eofReader{}, tracks: []capture.Track{d.partial}}, d.err
		}
		return nil, d.err
	}
	if err := ctx.Err(); err != nil && block == nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	track := &fakeTrack{onStop: func() { _ = pr.CloseWithError(io.ErrClosedPipe) }}
	d.writers = append(d.writers, pw)
	d.tracks = append(d.tracks, track)
	return &fakeMedia{r: pr, tracks: []capture.Track{track}}, nil
}

func (d *fakeDevice) lastWriter() *io.PipeWriter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writers[len(d.writers)-1]
}

func (d *fakeDevice) lastTrack() *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracks[len(d.tracks)-1]
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// gatedPlayer blocks each frame until released.
type gatedPlayer struct {
	started chan string
	release chan struct{}
}

func newGatedPlayer() *gatedPlayer {
	return &gatedPlayer{started: make(chan string, 8), release: make(chan struct{})}
}

func (p *gatedPlayer) Play(ctx context.Context, f playback.Frame) error {
	p.started <- string(f.PCM)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	t      *testing.T
	ctrl   *Controller
	clock  *fakeClock
	boot   *fakeBootstrap
	dialer *fakeDialer
	device *fakeDevice
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  newFakeClock(),
		boot:   &fakeBootstrap{},
		dialer: &fakeDialer{},
		device: &fakeDevice{},
	}
	cfg := Config{
		Bootstrap: h.boot,
		Dial:      h.dialer.Dial,
		Device:    h.device,
		Capture: capture.Config{
			SliceDuration: 10 * time.Millisecond,
			Format:        capture.Format{SampleRateHz: 16000, Channels: 1, BytesPerSample: 2},
		},
		Now: h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Close() })
	return h
}

func (h *harness) connect() (*fakeChannel, transport.Handler) {
	h.t.Helper()
	if err := h.ctrl.StartSession(context.Background()); err != nil {
		h.t.Fatalf("StartSession() error: %v", err)
	}
	if got := h.ctrl.State(); got != Connected {
		h.t.Fatalf("state=%s, want connected", got)
	}
	return h.dialer.last()
}

func (h *harness) listen() {
	h.t.Helper()
	if err := h.ctrl.StartListening(context.Background()); err != nil {
		h.t.Fatalf("StartListening() error: %v", err)
	}
	if got := h.ctrl.State(); got != Listening {
		h.t.Fatalf("state=%s, want listening", got)
	}
}

// waitEvent drains events until one matches.
func (h *harness) waitEvent(match func(Event) bool) Event {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.ctrl.Events():
			if match(ev) {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for event")
			return Event{}
		}
	}
}

func (h *harness) drainEvents() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.ctrl.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func transcription(text string) protocol.ServerMessage { return protocol.Transcription{Text: text} }
