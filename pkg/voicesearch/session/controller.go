// Package session drives one voice-search session: it owns the microphone
// and the channel, and every state change goes through a single mutex.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voicesearch/pkg/core"
	"github.com/vango-go/voicesearch/pkg/entitlement"
	"github.com/vango-go/voicesearch/pkg/voicesearch/bootstrap"
	"github.com/vango-go/voicesearch/pkg/voicesearch/capture"
	"github.com/vango-go/voicesearch/pkg/voicesearch/playback"
	"github.com/vango-go/voicesearch/pkg/voicesearch/throttle"
	"github.com/vango-go/voicesearch/pkg/voicesearch/transport"
)

const (
	DefaultEventBuffer = 256

	captureDrainTimeout = 2 * time.Second
)

// Bootstrapper obtains channel credentials.
type Bootstrapper interface {
	Create(ctx context.Context, req bootstrap.Request) (bootstrap.Credentials, error)
}

// Channel is the outbound half of an open transport channel.
type Channel interface {
	SendAudio(chunk capture.Chunk) bool
	SendSearch(query string, partial bool) error
	Close() error
}

// DialFunc opens a channel whose inbound traffic goes to h.
type DialFunc func(ctx context.Context, url string, h transport.Handler) (Channel, error)

// TransportDialer adapts transport.Dial to a DialFunc.
func TransportDialer(opts transport.Options) DialFunc {
	return func(ctx context.Context, url string, h transport.Handler) (Channel, error) {
		ch, err := transport.Dial(ctx, url, h, opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Metrics receives counters from the controller. *metrics.Metrics
// implements it.
type Metrics interface {
	RecordSessionStart()
	RecordSessionEnd(status string, duration time.Duration)
	RecordBootstrap(outcome string, duration time.Duration)
	RecordChunk(sent bool, bytes int)
	RecordQuery(partial bool)
	RecordFrame(bytes int, err error)
	RecordError(errorType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSessionStart()                    {}
func (nopMetrics) RecordSessionEnd(string, time.Duration) {}
func (nopMetrics) RecordBootstrap(string, time.Duration)  {}
func (nopMetrics) RecordChunk(bool, int)                  {}
func (nopMetrics) RecordQuery(bool)                       {}
func (nopMetrics) RecordFrame(int, error)                 {}
func (nopMetrics) RecordError(string)                     {}

// Config wires a Controller to its collaborators.
type Config struct {
	Gate      entitlement.Gate
	Bootstrap Bootstrapper
	Dial      DialFunc
	Device    capture.Device
	Player    playback.Player

	Capture  capture.Config
	Throttle throttle.Config
	Language string

	EventBuffer int
	Metrics     Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Controller is the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
	events  chan Event

	mu sync.Mutex

	state   State
	session *Session

	// gen identifies the current session epoch. Close and StartSession bump
	// it, so callbacks and async results from an older epoch are dropped.
	gen         uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc

	// turn identifies the current listening turn within an epoch.
	turn      uint64
	acquiring bool
	stopping  bool

	channel     Channel
	stream      *capture.Stream
	queue       *playback.Queue
	throttler   *throttle.Throttler
	connectedAt time.Time

	// dropErr records a channel drop observed before StartSession finished.
	dropErr error
}

// New returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Bootstrap == nil {
		return nil, errors.New("session: bootstrap client is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("session: dial func is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("session: capture device is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = entitlement.Static{}
	}
	if cfg.Player == nil {
		cfg.Player = playback.Discard{}
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	c := &Controller{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		events:  make(chan Event, cfg.EventBuffer),
		state:   Idle,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Events returns the UI event stream. It is never closed; a slow consumer
// loses events rather than stalling the session.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, if any.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Playing reports whether an audio frame is currently audible.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	return q != nil && q.Playing()
}

// StartSession checks entitlement, bootstraps credentials and opens the
// channel. It is allowed from Idle, Error and Closed.
func (c *Controller) StartSession(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Idle, Error, Closed:
	default:
		state := c.state
		c.mu.Unlock()
		return core.NewInvalidStateError("start session", state.String())
	}
	c.gen++
	gen := c.gen
	if c.epochCancel != nil {
		c.epochCancel()
	}
	c.epochCtx, c.epochCancel = context.WithCancel(context.Background())
	epoch := c.epochCtx
	c.dropErr = nil
	c.session = &Session{ID: uuid.New(), CreatedAt: c.now()}
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	opCtx, release := bind(ctx, epoch)
	defer release()
	started := c.now()

	if err := c.cfg.Gate.Check(opCtx); err != nil {
		return c.abortStart(gen, err)
	}

	creds, err := c.cfg.Bootstrap.Create(opCtx, bootstrap.Request{Language: c.cfg.Language})
	if err != nil {
		c.metrics.RecordBootstrap("failed", c.now().Sub(started))
		return c.abortStart(gen, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.state != Connecting {
		c.mu.Unlock()
		c.logger.Debug("discarding bootstrap response for closed session")
		return core.ErrSessionClosed
	}
	c.session.WebSocketURL = creds.WebSocketURL
	c.session.RemoteID = creds.SessionID
	c.mu.Unlock()

	ch, err := c.cfg.Dial(opCtx, creds.WebSocketURL, &channelHandler{c: c, gen: gen})
	if err != nil {
		c.metrics.RecordBootstrap("failed", c.now().Sub(started))
		return c.abortStart(gen, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.state != Connecting {
		c.mu.Unlock()
		c.logger.Debug("closing channel dialed for closed session")
		if cerr := ch.Close(); cerr != nil {
			c.logger.Warn("close late channel failed", "error", cerr)
		}
		return core.ErrSessionClosed
	}
	if dropErr := c.dropErr; dropErr != nil {
		c.dropErr = nil
		c.failLocked(dropErr)
		c.mu.Unlock()
		_ = ch.Close()
		return dropErr
	}
	c.channel = ch
	c.throttler = throttle.New(c.cfg.Throttle, c.now)
	c.queue = playback.NewQueue(c.cfg.Player, &frameObserver{c: c, gen: gen}, c.logger)
	c.connectedAt = c.now()
	c.setStateLocked(Connected)
	c.mu.Unlock()

	c.metrics.RecordBootstrap("ok", c.now().Sub(started))
	c.metrics.RecordSessionStart()
	return nil
}

// abortStart finishes a failed StartSession. Entitlement failures return to
// Idle; everything else is a transport failure and ends in Error.
func (c *Controller) abortStart(gen uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != Connecting {
		return core.ErrSessionClosed
	}

	switch core.TypeOf(err) {
	case core.ErrAuthRequired, core.ErrSubscriptionRequired:
		c.session = nil
		c.reportLocked(err)
		c.setStateLocked(Idle)
		return err
	case core.ErrTransport:
	default:
		err = core.NewTransportError("start session", err)
	}
	c.failLocked(err)
	return err
}

// StartListening acquires the microphone and starts streaming audio. It
// requires Connected. On device failure the state stays Connected and
// nothing stays acquired.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Connected || c.acquiring {
		state := c.state
		c.mu.Unlock()
		return core.NewInvalidStateError("start listening", state.String())
	}
	c.acquiring = true
	c.turn++
	gen, turn := c.gen, c.turn
	epoch := c.epochCtx
	c.throttler.Reset()
	c.mu.Unlock()

	opCtx, release := bind(ctx, epoch)
	defer release()

	media, err := c.cfg.Device.Acquire(opCtx)
	if err != nil {
		if relErr := capture.Release(media); relErr != nil {
			c.logger.Warn("release partially acquired microphone failed", "error", relErr)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return core.ErrSessionClosed
		}
		c.acquiring = false
		switch core.TypeOf(err) {
		case core.ErrPermissionDenied, core.ErrRecording:
		default:
			err = core.NewRecordingError("acquire microphone", err)
		}
		c.reportLocked(err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != Connected || c.turn != turn {
		stale := c.gen != gen
		if !stale {
			c.acquiring = false
		}
		state := c.state
		c.mu.Unlock()
		if relErr := capture.Release(media); relErr != nil {
			c.logger.Warn("release microphone failed", "error", relErr)
		}
		if stale {
			return core.ErrSessionClosed
		}
		return core.NewInvalidStateError("start listening", state.String())
	}
	stream := capture.NewStream(media, c.cfg.Capture, &captureSink{c: c, gen: gen, turn: turn}, c.now)
	c.stream = stream
	c.acquiring = false
	c.stopping = false
	c.setStateLocked(Listening)
	c.mu.Unlock()

	stream.Start()
	return nil
}

// StopListening stops capture and then sends exactly one final search with
// the best transcript. A blank transcript sends nothing, returns
// NoSpeechDetected and goes back to Connected.
func (c *Controller) StopListening() (Outcome, error) {
	c.mu.Lock()
	if c.state != Listening || c.stopping {
		state := c.state
		c.mu.Unlock()
		return Outcome{}, core.NewInvalidStateError("stop listening", state.String())
	}
	c.stopping = true
	gen := c.gen
	stream := c.stream
	c.stream = nil
	// Chunks still in flight from this turn are dropped from here on.
	c.turn++
	c.mu.Unlock()

	if err := stream.Stop(); err != nil {
		c.logger.Warn("stop microphone failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return Outcome{}, core.ErrSessionClosed
	}
	c.stopping = false
	if c.state != Listening {
		// The channel dropped while capture was stopping.
		return Outcome{}, core.NewInvalidStateError("stop listening", c.state.String())
	}

	query := c.throttler.Best()
	if query == "" {
		err := core.NewNoSpeechDetectedError()
		c.reportLocked(err)
		c.setStateLocked(Connected)
		return Outcome{}, err
	}
	if err := c.channel.SendSearch(query, false); err != nil {
		c.failLocked(err)
		c.teardownAsyncLocked()
		return Outcome{}, err
	}
	c.metrics.RecordQuery(false)
	sentAt := c.now()
	c.emitLocked(Event{Type: EventFinalQuerySent, Text: query})
	c.setStateLocked(Processing)
	return Outcome{Query: query, SentAt: sentAt}, nil
}

// Close releases every resource of the current session and ends in Closed.
// It may be called in any state, any number of times, and always returns
// nil; teardown failures are logged.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == Closed && c.channel == nil && c.stream == nil && c.queue == nil {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	if c.epochCancel != nil {
		c.epochCancel()
	}
	wasLive := c.state.live()
	res := c.detachLocked()
	c.acquiring = false
	c.stopping = false
	c.dropErr = nil
	c.setStateLocked(Closed)
	c.session = nil
	connectedFor := c.now().Sub(c.connectedAt)
	c.mu.Unlock()

	res.release(c.logger)
	res.awaitCapture(c.logger)
	if wasLive {
		c.metrics.RecordSessionEnd("closed", connectedFor)
	}
	return nil
}

type resources struct {
	stream  *capture.Stream
	queue   *playback.Queue
	channel Channel
}

// detachLocked swaps out everything the session holds so it can be torn down
// after the mutex is released.
func (c *Controller) detachLocked() resources {
	res := resources{stream: c.stream, queue: c.queue, channel: c.channel}
	c.stream, c.queue, c.channel = nil, nil, nil
	return res
}

// release stops capture, then playback, then the channel. Each step runs
// even if an earlier one failed.
func (r resources) release(logger *slog.Logger) {
	if r.stream != nil {
		if err := r.stream.Stop(); err != nil {
			logger.Warn("stop microphone failed", "error", err)
		}
	}
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			logger.Warn("stop playback failed", "error", err)
		}
	}
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			logger.Warn("close channel failed", "error", err)
		}
	}
}

// awaitCapture waits for a stopped stream's read loop so no capture callback
// outlives Close. It must not run on the capture goroutine itself.
func (r resources) awaitCapture(logger *slog.Logger) {
	if r.stream == nil {
		return
	}
	select {
	case <-r.stream.Done():
	case <-time.After(captureDrainTimeout):
		logger.Warn("microphone read loop still running after close")
	}
}

// failLocked moves a started session to Error and reports err.
func (c *Controller) failLocked(err error) {
	wasLive := c.state.live()
	c.reportLocked(err)
	c.setStateLocked(Error)
	if wasLive {
		c.metrics.RecordSessionEnd("error", c.now().Sub(c.connectedAt))
	}
}

// teardownAsyncLocked detaches the session's resources and releases them on
// another goroutine, for callers that cannot wait while holding the mutex.
func (c *Controller) teardownAsyncLocked() {
	res := c.detachLocked()
	go res.release(c.logger)
}

func (c *Controller) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	if c.session != nil {
		c.session.Status = next
	}
	c.logger.Debug("session state changed", "from", prev.String(), "to", next.String())
	c.emitLocked(Event{Type: EventStateChanged, State: next, Previous: prev})
}

func (c *Controller) reportLocked(err error) {
	if err == nil {
		return
	}
	c.metrics.RecordError(string(core.TypeOf(err)))
	c.emitLocked(Event{Type: EventErrorReported, Err: err})
}

// emitLocked publishes without blocking. It runs under the mutex so events
// keep the order of the state changes that caused them.
func (c *Controller) emitLocked(ev Event) {
	ev.At = c.now()
	if c.session != nil {
		ev.SessionID = c.session.ID
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("dropping session event; consumer is not keeping up", "type", string(ev.Type))
	}
}

// bind derives a context that is cancelled when either parent or the
// session epoch is cancelled.
func bind(parent, epoch context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(epoch, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
