// Package transport owns the single websocket connection of a voice-search
// session.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicesearch/pkg/core"
	"github.com/vango-go/voicesearch/pkg/voicesearch/capture"
	"github.com/vango-go/voicesearch/pkg/voicesearch/protocol"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 20 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultAudioBuffer      = 64
	DefaultPriorityBuffer   = 16
)

var errChannelClosed = errors.New("channel is closed")

// Handler receives inbound traffic. Message is called on the read goroutine
// in arrival order; ChannelClosed is called exactly once, after the last
// Message. err is nil when the channel was closed locally.
type Handler interface {
	Message(msg protocol.ServerMessage)
	ChannelClosed(err error)
}

// Options configures Dial.
type Options struct {
	// Token is sent as a bearer Authorization header when non-empty.
	Token  string
	Header http.Header

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	AudioBuffer      int
	PriorityBuffer   int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Channel is one open websocket to the speech/search service.
type Channel struct {
	conn    *websocket.Conn
	handler Handler
	logger  *slog.Logger

	priority chan []byte
	normal   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	readDone  chan struct{}
	writeDone chan struct{}
}

// Dial opens the channel. Inbound messages flow to handler until the channel
// closes.
func Dial(ctx context.Context, url string, handler Handler, opts Options) (*Channel, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, core.NewTransportError("websocket dial", errors.New("websocket url is required"))
	}
	if handler == nil {
		return nil, errors.New("transport: handler must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AudioBuffer <= 0 {
		opts.AudioBuffer = DefaultAudioBuffer
	}
	if opts.PriorityBuffer <= 0 {
		opts.PriorityBuffer = DefaultPriorityBuffer
	}

	headers := opts.Header.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if token := strings.TrimSpace(opts.Token); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, handshake)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, url, headers)
	if err != nil {
		terr := core.NewTransportError("websocket dial", err)
		if resp != nil {
			terr.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return nil, terr
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:      conn,
		handler:   handler,
		logger:    opts.Logger,
		priority:  make(chan []byte, opts.PriorityBuffer),
		normal:    make(chan []byte, opts.AudioBuffer),
		ctx:       chCtx,
		cancel:    cancel,
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}

	w := &outboundWriter{
		ws:           conn,
		ctx:          chCtx,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		priority:     c.priority,
		normal:       c.normal,
	}
	go c.writeLoop(w)
	go c.readLoop()
	return c, nil
}

// SendAudio queues one chunk. It never blocks: the chunk is dropped and false
// is returned when the channel is closed or the audio lane is full.
func (c *Channel) SendAudio(chunk capture.Chunk) bool {
	if c == nil || c.closed.Load() {
		return false
	}
	payload, err := json.Marshal(protocol.NewClientAudio(chunk.Encode()))
	if err != nil {
		return false
	}
	select {
	case c.normal <- payload:
		return true
	default:
		return false
	}
}

// SendSearch queues a search request ahead of any pending audio.
func (c *Channel) SendSearch(query string, partial bool) error {
	if c == nil || c.closed.Load() {
		return core.NewTransportError("send search", errChannelClosed)
	}
	payload, err := json.Marshal(protocol.NewClientSearch(query, partial))
	if err != nil {
		return core.NewTransportError("send search", err)
	}
	select {
	case c.priority <- payload:
		return nil
	default:
		return core.NewTransportError("send search", errors.New("search lane is full"))
	}
}

// Err returns the error that ended the channel, if any.
func (c *Channel) Err() error {
	if c == nil {
		return nil
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a normal closure, closes the socket and waits for both loops.
// It is safe to call more than once and from Handler.ChannelClosed.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
	})
	<-c.writeDone
	_ = c.conn.Close()
	<-c.readDone
	return nil
}

func (c *Channel) writeLoop(w *outboundWriter) {
	defer close(c.writeDone)
	if err := w.Run(); err != nil {
		c.setErr(core.NewTransportError("websocket write", err))
		c.logger.Warn("websocket write failed", "error", err)
		// Unblock the reader so the handler learns about the drop.
		_ = c.conn.Close()
	}
}

func (c *Channel) readLoop() {
	var closeErr error
	defer func() {
		c.closed.Store(true)
		c.cancel()
		close(c.readDone)
		c.handler.ChannelClosed(closeErr)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil && c.Err() == nil {
				return
			}
			if werr := c.Err(); werr != nil {
				closeErr = werr
				return
			}
			closeErr = core.NewTransportError("websocket read", err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeErr = core.NewTransportError("websocket read", errors.New("closed by server"))
			}
			c.setErr(closeErr)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("skipping malformed frame", "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		c.handler.Message(msg)
	}
}

func (c *Channel) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
