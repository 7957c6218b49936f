package session

import (
	"strings"

	"github.com/vango-go/voicesearch/pkg/core"
	"github.com/vango-go/voicesearch/pkg/voicesearch/capture"
	"github.com/vango-go/voicesearch/pkg/voicesearch/playback"
	"github.com/vango-go/voicesearch/pkg/voicesearch/protocol"
)

// event is anything arriving asynchronously from the channel, the
// microphone or the playback queue. Every event names the epoch it belongs
// to.
type event interface {
	epoch() uint64
}

type inboundMessage struct {
	gen uint64
	msg protocol.ServerMessage
}

type channelDropped struct {
	gen uint64
	err error
}

type chunkCaptured struct {
	gen   uint64
	turn  uint64
	chunk capture.Chunk
}

type captureFailed struct {
	gen  uint64
	turn uint64
	err  error
}

type frameStarted struct {
	gen   uint64
	frame playback.Frame
}

type frameFinished struct {
	gen   uint64
	frame playback.Frame
	err   error
}

func (e inboundMessage) epoch() uint64 { return e.gen }
func (e channelDropped) epoch() uint64 { return e.gen }
func (e chunkCaptured) epoch() uint64  { return e.gen }
func (e captureFailed) epoch() uint64  { return e.gen }
func (e frameStarted) epoch() uint64   { return e.gen }
func (e frameFinished) epoch() uint64  { return e.gen }

// dispatch is the single entry point for asynchronous events. Events from an
// older epoch are discarded. Sends are non-blocking enqueues; anything that
// waits is released after the mutex.
func (c *Controller) dispatch(ev event) {
	var teardown resources

	c.mu.Lock()
	if ev.epoch() != c.gen || c.state == Closed {
		c.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case inboundMessage:
		c.handleMessageLocked(e.msg)
	case channelDropped:
		teardown = c.handleDropLocked(e.err)
	case chunkCaptured:
		if c.state != Listening || e.turn != c.turn || c.channel == nil {
			break
		}
		sent := c.channel.SendAudio(e.chunk)
		c.metrics.RecordChunk(sent, len(e.chunk.Payload))
		if !sent {
			c.logger.Debug("audio chunk dropped", "seq", e.chunk.Seq)
		}
	case captureFailed:
		if c.state != Listening || e.turn != c.turn {
			break
		}
		teardown.stream = c.stream
		c.stream = nil
		c.turn++
		c.reportLocked(e.err)
		c.setStateLocked(Connected)
	case frameStarted:
		c.emitLocked(Event{Type: EventFrameStarted, FrameSeq: e.frame.Seq})
	case frameFinished:
		c.metrics.RecordFrame(len(e.frame.PCM), e.err)
		if e.err != nil && core.IsType(e.err, core.ErrDecode) {
			c.reportLocked(e.err)
		}
		c.emitLocked(Event{Type: EventFrameFinished, FrameSeq: e.frame.Seq, Err: e.err})
	}
	c.mu.Unlock()

	teardown.release(c.logger)
}

func (c *Controller) handleMessageLocked(msg protocol.ServerMessage) {
	if !c.state.live() {
		c.logger.Debug("ignoring message outside a live session", "type", msg.MessageType(), "state", c.state.String())
		return
	}

	switch m := msg.(type) {
	case protocol.Transcription:
		c.throttler.Update(m.Text)
		c.transcriptUpdatedLocked()
	case protocol.TextDelta:
		c.throttler.Append(m.Text)
		c.transcriptUpdatedLocked()
	case protocol.AudioFrame:
		if c.queue != nil && !c.queue.Enqueue(m.Data) {
			c.logger.Debug("audio frame arrived after playback closed")
		}
	case protocol.SearchResults:
		c.throttler.Ack()
		c.emitLocked(Event{Type: EventResultsReceived, Results: m.Data})
		if c.state == Processing {
			c.setStateLocked(Connected)
		}
	case protocol.ServerError:
		text := strings.TrimSpace(m.Error)
		if text == "" {
			text = "search service reported an error"
		}
		c.reportLocked(core.NewServerError(text))
		if c.state == Processing {
			c.setStateLocked(Connected)
		}
	}
}

// transcriptUpdatedLocked publishes the transcript and, while listening,
// asks the throttler whether a partial search is due.
func (c *Controller) transcriptUpdatedLocked() {
	c.emitLocked(Event{Type: EventTranscriptUpdated, Text: c.throttler.Best()})
	if c.state != Listening || c.stopping {
		return
	}
	query, ok := c.throttler.Evaluate()
	if !ok {
		return
	}
	if err := c.channel.SendSearch(query, true); err != nil {
		c.logger.Warn("partial search not sent", "error", err)
		return
	}
	c.metrics.RecordQuery(true)
	c.emitLocked(Event{Type: EventPartialQuerySent, Text: query})
}

// handleDropLocked reacts to the channel ending on its own.
func (c *Controller) handleDropLocked(err error) resources {
	if err == nil {
		err = core.NewTransportError("websocket read", nil)
	}
	if !core.IsType(err, core.ErrTransport) {
		err = core.NewTransportError("websocket read", err)
	}
	switch {
	case c.state == Connecting:
		c.dropErr = err
		return resources{}
	case c.state.live():
		c.turn++
		res := c.detachLocked()
		c.failLocked(err)
		return res
	default:
		return resources{}
	}
}

// channelHandler adapts transport callbacks to dispatch.
type channelHandler struct {
	c   *Controller
	gen uint64
}

func (h *channelHandler) Message(msg protocol.ServerMessage) {
	h.c.dispatch(inboundMessage{gen: h.gen, msg: msg})
}

func (h *channelHandler) ChannelClosed(err error) {
	h.c.dispatch(channelDropped{gen: h.gen, err: err})
}

// captureSink adapts capture callbacks to dispatch.
type captureSink struct {
	c    *Controller
	gen  uint64
	turn uint64
}

func (s *captureSink) ChunkCaptured(chunk capture.Chunk) {
	s.c.dispatch(chunkCaptured{gen: s.gen, turn: s.turn, chunk: chunk})
}

func (s *captureSink) CaptureFailed(err error) {
	s.c.dispatch(captureFailed{gen: s.gen, turn: s.turn, err: err})
}

// frameObserver adapts playback callbacks to dispatch.
type frameObserver struct {
	c   *Controller
	gen uint64
}

func (o *frameObserver) FrameStarted(f playback.Frame) {
	o.c.dispatch(frameStarted{gen: o.gen, frame: f})
}

func (o *frameObserver) FrameFinished(f playback.Frame, err error) {
	o.c.dispatch(frameFinished{gen: o.gen, frame: f, err: err})
}
