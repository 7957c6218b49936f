package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voicesearch/pkg/voicesearch/protocol"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Listening
	Processing
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// live reports whether a channel is open in this state.
func (s State) live() bool {
	return s == Connected || s == Listening || s == Processing
}

// Session describes the current connection.
type Session struct {
	ID uuid.UUID
	// RemoteID is the session id assigned by the bootstrap endpoint, if any.
	RemoteID     string
	Status       State
	CreatedAt    time.Time
	WebSocketURL string
}

// EventType names an Event.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventTranscriptUpdated EventType = "transcript_updated"
	EventPartialQuerySent  EventType = "partial_query_sent"
	EventFinalQuerySent    EventType = "final_query_sent"
	EventResultsReceived   EventType = "results_received"
	EventErrorReported     EventType = "error_reported"
	EventFrameStarted      EventType = "frame_started"
	EventFrameFinished     EventType = "frame_finished"
)

// Event is published on Controller.Events for the UI.
type Event struct {
	Type      EventType
	SessionID uuid.UUID
	At        time.Time

	// StateChanged
	State    State
	Previous State

	// TranscriptUpdated carries the full transcript; PartialQuerySent and
	// FinalQuerySent carry the query.
	Text string

	// ResultsReceived
	Results protocol.SearchResultsData

	// ErrorReported, and FrameFinished when the frame failed.
	Err error

	// FrameStarted and FrameFinished
	FrameSeq int64
}

// Outcome is returned by a successful StopListening.
type Outcome struct {
	Query  string
	SentAt time.Time
}
