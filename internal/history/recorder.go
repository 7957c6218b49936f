package history

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vango-go/voicesearch/pkg/voicesearch/session"
)

// Recorder turns controller events into journal rows. It is meant to be fed
// from a single goroutine.
type Recorder struct {
	store         *Store
	logger        *slog.Logger
	recordPartial bool

	started map[uuid.UUID]bool
}

// NewRecorder returns a Recorder. Partial queries are journalled only when
// recordPartial is set.
func NewRecorder(store *Store, recordPartial bool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:         store,
		logger:        logger,
		recordPartial: recordPartial,
		started:       make(map[uuid.UUID]bool),
	}
}

// Record writes whatever ev implies. Events of sessions that were never seen
// connecting are ignored.
func (r *Recorder) Record(ctx context.Context, ev session.Event) error {
	if ev.SessionID == uuid.Nil {
		return nil
	}
	switch ev.Type {
	case session.EventStateChanged:
		return r.stateChanged(ctx, ev)
	case session.EventFinalQuerySent:
		if !r.started[ev.SessionID] {
			return nil
		}
		return r.store.QuerySent(ctx, ev.SessionID, ev.Text, false, ev.At)
	case session.EventPartialQuerySent:
		if !r.recordPartial || !r.started[ev.SessionID] {
			return nil
		}
		return r.store.QuerySent(ctx, ev.SessionID, ev.Text, true, ev.At)
	case session.EventResultsReceived:
		if !r.started[ev.SessionID] {
			return nil
		}
		return r.store.ResultsReceived(ctx, ev.SessionID, ev.Results.Answer, len(ev.Results.Results), ev.At)
	}
	return nil
}

func (r *Recorder) stateChanged(ctx context.Context, ev session.Event) error {
	switch ev.State {
	case session.Connected:
		if ev.Previous != session.Connecting {
			return nil
		}
		if err := r.store.SessionStarted(ctx, ev.SessionID, ev.At); err != nil {
			return err
		}
		r.started[ev.SessionID] = true
		r.logger.Debug("history session opened", "session_id", ev.SessionID.String())
	case session.Closed, session.Error:
		if !r.started[ev.SessionID] {
			return nil
		}
		delete(r.started, ev.SessionID)
		return r.store.SessionEnded(ctx, ev.SessionID, ev.State.String(), ev.At)
	}
	return nil
}
