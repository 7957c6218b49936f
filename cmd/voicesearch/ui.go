package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/voicesearch/internal/history"
	"github.com/vango-go/voicesearch/pkg/core"
	"github.com/vango-go/voicesearch/pkg/voicesearch/session"
)

type command int

const (
	cmdToggle command = iota
	cmdReconnect
	cmdQuit
	cmdUnknown
)

func parseCommand(line string) command {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return cmdToggle
	case "r", "reconnect":
		return cmdReconnect
	case "q", "quit", "exit":
		return cmdQuit
	default:
		return cmdUnknown
	}
}

// commandLoop connects once, then maps each stdin line onto the controller.
// Only an entitlement failure on the first connect ends the loop with an
// error; everything else is printed and the user may retry.
func commandLoop(ctx context.Context, lines <-chan string, ctrl controller, out io.Writer) error {
	fmt.Fprintln(out, "connecting...")
	if err := ctrl.StartSession(ctx); err != nil {
		if core.IsType(err, core.ErrAuthRequired) || core.IsType(err, core.ErrSubscriptionRequired) {
			return err
		}
		fmt.Fprintln(out, "press Enter to retry")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch parseCommand(line) {
			case cmdQuit:
				return nil
			case cmdReconnect:
				_ = ctrl.Close()
				printUnreported(out, ctrl.StartSession(ctx))
			case cmdToggle:
				toggle(ctx, ctrl, out)
			default:
				fmt.Fprintln(out, "commands: Enter = talk / search, r = reconnect, q = quit")
			}
		}
	}
}

func toggle(ctx context.Context, ctrl controller, out io.Writer) {
	var err error
	switch ctrl.State() {
	case session.Connected:
		err = ctrl.StartListening(ctx)
	case session.Listening:
		_, err = ctrl.StopListening()
	case session.Idle, session.Error, session.Closed:
		err = ctrl.StartSession(ctx)
	default:
		fmt.Fprintf(out, "busy (%s)\n", ctrl.State())
		return
	}
	printUnreported(out, err)
}

// printUnreported prints errors the controller does not publish as events.
func printUnreported(out io.Writer, err error) {
	if err == nil || errors.Is(err, core.ErrSessionClosed) {
		return
	}
	if core.IsType(err, core.ErrInvalidState) {
		fmt.Fprintf(out, "! %s\n", describeError(err))
	}
}

// renderLoop prints events until stop is closed, then drains what is
// already buffered so the final state change is not lost.
func renderLoop(stop <-chan struct{}, events <-chan session.Event, out io.Writer, recorder *history.Recorder, logger *slog.Logger) {
	handle := func(ev session.Event) {
		if line, ok := formatEvent(ev); ok {
			fmt.Fprintln(out, line)
		}
		if recorder == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.Record(ctx, ev); err != nil {
			logger.Warn("search history write failed", "event", string(ev.Type), "error", err)
		}
	}

	for {
		select {
		case ev := <-events:
			handle(ev)
		case <-stop:
			for {
				select {
				case ev := <-events:
					handle(ev)
				default:
					return
				}
			}
		}
	}
}

func formatEvent(ev session.Event) (string, bool) {
	switch ev.Type {
	case session.EventStateChanged:
		switch ev.State {
		case session.Connected:
			if ev.Previous == session.Connecting {
				return "connected. press Enter and speak.", true
			}
			return "ready.", true
		case session.Listening:
			return "listening... press Enter to search.", true
		case session.Processing:
			return "searching...", true
		case session.Error:
			return "disconnected. press Enter to reconnect.", true
		}
		return "", false
	case session.EventTranscriptUpdated:
		if ev.Text == "" {
			return "", false
		}
		return "  > " + ev.Text, true
	case session.EventPartialQuerySent:
		return "  ~ " + ev.Text, true
	case session.EventFinalQuerySent:
		return "? " + ev.Text, true
	case session.EventResultsReceived:
		var b strings.Builder
		if ev.Results.Answer != "" {
			b.WriteString(ev.Results.Answer)
		}
		for i, r := range ev.Results.Results {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "  %d. %s", i+1, r.Title)
			if r.URL != "" {
				fmt.Fprintf(&b, " <%s>", r.URL)
			}
		}
		if b.Len() == 0 {
			return "no results.", true
		}
		return b.String(), true
	case session.EventErrorReported:
		return "! " + describeError(ev.Err), true
	}
	return "", false
}

func describeError(err error) string {
	if err == nil {
		return ""
	}
	switch core.TypeOf(err) {
	case core.ErrAuthRequired:
		return "sign in required: " + messageOf(err)
	case core.ErrSubscriptionRequired:
		return "subscription required: " + messageOf(err)
	case core.ErrPermissionDenied:
		return "microphone access denied: " + messageOf(err)
	case core.ErrNoSpeechDetected:
		return "didn't catch that, try again"
	}
	return err.Error()
}

func messageOf(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}
