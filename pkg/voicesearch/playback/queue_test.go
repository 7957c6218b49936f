package playback

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicesearch/pkg/core"
)

// gatedPlayer blocks each Play until the test releases it.
type gatedPlayer struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	played  []string

	started chan Frame
	release chan struct{}
}

func newGatedPlayer() *gatedPlayer {
	return &gatedPlayer{
		started: make(chan Frame, 16),
		release: make(chan struct{}),
	}
}

func (p *gatedPlayer) Play(ctx context.Context, f Frame) error {
	p.mu.Lock()
	p.active++
	if p.active > p.maxSeen {
		p.maxSeen = p.active
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	p.started <- f
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.played = append(p.played, string(f.PCM))
	p.mu.Unlock()
	return nil
}

func (p *gatedPlayer) snapshot() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...), p.maxSeen
}

type recordingObserver struct {
	mu       sync.Mutex
	events   []string
	finished chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(chan error, 16)}
}

func (o *recordingObserver) FrameStarted(f Frame) {
	o.mu.Lock()
	o.events = append(o.events, "start:"+string(f.PCM))
	o.mu.Unlock()
}

func (o *recordingObserver) FrameFinished(f Frame, err error) {
	o.mu.Lock()
	o.events = append(o.events, "finish:"+string(f.PCM))
	o.mu.Unlock()
	o.finished <- err
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func enc(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func waitStarted(t *testing.T, p *gatedPlayer) Frame {
	t.Helper()
	select {
	case f := <-p.started:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame to start")
	}
	return Frame{}
}

func waitFinished(t *testing.T, o *recordingObserver) error {
	t.Helper()
	select {
	case err := <-o.finished:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame to finish")
	}
	return nil
}

func TestQueue_PlaysQueuedFramesInOrderOneAtATime(t *testing.T) {
	player := newGatedPlayer()
	obs := newRecordingObserver()
	q := NewQueue(player, obs, nil)
	defer q.Close()

	for _, f := range []string{"F1", "F2", "F3"} {
		if !q.Enqueue(enc(f)) {
			t.Fatalf("Enqueue(%s) rejected", f)
		}
	}

	for _, want := range []string{"F1", "F2", "F3"} {
		f := waitStarted(t, player)
		if string(f.PCM) != want {
			t.Fatalf("started %q, want %q", f.PCM, want)
		}
		if !q.Playing() {
			t.Fatalf("Playing() must be true while %s plays", want)
		}
		player.release <- struct{}{}
		if err := waitFinished(t, obs); err != nil {
			t.Fatalf("finish %s err=%v", want, err)
		}
	}

	played, maxSeen := player.snapshot()
	if strings.Join(played, ",") != "F1,F2,F3" {
		t.Fatalf("played=%v", played)
	}
	if maxSeen != 1 {
		t.Fatalf("max concurrent frames=%d, want 1", maxSeen)
	}
	want := "start:F1,finish:F1,start:F2,finish:F2,start:F3,finish:F3"
	if got := strings.Join(obs.snapshot(), ","); got != want {
		t.Fatalf("events=%s\nwant   %s", got, want)
	}

	deadline := time.Now().Add(time.Second)
	for q.Playing() {
		if time.Now().After(deadline) {
			t.Fatalf("queue still playing after draining")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_FrameArrivingMidPlaybackWaits(t *testing.T) {
	player := newGatedPlayer()
	obs := newRecordingObserver()
	q := NewQueue(player, obs, nil)
	defer q.Close()

	q.Enqueue(enc("F1"))
	waitStarted(t, player)
	q.Enqueue(enc("F2"))

	select {
	case f := <-player.started:
		t.Fatalf("%s started while F1 was still playing", f.PCM)
	case <-time.After(50 * time.Millisecond):
	}
	if q.Len() != 1 {
		t.Fatalf("Len()=%d, want 1", q.Len())
	}

	player.release <- struct{}{}
	waitFinished(t, obs)
	if f := waitStarted(t, player); string(f.PCM) != "F2" {
		t.Fatalf("next frame=%q, want F2", f.PCM)
	}
	player.release <- struct{}{}
	waitFinished(t, obs)
}

func TestQueue_DecodeErrorIsReportedAndSkipped(t *testing.T) {
	player := newGatedPlayer()
	obs := newRecordingObserver()
	q := NewQueue(player, obs, nil)
	defer q.Close()

	q.Enqueue("%%%not-base64")
	q.Enqueue(enc("F2"))

	err := waitFinished(t, obs)
	if !core.IsType(err, core.ErrDecode) {
		t.Fatalf("first frame err=%v, want decode_error", err)
	}
	if f := waitStarted(t, player); string(f.PCM) != "F2" {
		t.Fatalf("next frame=%q, want F2", f.PCM)
	}
	player.release <- struct{}{}
	if err := waitFinished(t, obs); err != nil {
		t.Fatalf("F2 err=%v", err)
	}
}

func TestQueue_CloseCancelsCurrentAndDiscardsRest(t *testing.T) {
	player := newGatedPlayer()
	obs := newRecordingObserver()
	q := NewQueue(player, obs, nil)

	q.Enqueue(enc("F1"))
	q.Enqueue(enc("F2"))
	q.Enqueue(enc("F3"))
	waitStarted(t, player)

	done := make(chan struct{})
	go func() {
		_ = q.Close()
		_ = q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}

	if q.Playing() || q.Len() != 0 {
		t.Fatalf("queue not drained after close: playing=%v len=%d", q.Playing(), q.Len())
	}
	if q.Enqueue(enc("F4")) {
		t.Fatalf("Enqueue after close must be rejected")
	}
	played, _ := player.snapshot()
	if len(played) != 0 {
		t.Fatalf("played=%v, want nothing completed", played)
	}
	if events := obs.snapshot(); len(events) != 1 || events[0] != "start:F1" {
		t.Fatalf("events=%v", events)
	}
}

func TestFFplayArgs(t *testing.T) {
	args := strings.Join(ffplayArgs(FFplayPlayer{}), " ")
	for _, want := range []string{"-autoexit", "-f s16le", "-ch_layout mono", "-ar 24000", "-i -"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
	args = strings.Join(ffplayArgs(FFplayPlayer{Channels: 2, SampleRateHz: 16000}), " ")
	if !strings.Contains(args, "-ch_layout stereo") || !strings.Contains(args, "-ar 16000") {
		t.Fatalf("args=%q", args)
	}
}
