package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/voicesearch/pkg/config"
	"github.com/vango-go/voicesearch/pkg/core"
	"github.com/vango-go/voicesearch/pkg/metrics"
	"github.com/vango-go/voicesearch/pkg/voicesearch/protocol"
	"github.com/vango-go/voicesearch/pkg/voicesearch/session"
)

type fakeController struct {
	mu       sync.Mutex
	state    session.State
	startErr error
	calls    []string
	events   chan session.Event
}

func newFakeController() *fakeController {
	return &fakeController{state: session.Idle, events: make(chan session.Event, 16)}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) StartSession(context.Context) error {
	f.record("start_session")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = session.Idle
		return f.startErr
	}
	f.state = session.Connected
	f.events <- session.Event{Type: session.EventStateChanged, State: session.Connected, Previous: session.Connecting}
	return nil
}

func (f *fakeController) StartListening(context.Context) error {
	f.record("start_listening")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = session.Listening
	return nil
}

func (f *fakeController) StopListening() (session.Outcome, error) {
	f.record("stop_listening")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = session.Connected
	f.events <- session.Event{Type: session.EventFinalQuerySent, Text: "weather in lisbon"}
	return session.Outcome{Query: "weather in lisbon"}, nil
}

func (f *fakeController) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Events() <-chan session.Event { return f.events }

func (f *fakeController) Close() error {
	f.record("close")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = session.Closed
	return nil
}

func (f *fakeController) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// lockedBuffer is written by the command loop and the render loop at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testDeps(ctrl controller) cliDeps {
	return cliDeps{
		loadConfig: func(string) (*config.Config, error) {
			cfg := config.DefaultConfig()
			cfg.BootstrapURL = "https://api.example.com/v1/voice/sessions"
			return cfg, nil
		},
		openHistory: func(context.Context, string) (*pgxpool.Pool, error) {
			return nil, errors.New("history should not be opened")
		},
		newApp: func(*config.Config, *slog.Logger, *metrics.Metrics) (controller, error) {
			return ctrl, nil
		},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	var stderr bytes.Buffer
	deps := testDeps(nil)
	deps.loadConfig = func(string) (*config.Config, error) { return nil, errors.New("boom") }
	deps.newApp = func(*config.Config, *slog.Logger, *metrics.Metrics) (controller, error) {
		t.Fatalf("newApp should not be called when config load fails")
		return nil, nil
	}

	code := runMain(context.Background(), []string{"-env-file", ""}, strings.NewReader(""), &bytes.Buffer{}, &stderr, deps)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunMain_BadFlag(t *testing.T) {
	code := runMain(context.Background(), []string{"-nope"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, testDeps(nil))
	if code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
}

func TestRunMain_TalkSearchQuit(t *testing.T) {
	ctrl := newFakeController()
	var stdout lockedBuffer
	stdin := strings.NewReader("\n\nq\n")

	code := runMain(context.Background(), []string{"-env-file", ""}, stdin, &stdout, &bytes.Buffer{}, testDeps(ctrl))
	if code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}

	want := []string{"start_session", "start_listening", "stop_listening", "close"}
	got := ctrl.snapshot()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls=%v, want %v", got, want)
	}
	out := stdout.String()
	for _, line := range []string{"connected. press Enter and speak.", "? weather in lisbon"} {
		if !strings.Contains(out, line) {
			t.Fatalf("stdout missing %q:\n%s", line, out)
		}
	}
}

func TestRunMain_EntitlementFailureExits(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = core.NewSubscriptionRequiredError("voice search requires an active subscription")
	var stderr bytes.Buffer

	code := runMain(context.Background(), []string{"-env-file", ""}, strings.NewReader(""), &bytes.Buffer{}, &stderr, testDeps(ctrl))
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "active subscription") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestCommandLoop_StopsOnCancel(t *testing.T) {
	ctrl := newFakeController()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- commandLoop(ctx, make(chan string), ctrl, &bytes.Buffer{}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("commandLoop() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("commandLoop ignored cancellation")
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]command{
		"":        cmdToggle,
		"   ":     cmdToggle,
		"q":       cmdQuit,
		"QUIT":    cmdQuit,
		"r":       cmdReconnect,
		"what is": cmdUnknown,
	}
	for in, want := range cases {
		if got := parseCommand(in); got != want {
			t.Fatalf("parseCommand(%q)=%d, want %d", in, got, want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   session.Event
		want string
		ok   bool
	}{
		{
			name: "results",
			ev: session.Event{Type: session.EventResultsReceived, Results: protocol.SearchResultsData{
				Answer:  "Paris is the capital of France.",
				Results: []protocol.SearchResult{{Title: "Paris", URL: "https://en.wikipedia.org/wiki/Paris"}},
			}},
			want: "Paris is the capital of France.\n  1. Paris <https://en.wikipedia.org/wiki/Paris>",
			ok:   true,
		},
		{name: "empty results", ev: session.Event{Type: session.EventResultsReceived}, want: "no results.", ok: true},
		{name: "no speech", ev: session.Event{Type: session.EventErrorReported, Err: core.NewNoSpeechDetectedError()}, want: "! didn't catch that, try again", ok: true},
		{name: "empty transcript", ev: session.Event{Type: session.EventTranscriptUpdated}, ok: false},
		{name: "frame", ev: session.Event{Type: session.EventFrameStarted, FrameSeq: 1}, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := formatEvent(tc.ev)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("formatEvent()=(%q,%v), want (%q,%v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestSetupLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"
	logger := setupLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("log output=%q", buf.String())
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file must be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VS_CLI_TEST_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("VS_CLI_TEST_KEY", "")
	os.Unsetenv("VS_CLI_TEST_KEY")
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile() error: %v", err)
	}
	if got := os.Getenv("VS_CLI_TEST_KEY"); got != "from-file" {
		t.Fatalf("VS_CLI_TEST_KEY=%q", got)
	}
}

func TestBuildMetricsServer(t *testing.T) {
	m := metrics.New("")
	m.RecordQuery(false)
	srv := buildMetricsServer("127.0.0.1:0", m.Handler())

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `voicesearch_search_queries_total{kind="final"} 1`) {
		t.Fatalf("metrics body missing final query counter")
	}
}

func TestBuildGate_StaticWithoutWorkOS(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := buildGate(cfg, slog.Default()).Check(context.Background()); err != nil {
		t.Fatalf("Check() error: %v", err)
	}
}
