package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voicesearch/pkg/core"
)

const (
	stderrTailBytes = 4096

	// exitGrace bounds how long a read that hit EOF waits for ffmpeg to exit.
	exitGrace = 2 * time.Second
)

// FFmpegDevice captures the default microphone through an ffmpeg child
// process writing s16le PCM to stdout.
type FFmpegDevice struct {
	Path   string
	Input  string
	Format Format

	// GOOS defaults to runtime.GOOS.
	GOOS string
}

// Acquire starts ffmpeg. The returned media owns the process; stopping its
// track kills and reaps it.
func (d FFmpegDevice) Acquire(ctx context.Context) (Media, error) {
	path := strings.TrimSpace(d.Path)
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, core.NewRecordingError("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)", err)
	}
	goos := d.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	args, err := ffmpegCaptureArgs(goos, d.Input, d.Format.withDefaults())
	if err != nil {
		return nil, core.NewRecordingError("no capture device", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, core.NewRecordingError("open ffmpeg stdout", err)
	}
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd := exec.Command(path, args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr
	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdoutR.Close()
		if errors.Is(err, fs.ErrPermission) {
			return nil, core.NewPermissionDeniedError("microphone access refused", err)
		}
		return nil, core.NewRecordingError("start ffmpeg mic capture", err)
	}

	media := &ffmpegMedia{
		stdout: bufio.NewReader(stdoutR),
		stderr: stderr,
		track:  startProcessTrack(cmd, stdoutR),
	}
	if err := media.awaitAudio(ctx); err != nil {
		_ = media.track.Stop()
		return nil, err
	}
	return media, nil
}

// awaitAudio blocks until ffmpeg produces its first byte of audio. A device
// that refuses access makes ffmpeg exit before that, so the refusal surfaces
// here instead of on the first read.
func (m *ffmpegMedia) awaitAudio(ctx context.Context) error {
	peeked := make(chan error, 1)
	go func() {
		_, err := m.stdout.Peek(1)
		peeked <- err
	}()

	var err error
	select {
	case err = <-peeked:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	select {
	case <-m.track.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if denied := m.denied(err); denied != nil {
		return denied
	}
	if tail := strings.TrimSpace(m.stderr.String()); tail != "" {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	return core.NewRecordingError("ffmpeg exited before producing audio", err)
}

func ffmpegCaptureArgs(goos, input string, format Format) ([]string, error) {
	input = strings.TrimSpace(input)
	var source []string
	switch goos {
	case "darwin":
		if input == "" {
			input = ":0"
		}
		source = []string{"-f", "avfoundation", "-i", input}
	case "linux":
		if input == "" {
			input = "default"
		}
		source = []string{"-f", "pulse", "-i", input}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, source...)
	args = append(args,
		"-ac", fmt.Sprintf("%d", format.Channels),
		"-ar", fmt.Sprintf("%d", format.SampleRateHz),
		"-f", "s16le", "-",
	)
	return args, nil
}

type ffmpegMedia struct {
	stdout *bufio.Reader
	stderr *tailBuffer
	track  *processTrack
}

// Read returns PCM from ffmpeg. Once stdout ends, stderr is only inspected
// after the process has been reaped, since until then it may be incomplete.
func (m *ffmpegMedia) Read(p []byte) (int, error) {
	n, err := m.stdout.Read(p)
	if err != nil && n == 0 {
		select {
		case <-m.track.exited:
		case <-time.After(exitGrace):
			return 0, err
		}
		if denied := m.denied(err); denied != nil {
			return 0, denied
		}
	}
	return n, err
}

func (m *ffmpegMedia) denied(cause error) error {
	if permissionDenied(m.stderr.String()) {
		return core.NewPermissionDeniedError("microphone access refused", cause)
	}
	return nil
}

func (m *ffmpegMedia) Tracks() []Track {
	return []Track{m.track}
}

func permissionDenied(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"permission denied", "not authorized", "operation not permitted"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// processTrack owns the ffmpeg process. A single goroutine reaps it, so
// exited closing means stderr has been fully copied.
type processTrack struct {
	cmd    *exec.Cmd
	stdout *os.File
	exited chan struct{}

	once sync.Once
	err  error
}

func startProcessTrack(cmd *exec.Cmd, stdout *os.File) *processTrack {
	t := &processTrack{cmd: cmd, stdout: stdout, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(t.exited)
	}()
	return t
}

func (t *processTrack) Stop() error {
	t.once.Do(func() {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.err = fmt.Errorf("kill ffmpeg: %w", err)
		}
		<-t.exited
		_ = t.stdout.Close()
	})
	return t.err
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
