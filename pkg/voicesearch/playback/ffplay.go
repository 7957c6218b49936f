package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

const DefaultSampleRateHz = 24000

// FFplayPlayer plays each frame through its own short-lived ffplay process
// reading s16le PCM on stdin.
type FFplayPlayer struct {
	Path         string
	SampleRateHz int
	Channels     int
	Volume       int
	LogLevel     string
}

// NewFFplayPlayer checks that ffplay is installed.
func NewFFplayPlayer(p FFplayPlayer) (*FFplayPlayer, error) {
	if strings.TrimSpace(p.Path) == "" {
		p.Path = "ffplay"
	}
	if _, err := exec.LookPath(p.Path); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	return &p, nil
}

// Play blocks until ffplay drains the frame or ctx is cancelled.
func (p *FFplayPlayer) Play(ctx context.Context, frame Frame) error {
	if len(frame.PCM) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, p.path(), ffplayArgs(*p)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can pick a silent dummy backend on macOS.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}

	_, writeErr := stdin.Write(frame.PCM)
	_ = stdin.Close()
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if writeErr != nil {
		return fmt.Errorf("write ffplay stdin: %w", writeErr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffplay: %w", waitErr)
	}
	return nil
}

func (p *FFplayPlayer) path() string {
	if strings.TrimSpace(p.Path) == "" {
		return "ffplay"
	}
	return p.Path
}

func ffplayArgs(p FFplayPlayer) []string {
	rate := p.SampleRateHz
	if rate <= 0 {
		rate = DefaultSampleRateHz
	}
	// ffplay does not accept ffmpeg-style `-ac`; use a channel layout.
	layout := "mono"
	if p.Channels == 2 {
		layout = "stereo"
	}
	volume := p.Volume
	if volume <= 0 {
		volume = 80
	}
	logLevel := strings.TrimSpace(p.LogLevel)
	if logLevel == "" {
		logLevel = "error"
	}
	return []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-volume", fmt.Sprintf("%d", volume),
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", fmt.Sprintf("%d", rate),
		"-i", "-",
	}
}
