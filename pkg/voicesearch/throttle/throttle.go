// Package throttle decides when a speculative search is issued while the
// user is still speaking.
package throttle

import (
	"strings"
	"time"
)

const (
	DefaultMinChars    = 8
	DefaultCooldown    = 1500 * time.Millisecond
	DefaultGuardWindow = 1 * time.Second
)

// Config bounds partial-query volume.
type Config struct {
	MinChars    int
	Cooldown    time.Duration
	GuardWindow time.Duration
}

// Throttler holds the transcript state of one listening turn. It is not safe
// for concurrent use; the session controller serializes access.
type Throttler struct {
	now func() time.Time
	cfg Config

	current       string
	lastSent      string
	lastSentAt    time.Time
	hasSent       bool
	inFlightUntil time.Time
}

// New returns a Throttler. A nil clock uses time.Now.
func New(cfg Config, now func() time.Time) *Throttler {
	if now == nil {
		now = time.Now
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultMinChars
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.GuardWindow <= 0 {
		cfg.GuardWindow = DefaultGuardWindow
	}
	return &Throttler{now: now, cfg: cfg}
}

// Reset clears all transcript state for a new listening turn.
func (t *Throttler) Reset() {
	if t == nil {
		return
	}
	t.current = ""
	t.lastSent = ""
	t.lastSentAt = time.Time{}
	t.hasSent = false
	t.inFlightUntil = time.Time{}
}

// Update replaces the live transcript. Only the latest value matters.
func (t *Throttler) Update(text string) {
	if t == nil {
		return
	}
	t.current = text
}

// Append extends the live transcript with a fragment.
func (t *Throttler) Append(delta string) {
	if t == nil {
		return
	}
	t.current += delta
}

// Best returns the best transcript known so far, trimmed.
func (t *Throttler) Best() string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.current)
}

// Ack clears the in-flight flag early, for example when results arrive.
func (t *Throttler) Ack() {
	if t == nil {
		return
	}
	t.inFlightUntil = time.Time{}
}

// InFlight reports whether a partial search is still considered pending.
// The flag expires GuardWindow after emission without any timer.
func (t *Throttler) InFlight() bool {
	if t == nil || t.inFlightUntil.IsZero() {
		return false
	}
	return t.now().Before(t.inFlightUntil)
}

// Evaluate decides whether the current transcript should be sent as a
// partial query. On emission the returned query is recorded as sent.
func (t *Throttler) Evaluate() (string, bool) {
	if t == nil {
		return "", false
	}
	text := t.Best()
	now := t.now()

	if t.InFlight() {
		return "", false
	}
	if text == t.lastSent {
		return "", false
	}
	if len([]rune(text)) < t.cfg.MinChars {
		return "", false
	}
	if t.hasSent && now.Sub(t.lastSentAt) < t.cfg.Cooldown {
		return "", false
	}

	t.lastSent = text
	t.lastSentAt = now
	t.hasSent = true
	t.inFlightUntil = now.Add(t.cfg.GuardWindow)
	return text, true
}

// Observe records a full transcript update and evaluates it.
func (t *Throttler) Observe(text string) (string, bool) {
	t.Update(text)
	return t.Evaluate()
}
