// Package entitlement decides whether the signed-in user may start a
// voice-search session.
package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/vango-go/voicesearch/pkg/core"
)

// ErrUnknownUser is returned by a Directory when the user does not exist.
var ErrUnknownUser = errors.New("entitlement: unknown user")

// Identity is what the identity provider knows about the user.
type Identity struct {
	UserID        string
	Email         string
	EmailVerified bool
}

// Directory resolves a user id to an identity.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// Subscriptions reports whether an email holds a qualifying subscription.
type Subscriptions interface {
	Active(ctx context.Context, email string) (bool, error)
}

// Gate is consulted before any session resource is acquired. It returns nil,
// an AuthRequired or SubscriptionRequired error, or a TransportError when the
// providers could not be reached.
type Gate interface {
	Check(ctx context.Context) error
}

// Static is a Gate with a fixed answer. The zero value allows every session.
type Static struct {
	Err error
}

func (s Static) Check(context.Context) error { return s.Err }

// Checker combines an identity directory with a subscription source.
type Checker struct {
	UserID        string
	Directory     Directory
	Subscriptions Subscriptions

	// RequireVerifiedEmail rejects users whose email is not verified.
	RequireVerifiedEmail bool
	Logger               *slog.Logger
}

// Check implements Gate.
func (c *Checker) Check(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userID := strings.TrimSpace(c.UserID)
	if userID == "" {
		return core.NewAuthRequiredError("sign in to use voice search")
	}
	if c.Directory == nil {
		return core.NewAuthRequiredError("no identity provider configured")
	}

	identity, err := c.Directory.Lookup(ctx, userID)
	switch {
	case errors.Is(err, ErrUnknownUser):
		return core.NewAuthRequiredError("unknown user")
	case err != nil:
		return core.NewTransportError("identity lookup", err)
	}
	if c.RequireVerifiedEmail && !identity.EmailVerified {
		return core.NewAuthRequiredError("verify your email to use voice search")
	}

	if c.Subscriptions == nil {
		return nil
	}
	email := strings.TrimSpace(identity.Email)
	if email == "" {
		return core.NewSubscriptionRequiredError("no billing email on account")
	}
	active, err := c.Subscriptions.Active(ctx, email)
	if err != nil {
		return core.NewTransportError("subscription lookup", err)
	}
	if !active {
		logger.Info("voice search denied: no qualifying subscription", "user_id", userID)
		return core.NewSubscriptionRequiredError("voice search requires an active subscription")
	}
	return nil
}
