package entitlement

import (
	"context"
	"errors"
	"net/http"

	"github.com/workos/workos-go/v6/pkg/usermanagement"
	"github.com/workos/workos-go/v6/pkg/workos_errors"
)

// WorkOSDirectory resolves users through WorkOS User Management.
type WorkOSDirectory struct {
	Client *usermanagement.Client
}

// NewWorkOSDirectory builds a directory for apiKey. endpoint overrides the
// WorkOS API base URL when non-empty.
func NewWorkOSDirectory(apiKey, endpoint string) *WorkOSDirectory {
	client := usermanagement.NewClient(apiKey)
	if endpoint != "" {
		client.Endpoint = endpoint
	}
	return &WorkOSDirectory{Client: client}
}

// Lookup implements Directory.
func (d *WorkOSDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	if d == nil || d.Client == nil {
		return Identity{}, errors.New("workos client is not configured")
	}
	user, err := d.Client.GetUser(ctx, usermanagement.GetUserOpts{User: userID})
	if err != nil {
		var httpErr workos_errors.HTTPError
		if errors.As(err, &httpErr) && (httpErr.Code == http.StatusNotFound || httpErr.Code == http.StatusUnauthorized) {
			return Identity{}, ErrUnknownUser
		}
		return Identity{}, err
	}
	return Identity{
		UserID:        user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
	}, nil
}
