package provider

import (
	"context"
)

// Authenticator exchanges credentials for an authenticated session
type Authenticator interface {
	// Authenticate returns a session attaching the access token to each request
	Authenticate(ctx context.Context) (*Session, error)
}
