package shared

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoToken is returned when an authenticated request is attempted without access token
var ErrNoToken = errors.New("no access token")

type tokenManager interface {
	Get() (string, error)
}

// StaticToken holds an access token obtained once and never refreshed
type StaticToken struct {
	token string
}

// NewStaticToken returns a holder of the token (that may be empty)
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

// Get returns the token or ErrNoToken
func (t *StaticToken) Get() (string, error) {
	if t.token == "" {
		return "", ErrNoToken
	}
	return t.token, nil
}

type transportBearer struct {
	originalTransport http.RoundTripper
	tokenManager
}

// NewTransportBearer returns a transport adding "Authorization: Bearer <token>" to each request.
// The request is not sent if there is no token.
func NewTransportBearer(transport http.RoundTripper, tokens tokenManager) http.RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &transportBearer{originalTransport: transport, tokenManager: tokens}
}

func (t *transportBearer) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokenManager.Get()
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("transportBearer: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	return t.originalTransport.RoundTrip(req)
}
