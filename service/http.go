package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrReadTimeout is returned when the server does not send anything for longer than the read timeout
var ErrReadTimeout = errors.New("read timeout")

// HTTPTimeouts bounds the blocking points of a request
type HTTPTimeouts struct {
	Connect time.Duration // Dial and TLS handshake
	Read    time.Duration // Waiting for the response headers, then for each read of the body
}

// NewHTTPClient returns a client with connect/read timeouts.
// There is no global timeout, so that large bodies can be streamed, but a body
// stalled for longer than the read timeout fails with a temporary ErrReadTimeout.
// TLS certificates are always verified.
func NewHTTPClient(timeouts HTTPTimeouts) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if timeouts.Connect > 0 {
		transport.DialContext = (&net.Dialer{
			Timeout:   timeouts.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext
		transport.TLSHandshakeTimeout = timeouts.Connect
	}
	if timeouts.Read > 0 {
		transport.ResponseHeaderTimeout = timeouts.Read
		return &http.Client{Transport: &readTimeoutTransport{base: transport, timeout: timeouts.Read}}
	}
	return &http.Client{Transport: transport}
}

// readTimeoutTransport cancels the request when a read of the body blocks for longer than timeout
type readTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *readTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &timeoutBody{ReadCloser: resp.Body, timeout: t.timeout, cancel: cancel}
	return resp, nil
}

type timeoutBody struct {
	io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc

	mu      sync.Mutex
	timer   *time.Timer
	expired bool
}

func (b *timeoutBody) arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, b.expire)
	} else {
		b.timer.Reset(b.timeout)
	}
}

func (b *timeoutBody) disarm() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	return b.expired
}

func (b *timeoutBody) expire() {
	b.mu.Lock()
	b.expired = true
	b.mu.Unlock()
	b.cancel()
}

// Read fails if the underlying read does not return within the timeout
func (b *timeoutBody) Read(p []byte) (int, error) {
	b.arm()
	n, err := b.ReadCloser.Read(p)
	if expired := b.disarm(); expired && err != nil {
		err = MakeTemporary(fmt.Errorf("%w: nothing received for %s", ErrReadTimeout, b.timeout))
	}
	return n, err
}

func (b *timeoutBody) Close() error {
	b.disarm()
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// HTTPError is returned when the server answers with an unexpected status
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// GetBody performs a single GET and returns the body if the status is 200
func GetBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("GetBody.NewRequest: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GetBody: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		err := HTTPError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
		switch resp.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return nil, MakeTemporary(err)
		}
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, MakeTemporary(fmt.Errorf("GetBody.ReadAll: %w", err))
	}
	return body, nil
}
