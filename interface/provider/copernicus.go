package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/interface/shared"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/log"
)

const (
	CopernicusAuthURL   = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	CopernicusClientID  = "cdse-public"
	DefaultMaxRedirects = 10
)

// ErrNoToken is returned when an authenticated request is attempted without access token
var ErrNoToken = shared.ErrNoToken

// ErrTooManyRedirects is returned when a redirect chain is longer than the session allows
var ErrTooManyRedirects = errors.New("too many redirects")

// CopernicusAuthenticator implements Authenticator for the Copernicus Data Space identity service (password grant)
type CopernicusAuthenticator struct {
	TokenURL     string // CopernicusAuthURL if empty
	ClientID     string // CopernicusClientID if empty
	Username     string
	Password     string
	HTTPClient   *http.Client
	MaxRedirects int // Of the sessions, DefaultMaxRedirects if 0
}

func (a *CopernicusAuthenticator) client() *http.Client {
	if a.HTTPClient == nil {
		return http.DefaultClient
	}
	return a.HTTPClient
}

// Authenticate implements Authenticator
func (a *CopernicusAuthenticator) Authenticate(ctx context.Context) (*Session, error) {
	if a.Username == "" || a.Password == "" {
		return nil, service.NewFailure(common.StageAuth, fmt.Errorf("CopernicusAuthenticator: missing username or password"))
	}
	tokenURL, clientID := a.TokenURL, a.ClientID
	if tokenURL == "" {
		tokenURL = CopernicusAuthURL
	}
	if clientID == "" {
		clientID = CopernicusClientID
	}
	conf := oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}

	token, err := conf.PasswordCredentialsToken(context.WithValue(ctx, oauth2.HTTPClient, a.client()), a.Username, a.Password)
	if err != nil {
		return nil, service.NewFailure(common.StageAuth, fmt.Errorf("CopernicusAuthenticator.PasswordCredentialsToken: %w", err))
	}
	log.Logger(ctx).Sugar().Debugf("[Copernicus] token obtained (expires %s)", token.Expiry.Format("15:04:05"))
	return NewSession(a.client(), token.AccessToken, a.MaxRedirects), nil
}

// Session sends authenticated requests. The token is set once and never refreshed.
type Session struct {
	tokens       *shared.StaticToken
	noRedirect   *http.Client // Redirects are returned to the caller
	download     *http.Client // Redirects are followed, with the authorization
	MaxRedirects int
}

// NewSession creates a session on top of base (its transport and timeout are reused).
// A session with an empty token sends nothing and returns ErrNoToken.
func NewSession(base *http.Client, token string, maxRedirects int) *Session {
	if base == nil {
		base = http.DefaultClient
	}
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	tokens := shared.NewStaticToken(token)
	transport := shared.NewTransportBearer(base.Transport, tokens)
	return &Session{
		tokens: tokens,
		noRedirect: &http.Client{
			Transport: transport,
			Timeout:   base.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		download: &http.Client{
			Transport:     transport,
			Timeout:       base.Timeout,
			CheckRedirect: checkRedirectAndCopyAuth,
		},
		MaxRedirects: maxRedirects,
	}
}

// Authenticated returns true if the session has a token
func (s *Session) Authenticated() bool {
	_, err := s.tokens.Get()
	return err == nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// ResolveRedirects follows the redirect chain starting at url, one GET per hop, and returns the url of the first
// non-redirect response with its status code. Relative locations are resolved against the current url.
func (s *Session) ResolveRedirects(ctx context.Context, url string) (string, int, error) {
	if !s.Authenticated() {
		return "", 0, fmt.Errorf("ResolveRedirects: %w", ErrNoToken)
	}
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", 0, fmt.Errorf("ResolveRedirects.NewRequest: %w", err)
		}
		resp, err := s.noRedirect.Do(req)
		if err != nil {
			return "", 0, service.MakeTemporary(fmt.Errorf("ResolveRedirects: %w", err))
		}
		resp.Body.Close()
		if !isRedirect(resp.StatusCode) {
			return url, resp.StatusCode, nil
		}
		if hop >= s.MaxRedirects {
			return "", 0, fmt.Errorf("ResolveRedirects[%s]: %w (%d)", url, ErrTooManyRedirects, s.MaxRedirects)
		}
		location, err := resp.Location()
		if err != nil {
			return "", 0, fmt.Errorf("ResolveRedirects[%s].Location: %w", url, err)
		}
		log.Logger(ctx).Sugar().Debugf("%s redirected (%d) to %s", url, resp.StatusCode, location.String())
		url = location.String()
	}
}

// Fetch resolves the redirects of url and streams the final resource to dst.
// The file is written to a temporary file, renamed on success. Returns the number of bytes written.
func (s *Session) Fetch(ctx context.Context, url, dst string) (int64, error) {
	final, status, err := s.ResolveRedirects(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("Fetch.%w", err)
	}
	if status != http.StatusOK {
		err := fmt.Errorf("Fetch[%s]: %d %s", final, status, http.StatusText(status))
		if status == http.StatusNotFound {
			return 0, ErrProductNotFound{Product: final}
		}
		return 0, err
	}
	n, err := download(ctx, s.download, final, dst, 0.05)
	if err != nil {
		return 0, fmt.Errorf("Fetch.%w", err)
	}
	return n, nil
}

// NodeURL returns the url of the value of a node of the product: base/Products(id)/Nodes(a)/Nodes(b)/.../$value
func NodeURL(base, productID string, nodes ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSuffix(base, "/"))
	sb.WriteString("/Products(" + neturl.PathEscape(productID) + ")")
	for _, n := range nodes {
		sb.WriteString("/Nodes(" + neturl.PathEscape(n) + ")")
	}
	sb.WriteString("/$value")
	return sb.String()
}
