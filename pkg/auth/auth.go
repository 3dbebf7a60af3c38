// Package auth maintains the OAuth credentials used to talk to the fleet API.
//
// The package's [Manager] holds a refresh token and keeps a short-lived access
// token fresh, rotating it before expiry and collapsing concurrent refresh
// attempts into a single upstream request.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/internal/metrics"
	"github.com/homefleet/teslasync/pkg/protocol"
)

const (
	// DefaultAuthHost is the OAuth token endpoint host.
	DefaultAuthHost = "auth.tesla.com"
	// DefaultClientID identifies the first-party mobile app client.
	DefaultClientID = "ownerapi"

	oauthScope = "openid email offline_access"

	// Access tokens are treated as expired this long before their actual
	// expiry so in-flight requests don't race the deadline.
	expirySkew = 30 * time.Second

	maxResponseLength = 100000
)

// Credentials is the durable authentication state for an account. Only the
// refresh token is required; the access token and its expiry are rotated at
// runtime.
type Credentials struct {
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Valid returns true if the access token is present and not about to expire.
func (c Credentials) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.Add(expirySkew).Before(c.Expiry)
}

// Manager exchanges a long-lived refresh token for short-lived access tokens.
// All methods are safe for concurrent use.
type Manager struct {
	// AuthHost is the token endpoint host. Defaults to DefaultAuthHost.
	AuthHost string
	// ClientID is the OAuth client identifier. Defaults to DefaultClientID.
	ClientID string
	// UserAgent is sent with token requests.
	UserAgent string
	// OnUpdate, if set, is invoked with the new credentials after every
	// successful refresh. Use it to persist the rotated refresh token.
	OnUpdate func(Credentials)

	client http.Client
	group  singleflight.Group

	mu    sync.Mutex
	creds Credentials
	now   func() time.Time
}

// NewManager returns a Manager seeded with creds. The access token, if any,
// is used until it nears expiry.
func NewManager(creds Credentials) *Manager {
	return &Manager{
		AuthHost: DefaultAuthHost,
		ClientID: DefaultClientID,
		creds:    creds,
		now:      time.Now,
	}
}

// Credentials returns a copy of the current credentials.
func (m *Manager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// AccessToken returns a valid access token, refreshing it first if the cached
// one is missing or near expiry. Concurrent callers share a single refresh
// request.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.creds.Valid(m.now()) {
		token := m.creds.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	result, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// Re-check under the group: a racing caller may have refreshed
		// while this one waited for the flight slot.
		m.mu.Lock()
		if m.creds.Valid(m.now()) {
			token := m.creds.AccessToken
			m.mu.Unlock()
			return token, nil
		}
		refreshToken := m.creds.RefreshToken
		m.mu.Unlock()

		creds, err := m.refresh(ctx, refreshToken)
		if err != nil {
			outcome := metrics.OutcomeError
			var authErr *protocol.AuthError
			if errors.As(err, &authErr) {
				outcome = metrics.OutcomeRejected
			}
			metrics.TokenRefreshTotal.WithLabelValues(outcome).Inc()
			return "", err
		}
		metrics.TokenRefreshTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		m.mu.Lock()
		m.creds = creds
		m.mu.Unlock()
		if m.OnUpdate != nil {
			m.OnUpdate(creds)
		}
		return creds.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate discards the cached access token if it matches token. A caller
// that received a 401 passes in the token it used; if a refresh already
// replaced it, the newer token is left alone.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.AccessToken == token {
		m.creds.AccessToken = ""
		m.creds.Expiry = time.Time{}
	}
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	if refreshToken == "" {
		return Credentials{}, &protocol.AuthError{Err: fmt.Errorf("no refresh token configured")}
	}
	host := m.AuthHost
	if host == "" {
		host = DefaultAuthHost
	}
	clientID := m.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	payload, err := json.Marshal(&refreshRequest{
		GrantType:    "refresh_token",
		ClientID:     clientID,
		RefreshToken: refreshToken,
		Scope:        oauthScope,
	})
	if err != nil {
		return Credentials{}, err
	}
	url := fmt.Sprintf("https://%s/oauth2/v3/token", host)
	request, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, fmt.Errorf("error constructing token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if m.UserAgent != "" {
		request.Header.Set("User-Agent", m.UserAgent)
	}
	log.Debug("Refreshing access token at %s...", url)
	response, err := m.client.Do(request)
	if err != nil {
		return Credentials{}, fmt.Errorf("error refreshing token: %w", err)
	}
	defer response.Body.Close()
	reader := io.LimitedReader{R: response.Body, N: maxResponseLength}
	body, err := io.ReadAll(&reader)
	if err != nil {
		return Credentials{}, err
	}
	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusUnauthorized:
		// The refresh token itself was rejected. No amount of retrying
		// helps; the user has to log in again.
		return Credentials{}, &protocol.AuthError{Err: fmt.Errorf("token endpoint returned %s", response.Status)}
	default:
		return Credentials{}, fmt.Errorf("token endpoint returned %s", response.Status)
	}
	var reply refreshResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		return Credentials{}, &protocol.MalformedResponseError{Details: err}
	}
	if reply.AccessToken == "" {
		return Credentials{}, &protocol.MalformedResponseError{Details: fmt.Errorf("token endpoint omitted access_token")}
	}
	creds := Credentials{
		RefreshToken: refreshToken,
		AccessToken:  reply.AccessToken,
		Expiry:       m.now().Add(time.Duration(reply.ExpiresIn) * time.Second),
	}
	if reply.RefreshToken != "" {
		creds.RefreshToken = reply.RefreshToken
	}
	if reply.ExpiresIn == 0 {
		// Some deployments omit expires_in; fall back to the token's own
		// exp claim.
		if exp, err := TokenExpiry(reply.AccessToken); err == nil {
			creds.Expiry = exp
		} else {
			creds.Expiry = m.now().Add(time.Hour)
		}
	}
	log.Info("Access token refreshed, valid until %s", creds.Expiry.Format(time.RFC3339))
	return creds, nil
}

// TokenExpiry extracts the expiration time from a JWT access token without
// verifying its signature. Verification is the server's job; clients only
// need the deadline for scheduling refreshes.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return time.Time{}, fmt.Errorf("malformed access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}
	return exp.Time, nil
}
