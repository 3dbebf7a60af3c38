// Package connector defines the boundary between the fleet client and the
// HTTP transports that carry its traffic.
package connector

import "context"

// MaxResponseLength caps the maximum byte-length of responses that transports must support.
const MaxResponseLength = 100000

//go:generate mockgen -source connector.go -destination ../../mocks/tokensource.go -package mocks -mock_names TokenSource=TokenSource

// TokenSource supplies bearer tokens for API requests. Implementations must be
// safe for concurrent use.
type TokenSource interface {
	// AccessToken returns a currently valid access token, refreshing it if
	// necessary.
	AccessToken(ctx context.Context) (string, error)

	// Invalidate signals that token was rejected by the server. The source
	// discards it so the next AccessToken call obtains a fresh one.
	Invalidate(token string)
}

// StaticToken is a TokenSource that always returns the same token. Useful for
// tests and short-lived scripts.
type StaticToken string

func (s StaticToken) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

func (s StaticToken) Invalidate(token string) {}
