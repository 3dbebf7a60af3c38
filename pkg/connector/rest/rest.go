// Package rest provides the HTTP transport for the owner API. It attaches
// bearer tokens to outgoing requests, retries once on authentication failures
// after refreshing credentials, and translates HTTP status codes into the
// categorized errors in [github.com/homefleet/teslasync/pkg/protocol].
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/pkg/connector"
	"github.com/homefleet/teslasync/pkg/protocol"
)

// DefaultHost serves the owner API.
const DefaultHost = "owner-api.teslamotors.com"

// ReadWithContext reads r into p, aborting early if ctx expires between reads.
func ReadWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HTTPError) MayHaveSucceeded() bool {
	if e.Code >= 400 && e.Code < 500 {
		return false
	}
	return e.Code != http.StatusServiceUnavailable
}

func (e *HTTPError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusBadGateway ||
		e.Code == http.StatusInternalServerError
}

// Connection sends authenticated requests to the owner API.
type Connection struct {
	// The UserAgent is sent with every request.
	UserAgent string
	// Host is the API server. Defaults to DefaultHost when empty.
	Host string

	tokens connector.TokenSource
	client http.Client
}

// NewConnection creates a Connection that authenticates with tokens.
func NewConnection(tokens connector.TokenSource, host, userAgent string) *Connection {
	if host == "" {
		host = DefaultHost
	}
	return &Connection{
		UserAgent: userAgent,
		Host:      host,
		tokens:    tokens,
	}
}

// Client exposes the underlying HTTP client for transport-level configuration.
func (c *Connection) Client() *http.Client {
	return &c.client
}

// Get sends a GET request to endpoint. The endpoint should contain only the
// path (e.g., "api/1/vehicles"); the domain is determined by c.Host.
func (c *Connection) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.do(ctx, "GET", endpoint, nil)
}

// Post sends a POST request to endpoint. The command must support JSON
// serialization, or may be a raw []byte body.
func (c *Connection) Post(ctx context.Context, endpoint string, command interface{}) ([]byte, error) {
	var body []byte
	var ok bool
	if command != nil {
		if body, ok = command.([]byte); !ok {
			var err error
			body, err = json.Marshal(command)
			if err != nil {
				return nil, err
			}
		}
	}
	return c.do(ctx, "POST", endpoint, body)
}

func (c *Connection) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	rsp, err := c.doOnce(ctx, method, endpoint, body, false)
	if _, retry := err.(*staleTokenError); retry {
		// The token source already discarded the rejected token; the
		// second attempt runs with a fresh one.
		rsp, err = c.doOnce(ctx, method, endpoint, body, true)
	}
	return rsp, err
}

// staleTokenError is an internal signal that a request should be retried with
// fresh credentials.
type staleTokenError struct{}

func (e *staleTokenError) Error() string { return "access token rejected" }

func (c *Connection) doOnce(ctx context.Context, method, endpoint string, body []byte, lastAttempt bool) ([]byte, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("https://%s/%s", c.Host, endpoint)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
		log.Debug("Sending %s request to %s: %s", method, url, body)
	} else {
		log.Debug("Sending %s request to %s", method, url)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: true}
	}
	request.Header.Set("User-Agent", c.UserAgent)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "*/*")

	result, err := c.client.Do(request)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: true}
	}
	defer result.Body.Close()

	rspBody := make([]byte, connector.MaxResponseLength+1)
	rspBody, err = ReadWithContext(ctx, result.Body, rspBody)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: true, PossibleTemporary: false}
	}
	if len(rspBody) == connector.MaxResponseLength+1 {
		return nil, protocol.NewError("response exceeds maximum length", true, true)
	}

	log.Debug("Server returned %d: %s: %s", result.StatusCode, http.StatusText(result.StatusCode), rspBody)
	switch result.StatusCode {
	case http.StatusOK:
		return rspBody, nil
	case http.StatusUnauthorized:
		c.tokens.Invalidate(token)
		if lastAttempt {
			return nil, &protocol.AuthError{Err: fmt.Errorf("server rejected freshly issued access token")}
		}
		return nil, &staleTokenError{}
	case http.StatusNotFound:
		return nil, protocol.ErrUnknownVehicle
	case http.StatusRequestTimeout:
		// The owner API reports asleep or offline vehicles as 408s.
		return nil, protocol.ErrVehicleAsleep
	case http.StatusServiceUnavailable:
		return nil, protocol.ErrVehicleAsleep
	case http.StatusTooManyRequests:
		return nil, &protocol.RateLimitError{RetryAfter: retryAfter(result.Header)}
	}
	return nil, &HTTPError{Code: result.StatusCode, Message: string(rspBody)}
}

func retryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// UnmarshalResponse decodes an owner-API envelope, {"response": ...}, into
// out. Bodies that carry an "error" field instead are surfaced as
// MalformedResponseError with the server's message.
func UnmarshalResponse(body []byte, out interface{}) error {
	var envelope struct {
		Response json.RawMessage `json:"response"`
		Error    string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &protocol.MalformedResponseError{Details: err}
	}
	// The server reports errors as {"response":null,"error":"..."}; a JSON
	// null decodes into a non-nil RawMessage, so check the literal too.
	if len(envelope.Response) == 0 || bytes.Equal(envelope.Response, []byte("null")) {
		if envelope.Error != "" {
			return &protocol.MalformedResponseError{Details: fmt.Errorf("server error: %s", envelope.Error)}
		}
		return &protocol.MalformedResponseError{Details: fmt.Errorf("missing response field")}
	}
	if err := json.Unmarshal(envelope.Response, out); err != nil {
		return &protocol.MalformedResponseError{Details: err}
	}
	return nil
}
