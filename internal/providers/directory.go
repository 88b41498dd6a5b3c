package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"voicebridge/internal/records"
)

// Directory lists every assistant a provider currently knows about.
//
// Rules:
// - Stateless; safe for concurrent use.
// - Bounded by the HTTP client timeout.
// - Items are returned as patches: a field the provider omitted or sent as
//   null is nil. Items without an id are returned with an empty ExternalID.
type Directory interface {
	Provider() records.Provider
	ListAssistants(ctx context.Context) ([]records.AssistantPatch, error)
}

// ErrDecode reports a 2xx response whose body is not a recognizable listing.
var ErrDecode = errors.New("providers: unrecognized listing body")

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Provider   records.Provider
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Provider, e.StatusCode)
}

// Transient reports whether retrying the same request may succeed.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTransient classifies a ListAssistants error. Provider 5xx and 429,
// timeouts and connection failures are transient; other 4xx responses and
// undecodable bodies are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Transient()
	}
	if errors.Is(err, ErrDecode) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
