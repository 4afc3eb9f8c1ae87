package chatmem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrValidation marks malformed caller input (blank memory key, empty query).
	ErrValidation = goerr.New("validation failed")
	// ErrNotFound marks an operation whose target row does not exist.
	ErrNotFound = goerr.New("not found")
	// ErrProviderNotReady is returned when an operation needs a Ready provider.
	ErrProviderNotReady = goerr.New("embedding provider not ready")
	// ErrProviderFailed is returned by Initialize when the model could not be
	// acquired or probed. The provider stays Failed until Initialize is called again.
	ErrProviderFailed = goerr.New("embedding provider initialization failed")
)

// StatusError is a non-2xx response from an embedding backend. SDK-backed
// embedders translate their own error types into StatusError so retry
// decisions can use the status code rather than the error text.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// transientMarkers is the fallback heuristic for errors that carry no
// structure at all. It is an approximation: a message that merely mentions
// "500" will be retried.
var transientMarkers = []string{
	"429", "500", "502", "503", "504",
	"timeout", "temporarily unavailable", "connection reset", "unexpected eof",
}

// IsTransient classifies an embedding or model-acquisition error as worth
// retrying. Structured errors decide first; only unstructured errors fall back
// to substring matching.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
