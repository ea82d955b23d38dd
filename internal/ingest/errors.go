package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSourceUnavailable covers network failures, timeouts, 429 and 5xx. Retryable.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceAuthRequired means credentials are missing or were rejected. Not retried.
	ErrSourceAuthRequired = errors.New("source requires authentication")
	// ErrNoResults is used inside adapters when a source reports an empty result set.
	ErrNoResults = errors.New("no results")
	// ErrRunInProgress is returned when a run is started while another is active.
	ErrRunInProgress = errors.New("run already in progress")
)

// StatusError carries the HTTP status of a failed fetch.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.StatusCode, e.URL)
}

// classifyStatus wraps a non-2xx response in the matching sentinel.
func classifyStatus(rawURL string, status int) error {
	se := &StatusError{URL: rawURL, StatusCode: status}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrSourceAuthRequired, se)
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, se)
}

// unavailable wraps a transport error unless it is already classified.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrSourceAuthRequired) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
