package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HTTPStatusError is returned when a backend answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

// IsCancellation reports whether err stems from a cancelled context.
func IsCancellation(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTransient reports whether err should be retried. Only HTTP 429 and 5xx
// responses qualify; transport failures without a status and cancellations
// never do.
func IsTransient(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return IsTransientStatus(statusErr.StatusCode)
	}

	return false
}

// IsTransientStatus reports whether an HTTP status code is worth retrying.
func IsTransientStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// FormatForLLM converts an error into a short message suitable for a tool
// result the model will read.
func FormatForLLM(err error) string {
	if err == nil {
		return ""
	}

	switch code := StatusCode(err); {
	case code == http.StatusTooManyRequests:
		return "Rate limit reached upstream. Retry later."
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "Authentication failed. Check the configured credentials."
	case code >= http.StatusInternalServerError:
		return "Upstream service error. The service is temporarily unavailable."
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "Request timed out. Try a smaller step."
	}

	return err.Error()
}
