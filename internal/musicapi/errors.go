package musicapi

import (
	"fmt"
	"net/http"
)

// APIError is returned when the API answers with a status the client does not
// recover from.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("music API %s %s failed with status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// Status maps the upstream failure to the status reported to local callers.
func (e *APIError) Status() (int, string) {
	switch e.StatusCode {
	case http.StatusNotFound:
		return http.StatusNotFound, "not found"
	case http.StatusTooManyRequests:
		return http.StatusServiceUnavailable, "music API rate limit exceeded"
	case http.StatusForbidden:
		return http.StatusForbidden, "music API refused the request"
	default:
		return http.StatusBadGateway, "music API request failed"
	}
}
