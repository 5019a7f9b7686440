package trace

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusClass buckets HTTP status codes into coarse groups.
type StatusClass string

const (
	ClassInformational StatusClass = "informational"
	ClassSuccess       StatusClass = "success"
	ClassRedirect      StatusClass = "redirect"
	ClassClientError   StatusClass = "client_error"
	ClassServerError   StatusClass = "server_error"
	// ClassFailure covers exchanges that never produced an HTTP status
	// (transport errors recorded with StatusFailed).
	ClassFailure StatusClass = "failure"
)

// StatusFailed is the sentinel status recorded when a request failed
// before any HTTP status was available.
const StatusFailed = -1

// Entry is one completed exchange in the traffic log. Entries are
// immutable once written; the field order matches the persisted schema.
type Entry struct {
	CurlCommand     string      `json:"curl_command"`
	ResponseBody    string      `json:"response_body,omitempty"`
	StatusCode      int         `json:"status_code,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
	URL             string      `json:"url,omitempty"`
	DurationMs      int64       `json:"duration_ms,omitempty"`
	ResponseHeaders http.Header `json:"response_headers,omitempty"`
	Method          string      `json:"method,omitempty"`
}

// Class reports the status class of the entry.
func (e *Entry) Class() StatusClass {
	return ClassOf(e.StatusCode)
}

// Event describes a completed exchange handed to webhook destinations.
type Event struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Duration   time.Duration
	Extra      map[string]string
}

// Class reports the status class of the event.
func (ev Event) Class() StatusClass {
	return ClassOf(ev.StatusCode)
}

// ClassOf maps a status code to its class. Codes outside 100-599 are
// treated as failures.
func ClassOf(status int) StatusClass {
	switch {
	case status >= 100 && status < 200:
		return ClassInformational
	case status >= 200 && status < 300:
		return ClassSuccess
	case status >= 300 && status < 400:
		return ClassRedirect
	case status >= 400 && status < 500:
		return ClassClientError
	case status >= 500 && status < 600:
		return ClassServerError
	default:
		return ClassFailure
	}
}

// ClassRange returns the inclusive status code bounds of a class. The
// second return is false for ClassFailure, which has no numeric range.
func ClassRange(c StatusClass) (int, int, bool) {
	switch c {
	case ClassInformational:
		return 100, 199, true
	case ClassSuccess:
		return 200, 299, true
	case ClassRedirect:
		return 300, 399, true
	case ClassClientError:
		return 400, 499, true
	case ClassServerError:
		return 500, 599, true
	default:
		return 0, 0, false
	}
}

// ParseClass resolves a class name, accepting a few aliases used in
// config files.
func ParseClass(s string) (StatusClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "informational", "1xx":
		return ClassInformational, nil
	case "success", "2xx":
		return ClassSuccess, nil
	case "redirect", "3xx":
		return ClassRedirect, nil
	case "client_error", "clienterror", "4xx":
		return ClassClientError, nil
	case "server_error", "servererror", "5xx":
		return ClassServerError, nil
	case "failure", "error":
		return ClassFailure, nil
	default:
		return "", fmt.Errorf("unknown status class: %q", s)
	}
}
