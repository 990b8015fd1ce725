package termoweb

import (
	"errors"
	"fmt"
)

// Domain errors surfaced to callers. Transient transport failures are
// returned as wrapped *url.Error / *StatusError values instead.
var (
	ErrAuth        = errors.New("termoweb: authentication failed")
	ErrRateLimited = errors.New("termoweb: rate limited")
)

// StatusError is a non-auth HTTP failure from the backend.
type StatusError struct {
	Op     string // e.g. "get heater settings"
	Status int
	Body   string // response excerpt
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("termoweb: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("termoweb: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// bodyExcerpt keeps error payloads short enough for logs.
func bodyExcerpt(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
