package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/file-connector/internal/syncerr"
)

// DefaultRetryAfter is used when a rate limited response carries no hint
const DefaultRetryAfter = 60 * time.Second

// StatusError maps an HTTP status into the error taxonomy. It returns nil
// for 2xx responses.
func StatusError(op string, status int, header http.Header, detail string) error {
	if status >= 200 && status < 300 {
		return nil
	}

	err := fmt.Errorf("HTTP %d: %s", status, detail)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Authentication(op, err)
	case status == http.StatusTooManyRequests:
		return syncerr.RateLimited(op, err, ParseRetryAfter(header))
	case status >= 500 || status == http.StatusRequestTimeout:
		return syncerr.Connection(op, err)
	default:
		return syncerr.New(syncerr.KindUnknown, op, err)
	}
}

// TransportError maps a failed round trip. Cancellation of the caller's
// context is passed through unchanged.
func TransportError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	return syncerr.Connection(op, err)
}

// ParseRetryAfter reads a Retry-After header given in seconds or as a date
func ParseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return DefaultRetryAfter
	}
	v := header.Get("Retry-After")
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
