package gcal

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// Provider error taxonomy. The sync engine branches on these with errors.Is;
// everything it cannot classify stays an unknown error and is surfaced as a
// generic sync failure.
var (
	// ErrAuthExpired means the grant was revoked or rejected. Terminal: the
	// user has to reconnect, callers must not retry.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrRateLimited and ErrTransient are retried with capped backoff.
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient provider error")
	// ErrCursorInvalid means the stored sync token is stale; recovery is a
	// forced full listing, never a user-visible failure.
	ErrCursorInvalid = errors.New("sync cursor invalid")
	// ErrCalendarMissing means the managed calendar was deleted remotely.
	ErrCalendarMissing = errors.New("calendar missing")
	// ErrValidation means the provider rejected the request as malformed;
	// the item stays pending and is not blindly retried.
	ErrValidation = errors.New("provider rejected request")
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// ClassifyError maps a Google API failure onto the taxonomy above. The
// original error stays wrapped for logging.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return fmt.Errorf("%w: %v", ErrAuthExpired, err)
		case gerr.Code == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case gerr.Code == 403:
			for _, e := range gerr.Errors {
				if rateLimitReasons[e.Reason] {
					return fmt.Errorf("%w: %v", ErrRateLimited, err)
				}
			}
			return fmt.Errorf("%w: %v", ErrAuthExpired, err)
		case gerr.Code == 404:
			return fmt.Errorf("%w: %v", ErrCalendarMissing, err)
		case gerr.Code == 410:
			return fmt.Errorf("%w: %v", ErrCursorInvalid, err)
		case gerr.Code == 400 || gerr.Code == 422:
			return fmt.Errorf("%w: %v", ErrValidation, err)
		case gerr.Code >= 500:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}

	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// IsNotFound reports whether err is a plain 404 from the provider, before
// classification. Useful where a missing event is success (delete races).
func IsNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
