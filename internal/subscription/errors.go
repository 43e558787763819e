package subscription

import (
	"errors"
	"fmt"
)

// SubscriptionError reports a failed SUBSCRIBE or status poll.
// StatusCode is zero when the request never got a response.
type SubscriptionError struct {
	Op         string
	Target     string
	StatusCode int
	Err        error
}

func (e *SubscriptionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.Target, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// IsSubscriptionError reports whether err is or wraps a *SubscriptionError.
func IsSubscriptionError(err error) bool {
	var se *SubscriptionError
	return errors.As(err, &se)
}
