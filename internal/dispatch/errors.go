package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedPlatform = errors.New("dispatch: unsupported platform")
	ErrNotConfigured       = errors.New("dispatch: platform not configured")
)

// ValidationError is a permanent rejection made before any network call.
type ValidationError struct {
	Platform string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid post: %s", e.Platform, e.Reason)
}

// DeliveryError is a network or platform API failure.
// Status is the HTTP status, 0 when no response was received.
// Permanent marks failures that end the attempt for good, such as media that
// could not be fetched or uploaded.
type DeliveryError struct {
	Platform  string
	Op        string
	Status    int
	Message   string
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Platform, e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Platform, e.Op, msg)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) || errors.Is(err, ErrUnsupportedPlatform) || errors.Is(err, ErrNotConfigured) {
		return true
	}
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// permanent marks a DeliveryError in err as permanent and returns err.
func permanent(err error) error {
	var de *DeliveryError
	if errors.As(err, &de) {
		de.Permanent = true
	}
	return err
}
