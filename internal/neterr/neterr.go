// Package neterr defines the typed errors peers report about signaling,
// transport and link failures, and a bounded retry helper.
package neterr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a network failure.
type Kind string

const (
	SignalingConnectionFailed Kind = "SIGNALING_CONNECTION_FAILED"
	PeerConnectionFailed      Kind = "PEER_CONNECTION_FAILED"
	InvalidMessage            Kind = "INVALID_MESSAGE"
	PeerNotFound              Kind = "PEER_NOT_FOUND"
	MaxPeersReached           Kind = "MAX_PEERS_REACHED"
	SignalingServerError      Kind = "SIGNALING_SERVER_ERROR"
	DataChannelError          Kind = "DATA_CHANNEL_ERROR"
	ICEConnectionFailed       Kind = "ICE_CONNECTION_FAILED"
	PoorConnection            Kind = "POOR_CONNECTION"
)

// Recoverable reports the default recoverability of a kind.
func (k Kind) Recoverable() bool {
	switch k {
	case InvalidMessage, PeerNotFound, MaxPeersReached, PoorConnection:
		return false
	}
	return true
}

// Error is a network failure with structured details.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Details     map[string]any
	Err         error
}

// New builds an Error whose recoverability follows the kind.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Recoverable: kind.Recoverable(), Err: err}
}

// Terminal builds a non-recoverable Error.
func Terminal(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// With attaches a detail and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRecoverable reports whether err is a recoverable *Error.
func IsRecoverable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Recoverable
}

// Retry runs op up to attempts times, doubling the delay after each
// failure. The last failure is wrapped in a terminal Error of the given
// kind. A non-recoverable *Error from op is returned as is without further
// attempts. Cancelling ctx stops the loop early.
func Retry(ctx context.Context, attempts int, delay time.Duration, kind Kind, op func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(attempt); err == nil {
			return nil
		}
		var e *Error
		if errors.As(err, &e) && !e.Recoverable {
			return err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Terminal(kind, "retry cancelled", ctx.Err()).With("attempt", attempt)
		case <-timer.C:
		}
		delay *= 2
	}
	return Terminal(kind, fmt.Sprintf("failed after %d attempts", attempts), err).With("attempts", attempts)
}
