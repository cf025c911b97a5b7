package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Class tells the retry loop whether a failure is worth another attempt.
type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type classifiedError struct {
	err   error
	class Class
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of message heuristics.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Terminal marks err as not retryable regardless of message heuristics.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal}
}

// Classify decides whether an upstream failure is transient. Explicit marks
// win; context cancellation is terminal; network timeouts and throttling or
// 5xx-shaped messages are transient; everything else defaults to terminal so
// unknown failures count against the breaker immediately.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.class
	}

	if errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return ClassTerminal
	}
	if containsAny(lower, transientMessageTokens) {
		return ClassTransient
	}
	return ClassTerminal
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"status 429",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"unauthorized",
	"forbidden",
	"not found",
	"constraint violation",
}
