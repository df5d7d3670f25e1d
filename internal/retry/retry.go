// Package retry provides bounded retry with exponential backoff for
// entitlement-service calls and other network-bound operations.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies an error for retry decisions.
type ErrorKind int

const (
	Retriable    ErrorKind = iota // transient, worth retrying
	NonRetriable                  // permanent, fail immediately
	Unknown                       // unclassified, treated as retriable
)

func (k ErrorKind) String() string {
	switch k {
	case Retriable:
		return "RETRIABLE"
	case NonRetriable:
		return "NON_RETRIABLE"
	default:
		return "UNKNOWN"
	}
}

// nonRetriableKeywords in stderr indicate permanent failures.
var nonRetriableKeywords = []string{
	"permission denied",
	"invalid credentials",
	"not found",
	"unauthorized",
}

// retriableKeywords in stderr indicate transient failures.
var retriableKeywords = []string{
	"timeout",
	"timed out",
	"rate limit",
	"connection",
	"temporary",
	"unavailable",
	"network",
}

// Classify determines if an error is worth retrying based on the error
// type, process exit code, and stderr content.
func Classify(err error, exitCode int, stderr string) ErrorKind {
	// Context errors are always retriable.
	if err == context.DeadlineExceeded || err == context.Canceled {
		return Retriable
	}

	lower := strings.ToLower(stderr)

	for _, kw := range nonRetriableKeywords {
		if strings.Contains(lower, kw) {
			return NonRetriable
		}
	}

	for _, kw := range retriableKeywords {
		if strings.Contains(lower, kw) {
			return Retriable
		}
	}

	// High exit codes (2+) are non-retriable (usage errors, fatal).
	if exitCode >= 2 {
		return NonRetriable
	}

	return Unknown
}

// Policy bounds retry behavior: attempt count, initial delay, backoff
// multiplier, and a delay cap.
type Policy struct {
	MaxAttempts int
	InitDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy matches the entitlement-service defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		InitDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
}

// delay returns the backoff delay after the given zero-based attempt.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Execute runs fn up to MaxAttempts times, backing off between attempts.
// NonRetriable errors fail immediately; Unknown errors retry like
// Retriable ones. Context cancellation aborts the backoff wait.
func (p Policy) Execute(ctx context.Context, fn func() (string, error, ErrorKind)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		out, err, kind := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if kind == NonRetriable {
			return "", err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}
