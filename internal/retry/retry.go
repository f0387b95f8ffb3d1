// Package retry wraps outbound remote calls with classification-driven
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hellausefulsoftware/glbot/internal/logging"
)

// Class partitions errors into those worth retrying and those that will
// fail the same way every time.
type Class int

const (
	// NonRetryable errors short-circuit immediately with no delay
	NonRetryable Class = iota
	// Retryable errors are transient and worth another attempt
	Retryable
)

// Classify decides whether an error from a remote call is transient.
// Retryable: connection resets/refusals, broken pipes, timeouts, HTTP
// 5xx, 429 and 408. Non-retryable: all other 4xx (auth and validation
// failures), and local file errors such as missing credential material.
func Classify(err error) Class {
	if err == nil {
		return NonRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NonRetryable
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "408") || strings.Contains(errStr, "request timeout") {
		return Retryable
	}
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return Retryable
	}
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") {
		return Retryable
	}

	// Remaining 4xx are bad requests that will not succeed on retry.
	return NonRetryable
}

// Policy holds the retry parameters. Immutable per process lifetime.
type Policy struct {
	MaxRetries int           // retries after the first attempt, clamped to 10
	Initial    time.Duration // first backoff delay
	Max        time.Duration // backoff ceiling
	Multiplier float64       // clamped to [1.0, 10.0]
	Timeout    time.Duration // per-attempt timeout, 0 disables
}

// DefaultPolicy returns the retry parameters used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Timeout:    60 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// min(initial * multiplier^attempt, max). Pure; the caller owns the
// actual waiting.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	if mult > 10.0 {
		mult = 10.0
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) maxRetries() int {
	if p.MaxRetries < 0 {
		return 0
	}
	if p.MaxRetries > 10 {
		return 10
	}
	return p.MaxRetries
}

// Sleeper suspends for d or until the context is canceled. Injected in
// tests to assert delay sequences without real waiting.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn with the policy's retry discipline. Each call starts its
// own attempt counter; there is no shared state across calls.
func Do(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	return DoWithSleeper(ctx, p, op, defaultSleeper, fn)
}

// DoWithSleeper is Do with an injected suspension mechanism.
func DoWithSleeper(ctx context.Context, p Policy, op string, sleep Sleeper, fn func(context.Context) error) error {
	var lastErr error
	retries := p.maxRetries()

	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 0 {
				logging.Info("remote call succeeded after retries", "op", op, "retries", attempt)
			}
			return nil
		}
		lastErr = err

		if Classify(err) == NonRetryable {
			return err
		}
		if attempt == retries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}

		delay := p.Delay(attempt)
		logging.Warn("remote call failed, backing off",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", retries+1,
			"delay", delay,
			"error", err)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, retries+1, lastErr)
}
