package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/werf/logboek"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
)

type ErrorKind string

const (
	ErrorKindExhausted ErrorKind = "Exhausted"
)

// APIError is returned when the invoker gives up on an operation after
// exhausting its retry budget. The last underlying cause is preserved.
type APIError struct {
	Kind      ErrorKind
	Operation string
	Attempts  int
	Cause     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("operation %q %s after %d attempts: %s", e.Operation, e.Kind, e.Attempts, e.Cause)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

func IsExhausted(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == ErrorKindExhausted
}

// ClientSource hands out the current cluster client and rebuilds it on demand.
type ClientSource interface {
	Current() kubernetes.Interface
	ForceRefresh() error
}

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Invoker wraps cluster API calls with retry, exponential backoff and
// transparent credential refresh on authorization failure. It is the single
// point of failure-handling policy: every cluster call in the process goes
// through Invoke.
type Invoker struct {
	Source ClientSource

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep is replaceable so tests can simulate elapsed time.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each backoff delay.
	OnRetry func(operation string, attempt int, err error)
}

func NewInvoker(source ClientSource) *Invoker {
	return &Invoker{
		Source:      source,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Sleep:       sleepWithContext,
	}
}

// Invoke runs fn against the current client until it succeeds, fails
// permanently, or the retry budget is exhausted.
//
// An Unauthorized response triggers a credentials refresh followed by one
// immediate retry that does not consume a backoff slot; a failed refresh
// consumes a normal backoff slot instead. Transient failures (throttling,
// 5xx, timeouts, connection resets) are retried with jittered exponential
// backoff.
func (inv *Invoker) Invoke(ctx context.Context, operation string, fn func(client kubernetes.Interface) error) error {
	var attempt int
	var refreshed bool

	for {
		err := fn(inv.Source.Current())
		if err == nil {
			return nil
		}

		if apierrors.IsUnauthorized(err) && !refreshed {
			logboek.Context(ctx).Warn().LogF("Operation %q unauthorized, refreshing credentials: %s\n", operation, err)
			refreshed = true
			refreshErr := inv.Source.ForceRefresh()
			if refreshErr == nil {
				continue
			}
			// Retrying immediately with the known-stale client is pointless;
			// fall through to normal backoff and refresh again on the next
			// attempt.
			logboek.Context(ctx).Error().LogF("Credentials refresh failed, backing off before the next attempt: %s\n", refreshErr)
		}

		if !isRetryable(err) {
			return err
		}

		attempt++
		if attempt >= inv.maxAttempts() {
			return &APIError{
				Kind:      ErrorKindExhausted,
				Operation: operation,
				Attempts:  attempt,
				Cause:     err,
			}
		}

		if inv.OnRetry != nil {
			inv.OnRetry(operation, attempt, err)
		}

		delay := inv.backoffDelay(attempt)
		logboek.Context(ctx).Warn().LogF("Operation %q failed (attempt %d/%d), retrying in %s: %s\n", operation, attempt, inv.maxAttempts(), delay, err)

		if sleepErr := inv.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		refreshed = false
	}
}

// Invoke runs a result-returning operation through the invoker.
func Invoke[T any](ctx context.Context, inv *Invoker, operation string, fn func(client kubernetes.Interface) (T, error)) (T, error) {
	var res T
	err := inv.Invoke(ctx, operation, func(client kubernetes.Interface) error {
		var fnErr error
		res, fnErr = fn(client)
		return fnErr
	})
	return res, err
}

func (inv *Invoker) maxAttempts() int {
	if inv.MaxAttempts > 0 {
		return inv.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (inv *Invoker) sleep(ctx context.Context, d time.Duration) error {
	if inv.Sleep != nil {
		return inv.Sleep(ctx, d)
	}
	return sleepWithContext(ctx, d)
}

// backoffDelay grows exponentially with the attempt number, capped at
// MaxDelay, with jitter over the upper half of the window so simultaneous
// retriers do not synchronize against a degraded apiserver.
func (inv *Invoker) backoffDelay(attempt int) time.Duration {
	base := inv.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := inv.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	delay := base << uint(attempt-1)
	if delay <= 0 || delay > max {
		delay = max
	}

	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryable reports whether the error is worth another attempt. Expired
// watch cursors (410 Gone) are deliberately not retryable here: the watch
// manager has to re-list instead of repeating the same doomed call.
func isRetryable(err error) bool {
	switch {
	case apierrors.IsUnauthorized(err),
		apierrors.IsForbidden(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err):
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
