package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/werf/logboek"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
)

type fakeSource struct {
	client    kubernetes.Interface
	refreshes int

	// failRefreshes makes the first N ForceRefresh calls fail.
	failRefreshes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{client: fake.NewSimpleClientset()}
}

func (s *fakeSource) Current() kubernetes.Interface { return s.client }

func (s *fakeSource) ForceRefresh() error {
	s.refreshes++
	if s.refreshes <= s.failRefreshes {
		return fmt.Errorf("token endpoint unavailable")
	}
	return nil
}

func newTestInvoker(source ClientSource, sleeps *[]time.Duration) *Invoker {
	inv := NewInvoker(source)
	inv.Sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return inv
}

func TestUnauthorizedRefreshesOnceAndRetriesImmediately(t *testing.T) {
	source := newFakeSource()
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)

	var calls int
	err := inv.Invoke(context.Background(), "get pod", func(client kubernetes.Interface) error {
		calls++
		if calls == 1 {
			return apierrors.NewUnauthorized("token expired")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, source.refreshes)
	assert.Equal(t, 2, calls)
	assert.Empty(t, sleeps, "the post-refresh retry must not consume a backoff slot")
}

func TestUnauthorizedThenTransientUsesNormalBackoff(t *testing.T) {
	source := newFakeSource()
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)

	var calls int
	err := inv.Invoke(context.Background(), "list pods", func(client kubernetes.Interface) error {
		calls++
		switch calls {
		case 1:
			return apierrors.NewUnauthorized("token expired")
		case 2, 3:
			return apierrors.NewServiceUnavailable("apiserver overloaded")
		default:
			return nil
		}
	})

	require.NoError(t, err)
	assert.Equal(t, 1, source.refreshes)
	assert.Equal(t, 4, calls)
	assert.Len(t, sleeps, 2)
}

func TestFailedRefreshBacksOffBeforeRetrying(t *testing.T) {
	source := newFakeSource()
	source.failRefreshes = 1
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)

	var calls int
	err := inv.Invoke(context.Background(), "list pods", func(client kubernetes.Interface) error {
		calls++
		if calls <= 2 {
			return apierrors.NewUnauthorized("token expired")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, source.refreshes, "refresh reattempted after the backoff")
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 1, "a failed refresh consumes a backoff slot instead of retrying immediately")
}

func TestTransientRetriesUntilExhausted(t *testing.T) {
	source := newFakeSource()
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)
	inv.MaxAttempts = 3

	var calls int
	err := inv.Invoke(context.Background(), "watch pods", func(client kubernetes.Interface) error {
		calls++
		return apierrors.NewServiceUnavailable("still down")
	})

	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 2, "no sleep after the final attempt")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "watch pods", apiErr.Operation)
	assert.Equal(t, 3, apiErr.Attempts)
	assert.True(t, apierrors.IsServiceUnavailable(apiErr.Cause))
}

func TestPermanentErrorNotRetried(t *testing.T) {
	source := newFakeSource()
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)

	permanent := apierrors.NewBadRequest("previous terminated container not found")

	var calls int
	err := inv.Invoke(context.Background(), "get logs", func(client kubernetes.Interface) error {
		calls++
		return permanent
	})

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, source.refreshes)
	assert.Empty(t, sleeps)
}

func TestExpiredCursorNotRetried(t *testing.T) {
	source := newFakeSource()
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)

	expired := apierrors.NewResourceExpired("too old resource version")

	var calls int
	err := inv.Invoke(context.Background(), "watch pods", func(client kubernetes.Interface) error {
		calls++
		return expired
	})

	assert.Equal(t, expired, err)
	assert.Equal(t, 1, calls)
}

func TestOnRetryHookObservesEachBackoff(t *testing.T) {
	source := newFakeSource()
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)
	inv.MaxAttempts = 4

	var retries []int
	inv.OnRetry = func(operation string, attempt int, err error) {
		retries = append(retries, attempt)
	}

	_ = inv.Invoke(context.Background(), "list pods", func(client kubernetes.Interface) error {
		return apierrors.NewServiceUnavailable("down")
	})

	assert.Equal(t, []int{1, 2, 3}, retries)
}

func TestBackoffDelaysGrowAndStayCapped(t *testing.T) {
	inv := NewInvoker(newFakeSource())
	inv.BaseDelay = 1 * time.Second
	inv.MaxDelay = 8 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		full := inv.BaseDelay << uint(attempt-1)
		if full <= 0 || full > inv.MaxDelay {
			full = inv.MaxDelay
		}
		for i := 0; i < 20; i++ {
			d := inv.backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, full, "attempt %d", attempt)
		}
	}
}

func TestSleepCancellation(t *testing.T) {
	source := newFakeSource()
	inv := NewInvoker(source)
	inv.BaseDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(logboek.NewContext(context.Background(), logboek.DefaultLogger()))
	cancel()

	err := inv.Invoke(ctx, "list pods", func(client kubernetes.Interface) error {
		return apierrors.NewServiceUnavailable("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenericInvokeReturnsResult(t *testing.T) {
	source := newFakeSource()
	var sleeps []time.Duration
	inv := newTestInvoker(source, &sleeps)

	var calls int
	res, err := Invoke(context.Background(), inv, "list pods", func(client kubernetes.Interface) (string, error) {
		calls++
		if calls == 1 {
			return "", apierrors.NewServiceUnavailable("down")
		}
		return "pod-list", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "pod-list", res)
	assert.Equal(t, 2, calls)
}
