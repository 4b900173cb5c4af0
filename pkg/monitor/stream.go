package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/werf/logboek"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/werf/logdog/pkg/retry"
)

type State string

const (
	Disconnected State = "Disconnected"
	Connecting   State = "Connecting"
	Streaming    State = "Streaming"
	Closed       State = "Closed"
)

const (
	DefaultReconnectDelay      = 5 * time.Second
	DefaultWatchTimeoutSeconds = int64(300)
)

// EventHandler processes one pod event synchronously. The manager does not
// read the next event until the handler returns, so events for the same pod
// are always handled in delivery order.
type EventHandler func(ctx context.Context, eventType watch.EventType, pod *corev1.Pod) error

// RelistHandler receives the full pod list produced whenever the manager
// (re)connects without a usable cursor.
type RelistHandler func(ctx context.Context, pods []corev1.Pod)

// StreamManager keeps a pod watch open against a namespace indefinitely,
// resuming from the last observed resource-version cursor after stream
// terminations and falling back to a fresh list when the cursor has expired.
type StreamManager struct {
	Namespace string
	Invoker   *retry.Invoker
	Handler   EventHandler

	OnRelist    RelistHandler
	OnReconnect func()

	ReconnectDelay      time.Duration
	WatchTimeoutSeconds int64

	// Sleep is replaceable so tests can skip reconnect delays.
	Sleep func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	state  State
	cursor string
}

func NewStreamManager(namespace string, invoker *retry.Invoker, handler EventHandler) *StreamManager {
	return &StreamManager{
		Namespace:           namespace,
		Invoker:             invoker,
		Handler:             handler,
		ReconnectDelay:      DefaultReconnectDelay,
		WatchTimeoutSeconds: DefaultWatchTimeoutSeconds,
		state:               Disconnected,
	}
}

func (m *StreamManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *StreamManager) Cursor() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}

func (m *StreamManager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *StreamManager) setCursor(rv string) {
	m.mu.Lock()
	m.cursor = rv
	m.mu.Unlock()
}

// Run drives the Disconnected -> Connecting -> Streaming loop until the
// context is canceled, which is the only way to reach Closed. Stream errors
// never terminate the loop; they are logged and followed by a reconnect.
func (m *StreamManager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			m.setState(Closed)
			return nil
		}

		m.setState(Connecting)

		if m.Cursor() == "" {
			if err := m.relist(ctx); err != nil {
				if ctx.Err() != nil {
					m.setState(Closed)
					return nil
				}
				logboek.Context(ctx).Error().LogF("Unable to list pods in namespace %q, reconnecting in %s: %s\n", m.Namespace, m.reconnectDelay(), err)
				if m.disconnect(ctx) {
					return nil
				}
				continue
			}
		}

		stream, err := m.openWatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(Closed)
				return nil
			}
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				// The api refused the resumption cursor outright; re-list from
				// latest instead of reopening with the same cursor.
				logboek.Context(ctx).Warn().LogF("Pod watch cursor rejected as expired, will re-list from latest: %s\n", err)
				m.setCursor("")
			} else {
				logboek.Context(ctx).Error().LogF("Unable to open pod watch in namespace %q, reconnecting in %s: %s\n", m.Namespace, m.reconnectDelay(), err)
			}
			if m.disconnect(ctx) {
				return nil
			}
			continue
		}

		m.setState(Streaming)
		logboek.Context(ctx).Debug().LogF("Watching pods in namespace %q from resource version %q\n", m.Namespace, m.Cursor())

		expired := m.stream(ctx, stream)
		stream.Stop()

		if ctx.Err() != nil {
			m.setState(Closed)
			return nil
		}

		if expired {
			// Cursor rejected as too old; re-list from latest to avoid an
			// unbounded replay gap.
			m.setCursor("")
		}

		if m.disconnect(ctx) {
			return nil
		}
	}
}

// disconnect transitions to Disconnected and waits out the reconnect delay.
// Returns true when the context was canceled during the wait.
func (m *StreamManager) disconnect(ctx context.Context) bool {
	m.setState(Disconnected)
	if m.OnReconnect != nil {
		m.OnReconnect()
	}
	if err := m.sleep(ctx, m.reconnectDelay()); err != nil {
		m.setState(Closed)
		return true
	}
	return false
}

// relist fetches the current pod list, advances the cursor to the list's
// resource version and hands the items to the relist handler.
func (m *StreamManager) relist(ctx context.Context) error {
	list, err := retry.Invoke(ctx, m.Invoker, "list pods", func(client kubernetes.Interface) (*corev1.PodList, error) {
		return client.CoreV1().Pods(m.Namespace).List(ctx, metav1.ListOptions{})
	})
	if err != nil {
		return err
	}

	m.setCursor(list.ResourceVersion)

	if m.OnRelist != nil {
		m.OnRelist(ctx, list.Items)
	}

	return nil
}

func (m *StreamManager) openWatch(ctx context.Context) (watch.Interface, error) {
	opts := metav1.ListOptions{
		ResourceVersion:     m.Cursor(),
		AllowWatchBookmarks: true,
		TimeoutSeconds:      &m.WatchTimeoutSeconds,
	}

	return retry.Invoke(ctx, m.Invoker, "watch pods", func(client kubernetes.Interface) (watch.Interface, error) {
		return client.CoreV1().Pods(m.Namespace).Watch(ctx, opts)
	})
}

// stream consumes watch events until the stream closes, an error event
// arrives or the context is canceled. Returns true when the cursor was
// rejected as expired.
func (m *StreamManager) stream(ctx context.Context, stream watch.Interface) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case e, ok := <-stream.ResultChan():
			if !ok {
				logboek.Context(ctx).Debug().LogF("Pod watch stream in namespace %q closed\n", m.Namespace)
				return false
			}

			switch e.Type {
			case watch.Bookmark:
				if obj, err := meta.Accessor(e.Object); err == nil {
					m.setCursor(obj.GetResourceVersion())
				}

			case watch.Error:
				statusErr := apierrors.FromObject(e.Object)
				if apierrors.IsResourceExpired(statusErr) || apierrors.IsGone(statusErr) {
					logboek.Context(ctx).Warn().LogF("Pod watch cursor expired, will re-list from latest: %s\n", statusErr)
					return true
				}
				logboek.Context(ctx).Error().LogF("Pod watch error event: %s\n", statusErr)
				return false

			case watch.Added, watch.Modified, watch.Deleted:
				pod, ok := e.Object.(*corev1.Pod)
				if !ok {
					logboek.Context(ctx).Error().LogF("Pod watch delivered unexpected object %T, skipping\n", e.Object)
					continue
				}

				m.setCursor(pod.ResourceVersion)
				m.handleEvent(ctx, e.Type, pod)
			}
		}
	}
}

// handleEvent is the pipeline boundary: a failing or panicking handler is
// logged and the stream keeps going with the next event.
func (m *StreamManager) handleEvent(ctx context.Context, eventType watch.EventType, pod *corev1.Pod) {
	defer func() {
		if r := recover(); r != nil {
			logboek.Context(ctx).Error().LogF("Panic handling %s event of pod %q: %v\n", eventType, pod.Name, r)
		}
	}()

	if err := m.Handler(ctx, eventType, pod); err != nil {
		logboek.Context(ctx).Error().LogF("Error handling %s event of pod %q: %s\n", eventType, pod.Name, err)
	}
}

func (m *StreamManager) reconnectDelay() time.Duration {
	if m.ReconnectDelay > 0 {
		return m.ReconnectDelay
	}
	return DefaultReconnectDelay
}

func (m *StreamManager) sleep(ctx context.Context, d time.Duration) error {
	if m.Sleep != nil {
		return m.Sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
