package logdog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/werf/logboek"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/werf/logdog/pkg/capture"
	"github.com/werf/logdog/pkg/config"
	"github.com/werf/logdog/pkg/failure"
	"github.com/werf/logdog/pkg/ledger"
	"github.com/werf/logdog/pkg/metrics"
	"github.com/werf/logdog/pkg/monitor"
	"github.com/werf/logdog/pkg/retry"
)

// Watchdog owns the whole capture pipeline: watch stream manager, failure
// classifier, log extractor and dedup ledger, all sharing one invoker and one
// credential source. State is passed explicitly; there are no package-level
// globals.
type Watchdog struct {
	cfg       *config.Config
	source    retry.ClientSource
	invoker   *retry.Invoker
	ledger    *ledger.Ledger
	classify  *failure.Classifier
	extractor *capture.Extractor
	manager   *monitor.StreamManager
	metrics   *metrics.Metrics

	sessionID string
}

func NewWatchdog(cfg *config.Config, source retry.ClientSource, m *metrics.Metrics) *Watchdog {
	invoker := retry.NewInvoker(source)
	invoker.MaxAttempts = cfg.MaxAttempts
	invoker.BaseDelay = cfg.BaseRetryDelay()
	invoker.MaxDelay = cfg.MaxRetryDelay()
	invoker.OnRetry = func(operation string, attempt int, err error) {
		m.IncRetry()
	}

	dedupLedger := ledger.NewLedger()

	fetcher := &capture.KubeLogFetcher{Invoker: invoker}
	if cfg.TailLines > 0 {
		tail := cfg.TailLines
		fetcher.TailLines = &tail
	}

	w := &Watchdog{
		cfg:       cfg,
		source:    source,
		invoker:   invoker,
		ledger:    dedupLedger,
		classify:  failure.NewClassifier(dedupLedger),
		extractor: capture.NewExtractor(fetcher, cfg.LogDir),
		metrics:   m,
		sessionID: uuid.NewString(),
	}

	manager := monitor.NewStreamManager(cfg.Namespace, invoker, w.handlePodEvent)
	manager.OnRelist = w.handleRelist
	manager.OnReconnect = m.IncReconnect
	manager.ReconnectDelay = cfg.ReconnectDelay()
	manager.WatchTimeoutSeconds = cfg.WatchTimeoutSeconds
	w.manager = manager

	return w
}

// Run blocks until the context is canceled. Clean shutdown returns nil.
func (w *Watchdog) Run(ctx context.Context) error {
	logboek.Context(ctx).Default().LogF("Starting pod failure watch session %s for namespace %q\n", w.sessionID, w.cfg.Namespace)
	logboek.Context(ctx).Default().LogF("Log directory: %s\n", w.cfg.LogDir)

	if interval := w.cfg.AuthRefreshInterval(); interval > 0 {
		if provider, ok := w.source.(periodicRefresher); ok {
			go provider.RunPeriodicRefresh(ctx, interval)
		}
	}

	err := w.manager.Run(ctx)

	logboek.Context(ctx).Default().LogF("Watch session %s stopped\n", w.sessionID)
	return err
}

// periodicRefresher is satisfied by kube.ClientProvider; test sources without
// proactive refresh simply skip it.
type periodicRefresher interface {
	RunPeriodicRefresh(ctx context.Context, interval time.Duration)
}

// handlePodEvent is the synchronous per-event pipeline step: classify, then
// extract, then mark the uid handled. Extraction failure due to an
// unreachable API deliberately leaves the uid unmarked so a later event for
// the same pod retries the capture.
func (w *Watchdog) handlePodEvent(ctx context.Context, eventType watch.EventType, pod *corev1.Pod) error {
	result := w.classify.Classify(eventType, pod)

	switch result.Decision {
	case failure.NotFailed:
		return nil
	case failure.AlreadyKnownFailure:
		logboek.Context(ctx).Debug().LogF("Pod %q failure already captured, skipping %s event\n", pod.Name, eventType)
		return nil
	}

	w.metrics.IncFailuresDetected()
	logboek.Context(ctx).Default().LogF("Pod %q failed: %s\n", pod.Name, result.Reason)

	artifact, path, err := w.extractor.Extract(ctx, pod, result.Reason)
	if err != nil {
		if errors.Is(err, capture.ErrUnreachable) {
			w.metrics.IncExtraction(metrics.OutcomeUnreachable)
			logboek.Context(ctx).Error().LogF("Unable to capture logs of pod %q, will retry on a future event: %s\n", pod.Name, err)
			return nil
		}
		w.metrics.IncExtraction(metrics.OutcomeError)
		return err
	}

	w.ledger.MarkHandled(pod.UID)

	if artifact.HasCaptureErrors() {
		w.metrics.IncExtraction(metrics.OutcomePartial)
		logboek.Context(ctx).Warn().LogF("Logs of pod %q saved to %s with partial content\n", pod.Name, path)
	} else {
		w.metrics.IncExtraction(metrics.OutcomeSuccess)
		logboek.Context(ctx).Default().LogF("Logs of pod %q saved to %s\n", pod.Name, path)
	}

	return nil
}

// handleRelist runs on every (re)connect without a usable cursor: already
// failed pods get captured even if their failure happened while the watch was
// down, and optionally the ledger drops uids that no longer exist.
func (w *Watchdog) handleRelist(ctx context.Context, pods []corev1.Pod) {
	if w.cfg.LedgerEviction {
		existing := make(map[types.UID]struct{}, len(pods))
		for i := range pods {
			existing[pods[i].UID] = struct{}{}
		}
		if evicted := w.ledger.Evict(existing); evicted > 0 {
			logboek.Context(ctx).Debug().LogF("Evicted %d ledger entries for pods that no longer exist\n", evicted)
		}
	}

	logboek.Context(ctx).Debug().LogF("Checking %d existing pods for failures\n", len(pods))

	for i := range pods {
		pod := &pods[i]
		if err := w.handlePodEvent(ctx, watch.Modified, pod); err != nil {
			logboek.Context(ctx).Error().LogF("Error processing existing pod %q: %s\n", pod.Name, err)
		}
	}
}
