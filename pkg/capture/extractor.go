package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/google/uuid"
	"github.com/werf/logboek"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/werf/logdog/pkg/retry"
)

// ErrUnreachable means the extraction fetched nothing at all because every
// container log request exhausted the invoker. The failure stays unmarked in
// the dedup ledger so a future event for the same pod can retry the capture.
var ErrUnreachable = errors.New("cluster api unreachable, no container logs fetched")

// LogFetcher fetches the log text of one container instance.
type LogFetcher interface {
	FetchLogs(ctx context.Context, namespace, podName, containerName string, previous bool) (string, error)
}

// KubeLogFetcher fetches container logs from the cluster through the
// resilient invoker and scrubs ANSI escape sequences from the text.
type KubeLogFetcher struct {
	Invoker *retry.Invoker

	// TailLines caps the fetched log length when non-nil.
	TailLines *int64
}

func (f *KubeLogFetcher) FetchLogs(ctx context.Context, namespace, podName, containerName string, previous bool) (string, error) {
	operation := fmt.Sprintf("get logs po/%s container/%s", podName, containerName)
	if previous {
		operation += " (previous)"
	}

	return retry.Invoke(ctx, f.Invoker, operation, func(client kubernetes.Interface) (string, error) {
		logOpts := &corev1.PodLogOptions{
			Container: containerName,
			Previous:  previous,
		}
		if f.TailLines != nil {
			logOpts.TailLines = f.TailLines
		}

		req := client.CoreV1().Pods(namespace).GetLogs(podName, logOpts)

		readCloser, err := req.Stream(ctx)
		if err != nil {
			return "", err
		}
		defer readCloser.Close()

		data, err := io.ReadAll(readCloser)
		if err != nil {
			return "", err
		}

		return stripansi.Strip(string(data)), nil
	})
}

// Extractor captures container logs of a failed pod into one artifact file.
type Extractor struct {
	Fetcher LogFetcher
	Dir     string

	// now and newCaptureID are swapped in tests.
	now          func() time.Time
	newCaptureID func() string
}

func NewExtractor(fetcher LogFetcher, dir string) *Extractor {
	return &Extractor{
		Fetcher:      fetcher,
		Dir:          dir,
		now:          time.Now,
		newCaptureID: uuid.NewString,
	}
}

type containerRef struct {
	name        string
	hasPrevious bool
}

// Extract fetches logs for every container of the pod and writes the artifact
// file. A per-container fetch failure is recorded as a placeholder section and
// does not abort the extraction; the artifact is still written with partial
// content. Only when no container log could be fetched at all because the API
// was unreachable does Extract return ErrUnreachable without writing a file.
func (e *Extractor) Extract(ctx context.Context, pod *corev1.Pod, reason string) (*Artifact, string, error) {
	artifact := &Artifact{
		CaptureID:  e.newCaptureID(),
		PodName:    pod.Name,
		Namespace:  pod.Namespace,
		UID:        pod.UID,
		Reason:     reason,
		CapturedAt: e.now(),
	}

	var fetched, exhausted, attempts int

	fetch := func(containerName string, previous bool) {
		attempts++
		logs, err := e.Fetcher.FetchLogs(ctx, pod.Namespace, pod.Name, containerName, previous)
		section := ContainerSection{Name: containerName, Previous: previous}
		if err != nil {
			if retry.IsExhausted(err) {
				exhausted++
			}
			section.CaptureError = err.Error()
			logboek.Context(ctx).Warn().LogF("Unable to fetch logs of pod %q container %q (previous=%v): %s\n", pod.Name, containerName, previous, err)
		} else {
			fetched++
			section.Logs = logs
		}
		artifact.Sections = append(artifact.Sections, section)
	}

	for _, ref := range containerRefs(pod) {
		fetch(ref.name, false)
		if ref.hasPrevious {
			fetch(ref.name, true)
		}
	}

	if fetched == 0 && attempts > 0 && exhausted == attempts {
		return nil, "", fmt.Errorf("extract logs of pod %s/%s: %w", pod.Namespace, pod.Name, ErrUnreachable)
	}

	path, err := artifact.WriteFile(e.Dir)
	if err != nil {
		return nil, "", err
	}

	return artifact, path, nil
}

// containerRefs lists the pod's containers in api order (init containers
// first), marking those with a recorded previous termination so the previous
// instance logs get captured too. Falls back to the pod spec when statuses
// are not populated yet.
func containerRefs(pod *corev1.Pod) []containerRef {
	statuses := make([]corev1.ContainerStatus, 0, len(pod.Status.InitContainerStatuses)+len(pod.Status.ContainerStatuses))
	statuses = append(statuses, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)

	if len(statuses) == 0 {
		refs := make([]containerRef, 0, len(pod.Spec.InitContainers)+len(pod.Spec.Containers))
		for _, c := range pod.Spec.InitContainers {
			refs = append(refs, containerRef{name: c.Name})
		}
		for _, c := range pod.Spec.Containers {
			refs = append(refs, containerRef{name: c.Name})
		}
		return refs
	}

	refs := make([]containerRef, 0, len(statuses))
	for _, cs := range statuses {
		refs = append(refs, containerRef{
			name:        cs.Name,
			hasPrevious: cs.LastTerminationState.Terminated != nil || cs.RestartCount > 0,
		})
	}
	return refs
}
