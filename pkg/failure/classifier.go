package failure

import (
	"fmt"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/werf/logdog/pkg/ledger"
)

type Decision string

const (
	NotFailed           Decision = "NotFailed"
	NewFailure          Decision = "NewFailure"
	AlreadyKnownFailure Decision = "AlreadyKnownFailure"
)

type Result struct {
	Decision Decision
	Reason   string
}

// Container states that indicate the pod is broken even though its phase may
// still report Pending or Running.
var badContainerReasons = []string{
	"CrashLoopBackOff",
	"ImagePullBackOff",
	"ErrImagePull",
	"OOMKilled",
	"Error",
}

// Classifier decides whether a pod event represents a newly observed failure.
// Reason strings are deterministic for identical inputs.
type Classifier struct {
	Ledger *ledger.Ledger
}

func NewClassifier(l *ledger.Ledger) *Classifier {
	return &Classifier{Ledger: l}
}

func (c *Classifier) Classify(eventType watch.EventType, pod *corev1.Pod) Result {
	if c.Ledger.IsHandled(pod.UID) {
		return Result{Decision: AlreadyKnownFailure}
	}

	if eventType == watch.Deleted {
		if pod.Status.Phase == corev1.PodSucceeded {
			return Result{Decision: NotFailed}
		}
		return Result{Decision: NewFailure, Reason: "deleted"}
	}

	if pod.Status.Phase == corev1.PodFailed {
		return Result{Decision: NewFailure, Reason: "pod phase failed"}
	}

	statuses := allContainerStatuses(pod)

	for _, cs := range statuses {
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			return Result{
				Decision: NewFailure,
				Reason:   fmt.Sprintf("container exited nonzero: %s, code %d", cs.Name, t.ExitCode),
			}
		}
	}

	for _, cs := range statuses {
		if reason := containerStateReason(cs); reason != "" && lo.Contains(badContainerReasons, reason) {
			return Result{Decision: NewFailure, Reason: reason}
		}
	}

	return Result{Decision: NotFailed}
}

// allContainerStatuses returns init container statuses followed by regular
// container statuses, preserving api order so classification is stable.
func allContainerStatuses(pod *corev1.Pod) []corev1.ContainerStatus {
	statuses := make([]corev1.ContainerStatus, 0, len(pod.Status.InitContainerStatuses)+len(pod.Status.ContainerStatuses))
	statuses = append(statuses, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)
	return statuses
}

func containerStateReason(cs corev1.ContainerStatus) string {
	if cs.State.Waiting != nil {
		return cs.State.Waiting.Reason
	}
	if cs.State.Terminated != nil {
		return cs.State.Terminated.Reason
	}
	return ""
}
