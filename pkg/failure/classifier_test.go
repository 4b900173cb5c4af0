package failure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/werf/logdog/pkg/ledger"
)

func newPod(uid string, phase corev1.PodPhase, statuses ...corev1.ContainerStatus) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-pod",
			Namespace: "test-ns",
			UID:       types.UID(uid),
		},
		Status: corev1.PodStatus{
			Phase:             phase,
			ContainerStatuses: statuses,
		},
	}
}

func terminated(name string, exitCode int32, reason string) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name: name,
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: exitCode, Reason: reason},
		},
	}
}

func waiting(name, reason string) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name: name,
		State: corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: reason},
		},
	}
}

func running(name string) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name: name,
		State: corev1.ContainerState{
			Running: &corev1.ContainerStateRunning{},
		},
	}
}

func TestClassifyRules(t *testing.T) {
	tests := []struct {
		name      string
		eventType watch.EventType
		pod       *corev1.Pod
		decision  Decision
		reason    string
	}{
		{
			name:      "deleted pod not yet succeeded",
			eventType: watch.Deleted,
			pod:       newPod("uid-del", corev1.PodRunning),
			decision:  NewFailure,
			reason:    "deleted",
		},
		{
			name:      "deleted pod that completed successfully",
			eventType: watch.Deleted,
			pod:       newPod("uid-ok", corev1.PodSucceeded),
			decision:  NotFailed,
		},
		{
			name:      "pod phase failed",
			eventType: watch.Modified,
			pod:       newPod("uid-failed", corev1.PodFailed, terminated("app", 1, "Error")),
			decision:  NewFailure,
			reason:    "pod phase failed",
		},
		{
			name:      "container nonzero exit code",
			eventType: watch.Modified,
			pod:       newPod("uid-exit", corev1.PodRunning, terminated("app", 137, "")),
			decision:  NewFailure,
			reason:    "container exited nonzero: app, code 137",
		},
		{
			name:      "crash loop back off",
			eventType: watch.Modified,
			pod:       newPod("uid-crash", corev1.PodRunning, waiting("app", "CrashLoopBackOff")),
			decision:  NewFailure,
			reason:    "CrashLoopBackOff",
		},
		{
			name:      "image pull back off",
			eventType: watch.Added,
			pod:       newPod("uid-pull", corev1.PodPending, waiting("app", "ImagePullBackOff")),
			decision:  NewFailure,
			reason:    "ImagePullBackOff",
		},
		{
			name:      "oom killed terminated reason with zero exit code",
			eventType: watch.Modified,
			pod:       newPod("uid-oom", corev1.PodRunning, terminated("app", 0, "OOMKilled")),
			decision:  NewFailure,
			reason:    "OOMKilled",
		},
		{
			name:      "healthy running pod",
			eventType: watch.Modified,
			pod:       newPod("uid-run", corev1.PodRunning, running("app")),
			decision:  NotFailed,
		},
		{
			name:      "successful completion",
			eventType: watch.Modified,
			pod:       newPod("uid-done", corev1.PodSucceeded, terminated("app", 0, "Completed")),
			decision:  NotFailed,
		},
		{
			name:      "benign waiting reason",
			eventType: watch.Added,
			pod:       newPod("uid-wait", corev1.PodPending, waiting("app", "ContainerCreating")),
			decision:  NotFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(ledger.NewLedger())
			res := c.Classify(tt.eventType, tt.pod)
			assert.Equal(t, tt.decision, res.Decision)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestExitCodeZeroNeverFailsExitCodeRule(t *testing.T) {
	c := NewClassifier(ledger.NewLedger())

	// Exit code 0 never triggers the nonzero-exit rule, regardless of restarts.
	pod := newPod("uid-zero", corev1.PodRunning, corev1.ContainerStatus{
		Name:         "app",
		RestartCount: 12,
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: 0},
		},
	})
	res := c.Classify(watch.Modified, pod)
	assert.Equal(t, NotFailed, res.Decision)

	// A nonzero exit code always does, even with zero restarts.
	pod = newPod("uid-nonzero", corev1.PodRunning, terminated("app", 2, ""))
	res = c.Classify(watch.Modified, pod)
	assert.Equal(t, NewFailure, res.Decision)
	assert.Equal(t, "container exited nonzero: app, code 2", res.Reason)
}

func TestRulePriorityOrder(t *testing.T) {
	c := NewClassifier(ledger.NewLedger())

	// Phase failed wins over container-level rules.
	pod := newPod("uid-prio", corev1.PodFailed, terminated("app", 1, "Error"), waiting("side", "CrashLoopBackOff"))
	res := c.Classify(watch.Modified, pod)
	assert.Equal(t, "pod phase failed", res.Reason)

	// Nonzero exit wins over bad waiting reason.
	pod = newPod("uid-prio2", corev1.PodRunning, waiting("side", "CrashLoopBackOff"), terminated("app", 1, ""))
	res = c.Classify(watch.Modified, pod)
	assert.Equal(t, "container exited nonzero: app, code 1", res.Reason)
}

func TestAlreadyKnownFailure(t *testing.T) {
	l := ledger.NewLedger()
	c := NewClassifier(l)

	pod := newPod("uid-known", corev1.PodFailed)

	res := c.Classify(watch.Modified, pod)
	assert.Equal(t, NewFailure, res.Decision)

	l.MarkHandled(pod.UID)

	// Once handled, every subsequent event for the uid is a known failure,
	// including Deleted.
	res = c.Classify(watch.Modified, pod)
	assert.Equal(t, AlreadyKnownFailure, res.Decision)

	res = c.Classify(watch.Deleted, pod)
	assert.Equal(t, AlreadyKnownFailure, res.Decision)
}

func TestReasonIsDeterministic(t *testing.T) {
	c := NewClassifier(ledger.NewLedger())
	pod := newPod("uid-det", corev1.PodRunning, terminated("app", 42, ""))

	first := c.Classify(watch.Modified, pod)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(watch.Modified, pod))
	}
}

func TestInitContainerStatusesConsidered(t *testing.T) {
	c := NewClassifier(ledger.NewLedger())

	pod := newPod("uid-init", corev1.PodPending)
	pod.Status.InitContainerStatuses = []corev1.ContainerStatus{terminated("init-db", 3, "")}

	res := c.Classify(watch.Modified, pod)
	assert.Equal(t, NewFailure, res.Decision)
	assert.Equal(t, "container exited nonzero: init-db, code 3", res.Reason)
}
