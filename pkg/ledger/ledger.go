package ledger

import (
	"sync"

	"k8s.io/apimachinery/pkg/types"
)

// Ledger tracks pod uids whose failure logs have already been captured, so
// duplicate watch notifications for the same failure do not produce duplicate
// artifacts. Keyed by uid rather than name: a restarted pod reusing the same
// name gets a fresh uid and is captured again.
//
// The set is in-memory only. After a process restart the namespace is
// re-listed and pods still in a failed phase are captured again; this is a
// documented limitation, not a defect.
type Ledger struct {
	mu      sync.Mutex
	handled map[types.UID]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		handled: make(map[types.UID]struct{}),
	}
}

func (l *Ledger) MarkHandled(uid types.UID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handled[uid] = struct{}{}
}

func (l *Ledger) IsHandled(uid types.UID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handled[uid]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handled)
}

// Evict drops entries for uids not present in existing and returns the number
// of dropped entries. Used to bound ledger growth for long-running watches:
// a pod that no longer exists in the namespace can never be reported again
// under the same uid.
func (l *Ledger) Evict(existing map[types.UID]struct{}) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var evicted int
	for uid := range l.handled {
		if _, ok := existing[uid]; !ok {
			delete(l.handled, uid)
			evicted++
		}
	}
	return evicted
}
