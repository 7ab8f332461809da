package sync

import "sync"

// SyncState is the reconciliation state machine position for one user.
type SyncState string

const (
	StateIdle        SyncState = "idle"
	StatePulling     SyncState = "pulling"
	StateReconciling SyncState = "reconciling"
	StatePushing     SyncState = "pushing"
	StateError       SyncState = "error"
)

// userLock serializes every credential/sync operation for one user and
// coalesces webhook-triggered pulls: while a pass is in flight at most one
// follow-up pull is queued, never a stack.
type userLock struct {
	mu sync.Mutex // held for the duration of a pass

	stateMu     sync.Mutex
	state       SyncState
	pullPending bool
}

func (l *userLock) setState(s SyncState) {
	l.stateMu.Lock()
	l.state = s
	l.stateMu.Unlock()
}

func (l *userLock) currentState() SyncState {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == "" {
		return StateIdle
	}
	return l.state
}

// markPullPending reports true when the caller should schedule a pull; a
// false return means one is already queued behind the in-flight pass.
func (l *userLock) markPullPending() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.pullPending {
		return false
	}
	l.pullPending = true
	return true
}

func (l *userLock) clearPullPending() {
	l.stateMu.Lock()
	l.pullPending = false
	l.stateMu.Unlock()
}

// userLocks hands out per-user locks. Entries are never evicted; one lock per
// connected user is cheap and keeps the serialization guarantee simple.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*userLock
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*userLock)}
}

func (l *userLocks) get(userID string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[userID]
	if !ok {
		entry = &userLock{state: StateIdle}
		l.entries[userID] = entry
	}
	return entry
}
