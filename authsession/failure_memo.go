package authsession

import (
	"sync"
	"time"
)

// FailureMemo remembers when profile enrichment last failed per identity,
// so automatic retries back off for the cool-down window.
type FailureMemo struct {
	lock     sync.Mutex
	failures map[string]time.Time
	cooldown time.Duration
	nowTime  func() time.Time
}

func NewFailureMemo(cooldown time.Duration, nowTime func() time.Time) *FailureMemo {
	if nowTime == nil {
		nowTime = time.Now
	}
	return &FailureMemo{
		failures: make(map[string]time.Time),
		cooldown: cooldown,
		nowTime:  nowTime,
	}
}

// Record notes a failure for identityID at the current time and drops
// entries whose cool-down has passed.
func (m *FailureMemo) Record(identityID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := m.nowTime()
	m.pruneLocked(now)
	m.failures[identityID] = now
}

func (m *FailureMemo) Clear(identityID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.failures, identityID)
}

// Recent reports whether identityID failed less than the cool-down ago.
func (m *FailureMemo) Recent(identityID string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	at, ok := m.failures[identityID]
	if !ok {
		return false
	}
	if m.nowTime().Sub(at) >= m.cooldown {
		delete(m.failures, identityID)
		return false
	}
	return true
}

func (m *FailureMemo) pruneLocked(now time.Time) {
	for id, at := range m.failures {
		if now.Sub(at) >= m.cooldown {
			delete(m.failures, id)
		}
	}
}

func (m *FailureMemo) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.failures)
}
