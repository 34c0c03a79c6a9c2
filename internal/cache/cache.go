package cache

import (
	"reflect"
	"sync"
	"time"

	"github.com/jkaberg/socest/internal/estimator"
)

// Manager remembers the last published result per charge point and answers
// "has anything worth publishing changed since then?".
//
// Behaviour:
//   - The first result of a charge point is always a change.
//   - The poll timer, timestamps and the action are ignored, so a run that
//     only ticked the timer is not a change.
//   - With a positive forceAfter, a result is reported as changed once that
//     much time has passed since the last publish.
type Manager struct {
	mu         sync.Mutex
	forceAfter time.Duration
	prev       map[int]entry
	now        func() time.Time
}

type entry struct {
	key  snapshot
	sent time.Time
}

type snapshot struct {
	SoC            *float64
	Baseline       *float64
	ReferenceMeter *float64
	Charging       bool
}

// NewManager returns a ready-to-use cache manager.
func NewManager(forceAfter time.Duration) *Manager {
	return &Manager{
		forceAfter: forceAfter,
		prev:       make(map[int]entry),
		now:        time.Now,
	}
}

// Changed reports whether res differs from the last result stored for its
// charge point and, if so, stores it.
func (m *Manager) Changed(res estimator.Result) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := snapshot{
		SoC:            res.Record.SoC,
		Baseline:       res.Record.Baseline,
		ReferenceMeter: res.Record.ReferenceMeter,
		Charging:       res.ChargingActive,
	}
	now := m.now()

	prev, ok := m.prev[res.ChargePoint]
	stale := m.forceAfter > 0 && now.Sub(prev.sent) >= m.forceAfter
	if ok && !stale && reflect.DeepEqual(prev.key, cur) {
		return false
	}

	m.prev[res.ChargePoint] = entry{key: clone(cur), sent: now}
	return true
}

// Forget drops the stored result so the next call reports a change, e.g.
// after a failed publish.
func (m *Manager) Forget(chargePoint int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prev, chargePoint)
}

// clone copies pointer targets so later mutation of the record cannot leak
// into the cache.
func clone(s snapshot) snapshot {
	cp := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	return snapshot{
		SoC:            cp(s.SoC),
		Baseline:       cp(s.Baseline),
		ReferenceMeter: cp(s.ReferenceMeter),
		Charging:       s.Charging,
	}
}
