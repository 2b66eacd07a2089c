// Package steering tracks per-(AP,client) steering back-off across runs of
// the client band-steering algorithm (spec.md §3, §4.5).
package steering

import (
	"sync"
	"sync/atomic"
	"time"
)

// key identifies one (AP serial, client MAC) pair.
type key struct {
	serial string
	client string
}

// State is the shared back-off tracker. A steering action may be
// registered only if the elapsed time since the last recorded action
// exceeds the configured back-off. Dry-run queries must not mutate state.
type State struct {
	mu   sync.Mutex
	last map[key]*atomic.Int64 // unix nanos of last non-dry-run action
}

func New() *State {
	return &State{last: make(map[key]*atomic.Int64)}
}

func (s *State) entry(serial, client string) *atomic.Int64 {
	k := key{serial, client}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.last[k]
	if !ok {
		e = &atomic.Int64{}
		s.last[k] = e
	}
	return e
}

// RegisterIfBackoffExpired reports whether an action for (serial, client)
// may be emitted at `now`, given `backoff`. In dry-run mode the query
// reports what would happen without recording `now` as the last action
// time. In non-dry-run mode, the update only takes effect — and true is
// returned — if the elapsed time since the last recorded action exceeds
// backoff; this is enforced with a compare-and-swap loop so concurrent
// callers for the same key never both win.
func (s *State) RegisterIfBackoffExpired(serial, client string, now time.Time, backoff time.Duration, dryRun bool) bool {
	e := s.entry(serial, client)
	nowNanos := now.UnixNano()

	for {
		last := e.Load()
		if last != 0 && nowNanos-last <= int64(backoff) {
			return false
		}
		if dryRun {
			return true
		}
		if e.CompareAndSwap(last, nowNanos) {
			return true
		}
		// Lost the race to a concurrent registrant for the same key; retry
		// with the freshly observed value.
	}
}

// LastAction returns the last recorded non-dry-run action time for
// (serial, client), and whether one has ever been recorded.
func (s *State) LastAction(serial, client string) (time.Time, bool) {
	e := s.entry(serial, client)
	v := e.Load()
	if v == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, v), true
}
