package crawler

import "sync"

// StateSnapshot is a point-in-time copy of the crawl counters.
type StateSnapshot struct {
	Queued    int  `json:"jobs_queued"`
	InFlight  int  `json:"jobs_in_flight"`
	Completed int  `json:"jobs_completed"`
	Failed    int  `json:"jobs_failed"`
	Started   bool `json:"started"`
}

// Pending is the number of records not yet acknowledged.
func (s StateSnapshot) Pending() int {
	return s.Queued + s.InFlight
}

// State holds the counters of one crawler instance. All mutations go through
// Update so readers always observe a consistent snapshot.
type State struct {
	mu   sync.Mutex
	snap StateSnapshot
}

// NewState returns zeroed counters.
func NewState() *State {
	return &State{}
}

// Update applies fn under the state lock and returns the resulting snapshot.
func (s *State) Update(fn func(*StateSnapshot)) StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	return s.snap
}

// Snapshot returns a copy of the counters.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// MarkStarted flips the started flag and reports whether this call did it.
func (s *State) MarkStarted() bool {
	first := false
	s.Update(func(snap *StateSnapshot) {
		if !snap.Started {
			snap.Started = true
			first = true
		}
	})
	return first
}

// Enqueued records n new queue records. A negative n withdraws records
// that never reached the queue.
func (s *State) Enqueued(n int) StateSnapshot {
	return s.Update(func(snap *StateSnapshot) { snap.Queued += n })
}

// Dispatched moves one record from queued to in flight.
func (s *State) Dispatched() StateSnapshot {
	return s.Update(func(snap *StateSnapshot) {
		if snap.Queued > 0 {
			snap.Queued--
		}
		snap.InFlight++
	})
}

// Completed retires one in-flight record.
func (s *State) Completed(failed bool) StateSnapshot {
	return s.Update(func(snap *StateSnapshot) {
		if snap.InFlight > 0 {
			snap.InFlight--
		}
		snap.Completed++
		if failed {
			snap.Failed++
		}
	})
}
