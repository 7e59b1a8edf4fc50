package r2

import "sync"

// State is a site entry's membership state (§3 "Site entry (R2 side)").
type State int32

const (
	StateInit State = iota
	StateNormal
	StateTransient
	StateError
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNormal:
		return "normal"
	case StateTransient:
		return "transient"
	case StateError:
		return "error"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// siteEntry is R2's per-site bookkeeping record: identity, fsid/gid, its
// checkpoint, membership state, and missed-heartbeat count (§3).
type siteEntry struct {
	mu sync.Mutex

	SiteID uint64
	Fsid   uint32
	Gid    uint32
	Hxi    hxi
	State  State
	HBLost int
}

func (s *siteEntry) snapshotHxi() hxi {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Hxi
}

func (s *siteEntry) recordHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HBLost = 0
	s.State = StateNormal
}

// bumpLost increments the missed-heartbeat counter and transitions to
// ERROR once it reaches limit (§4.6 "Heartbeat"). Returns the resulting
// state so the sweeper can log a transition.
func (s *siteEntry) bumpLost(limit int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HBLost++
	if s.HBLost >= limit {
		s.State = StateError
	} else if s.State == StateNormal {
		s.State = StateTransient
	}
	return s.State
}

func (s *siteEntry) transition(to State) {
	s.mu.Lock()
	s.State = to
	s.mu.Unlock()
}

func (s *siteEntry) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}
