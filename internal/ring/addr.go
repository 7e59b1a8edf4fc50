package ring

import "sync"

// AddrFlag marks an address-table entry update as additive or a removal,
// per §3 "Address entry".
type AddrFlag uint8

const (
	AddrAdd AddrFlag = iota
	AddrDel
)

// Endpoint is a site's network address plus the protocol to dial it with.
type Endpoint struct {
	Site     uint64
	Addr     string
	Protocol string
	Flag     AddrFlag
}

// AddrTable maps site-id -> Endpoint, scoped per fsid. R2 distributes a
// compacted serialisation of this table on registration (§4.6).
type AddrTable struct {
	mu   sync.RWMutex
	byFS map[uint64]map[uint64]Endpoint // fsid -> site -> endpoint
}

// NewAddrTable creates an empty address table.
func NewAddrTable() *AddrTable {
	return &AddrTable{byFS: make(map[uint64]map[uint64]Endpoint)}
}

// Set installs or updates an endpoint for (fsid, site).
func (t *AddrTable) Set(fsid uint64, ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byFS[fsid]
	if !ok {
		m = make(map[uint64]Endpoint)
		t.byFS[fsid] = m
	}
	if ep.Flag == AddrDel {
		delete(m, ep.Site)
		return
	}
	m[ep.Site] = ep
}

// Lookup resolves a site's endpoint within fsid.
func (t *AddrTable) Lookup(fsid, site uint64) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byFS[fsid]
	if !ok {
		return Endpoint{}, false
	}
	ep, ok := m[site]
	return ep, ok
}

// Snapshot returns every endpoint registered for fsid, for compacted
// distribution to a newly-registering site.
func (t *AddrTable) Snapshot(fsid uint64) []Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.byFS[fsid]
	out := make([]Endpoint, 0, len(m))
	for _, ep := range m {
		out = append(out, ep)
	}
	return out
}

// LoadSnapshot replaces fsid's endpoint set wholesale, used by a site
// applying the addr-table it received from R2 on registration.
func (t *AddrTable) LoadSnapshot(fsid uint64, eps []Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := make(map[uint64]Endpoint, len(eps))
	for _, ep := range eps {
		if ep.Flag == AddrDel {
			continue
		}
		m[ep.Site] = ep
	}
	t.byFS[fsid] = m
}
