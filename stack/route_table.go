package stack

import (
	"sync"

	"github.com/SlopLabs/netstack/types"
)

// routeTable performs longest-prefix-match lookups over installed routes.
// Rows are grouped by prefix length into one bucket per possible length, so
// a lookup walks at most 33 buckets from most to least specific.
//
// The table is replaced wholesale and never mutated in place; readers only
// take the lock long enough to fetch the current bucket array
type routeTable struct {
	mu      sync.RWMutex
	buckets [33][]types.RouteEntry
}

// set replaces the whole table with the given rows. Rows with out-of-range
// prefix lengths are dropped
func (t *routeTable) set(routes []types.RouteEntry) {
	var buckets [33][]types.RouteEntry
	for _, r := range routes {
		if r.PrefixLen < 0 || r.PrefixLen > 32 {
			continue
		}
		buckets[r.PrefixLen] = append(buckets[r.PrefixLen], r)
	}

	t.mu.Lock()
	t.buckets = buckets
	t.mu.Unlock()
}

// lookup returns the most specific row matching addr. Among rows of equal
// prefix length the lowest metric wins
func (t *routeTable) lookup(addr types.Address) (types.RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for plen := 32; plen >= 0; plen-- {
		var best *types.RouteEntry
		for i := range t.buckets[plen] {
			r := &t.buckets[plen][i]
			if !r.Match(addr) {
				continue
			}
			if best == nil || r.Metric < best.Metric {
				best = r
			}
		}
		if best != nil {
			return *best, true
		}
	}

	return types.RouteEntry{}, false
}

// entries returns a flattened copy of the table, most specific first
func (t *routeTable) entries() []types.RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []types.RouteEntry
	for plen := 32; plen >= 0; plen-- {
		out = append(out, t.buckets[plen]...)
	}
	return out
}
