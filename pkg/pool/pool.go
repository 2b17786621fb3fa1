package pool

import (
	"time"
)

// Pool is the ordered candidate-server pool for one place. Insertion order
// is serving priority: joinable records are appended before full ones, and
// Drain hands out from the front. Entries are never updated in place; they
// are appended by Merge, removed by Drain, or dropped wholesale by a clear.
//
// Pool itself is not synchronized; the owning store serializes access per
// place.
type Pool struct {
	Members         []ServerRecord `json:"members"`
	Cursor          Cursor         `json:"cursor"`
	LastRefreshedAt time.Time      `json:"last_refreshed_at"`
}

// Size returns the current number of pooled records.
func (p *Pool) Size() int {
	return len(p.Members)
}

// MemberIDs returns the set of record ids currently held, for dedup during
// partitioning.
func (p *Pool) MemberIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(p.Members))
	for _, rec := range p.Members {
		ids[rec.ID] = struct{}{}
	}
	return ids
}

// Age returns how long ago the pool was last refreshed. A pool that was
// never refreshed reports a very large age.
func (p *Pool) Age(now time.Time) time.Duration {
	return now.Sub(p.LastRefreshedAt)
}

// IsStale reports whether the pool's last refresh is at least expiry ago.
func (p *Pool) IsStale(now time.Time, expiry time.Duration) bool {
	return p.Age(now) >= expiry
}

// Merge appends joinable then full records (joinable-first is the fairness
// policy), advances the cursor, stamps the refresh time, and truncates the
// tail beyond bound. Truncation keeps the head, which after the
// joinable-first append favors joinable stock.
//
// Callers are expected to have deduplicated the input against MemberIDs via
// Partition. Returns the number of records appended.
func (p *Pool) Merge(joinable, full []ServerRecord, next Cursor, bound int, now time.Time) int {
	added := len(joinable) + len(full)

	p.Members = append(p.Members, joinable...)
	p.Members = append(p.Members, full...)
	p.Cursor = next
	if now.After(p.LastRefreshedAt) {
		p.LastRefreshedAt = now
	}

	if bound > 0 && len(p.Members) > bound {
		p.Members = p.Members[:bound]
	}

	return added
}

// Drain removes and returns up to n records from the front of the pool.
// Drained records do not return to the pool.
func (p *Pool) Drain(n int) []ServerRecord {
	if n <= 0 || len(p.Members) == 0 {
		return nil
	}
	if n > len(p.Members) {
		n = len(p.Members)
	}

	drained := make([]ServerRecord, n)
	copy(drained, p.Members[:n])
	p.Members = p.Members[n:]
	return drained
}
