// Package pool implements the per-place candidate server pool: the record
// and cursor types, the dedup/partition/shuffle policy for freshly fetched
// pages, and the merge/drain operations the fetcher engine builds on.
package pool

// DefaultMaxPlayers is assumed when the upstream omits a server's capacity.
const DefaultMaxPlayers = 8

// Fullness thresholds. Small lobbies use an absolute occupant count because
// percentages round badly at capacity 8; larger servers use a fill ratio.
const (
	smallLobbyCapacity = 10
	smallLobbyFullAt   = 7
	largeFullRatio     = 0.90
)

// ServerRecord is one public server instance as reported by the upstream
// listing. Records are immutable once received and owned by exactly one
// pool slot at a time.
type ServerRecord struct {
	ID         string  `json:"id"`
	Playing    int     `json:"playing"`
	MaxPlayers int     `json:"maxPlayers,omitempty"`
	Ping       float64 `json:"ping,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
}

// EffectiveMaxPlayers returns the server capacity, substituting
// DefaultMaxPlayers when the upstream omitted it.
func (r ServerRecord) EffectiveMaxPlayers() int {
	if r.MaxPlayers <= 0 {
		return DefaultMaxPlayers
	}
	return r.MaxPlayers
}

// IsFull classifies the record under the fullness heuristic: small lobbies
// (capacity <= 10) are full at 7 occupants, larger servers at 90% fill.
func (r ServerRecord) IsFull() bool {
	capacity := r.EffectiveMaxPlayers()
	if capacity <= smallLobbyCapacity {
		return r.Playing >= smallLobbyFullAt
	}
	return float64(r.Playing)/float64(capacity) >= largeFullRatio
}
