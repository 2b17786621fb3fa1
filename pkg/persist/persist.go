// Package persist snapshots the engine's cache state so a restart does not
// begin with cold pools or a forgotten cooldown. Adapters load once at
// startup and save after every pool mutation.
package persist

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bananalabs/server-fetcher/pkg/pool"
	"github.com/bananalabs/server-fetcher/pkg/throttle"
)

// ErrCorruptSnapshot indicates a snapshot exists but cannot be decoded.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// PersistErrors counts failed persistence operations by kind.
var PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fetcher_persist_errors_total",
	Help: "Total persistence failures by operation",
}, []string{"operation"})

// State is the persisted cache shape: every pool keyed by its decimal
// place id, plus the global throttle state. It round-trips exactly through
// any adapter: Load(Save(x)) == x.
type State struct {
	Pools    map[string]pool.Pool `json:"pools"`
	Throttle throttle.State       `json:"throttle"`
}

// NewState returns an empty state with an allocated pool map.
func NewState() *State {
	return &State{Pools: make(map[string]pool.Pool)}
}

// Adapter persists engine state. Load is called once at startup and must
// return an empty state, not an error, when no snapshot exists yet. Save is
// called after every successful merge, drain, and clear.
type Adapter interface {
	Load() (*State, error)
	Save(state *State) error
}

// Nop is an Adapter that persists nothing, for tests and persistence-free
// deployments.
type Nop struct{}

// Load returns an empty state.
func (Nop) Load() (*State, error) { return NewState(), nil }

// Save discards the state.
func (Nop) Save(*State) error { return nil }
