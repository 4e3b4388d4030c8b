// Package selection implements the Selection Engine: a stateless routine
// over the live DC set that applies session affinity and power-of-two
// choices (spec.md §4.2).
package selection

import (
	"errors"
	"math/rand"
)

// ErrNoHealthyDeployment is returned when no candidate is eligible.
var ErrNoHealthyDeployment = errors.New("selection: no healthy deployment")

// Candidate is the minimal capability a DC must expose to be selected over;
// internal/dc.Client satisfies this structurally, avoiding an import cycle
// between selection and dc.
type Candidate interface {
	Name() string
	Healthy() bool
	Utilization() float64
	InFlight() int64
}

// SessionMap is the subset of internal/sessionmap.Map the Selection Engine
// needs: lookup by session id and insert/update on bind.
type SessionMap interface {
	Get(sessionID string) (name string, ok bool)
	Put(sessionID, name string)
}

// AffinityEvent describes what happened to session affinity during one
// Select call, for the event bus / session_affinity_events_total metric.
type AffinityEvent string

const (
	AffinityNone   AffinityEvent = ""
	AffinityHit    AffinityEvent = "hit"
	AffinityMiss   AffinityEvent = "miss"
	AffinityRebind AffinityEvent = "rebind"
)

// Select implements spec.md §4.2's algorithm: affinity lookup, health
// filter, power-of-two choices with utilization/in_flight/name tie breaks.
func Select[C Candidate](candidates []C, sm SessionMap, sessionID string) (C, AffinityEvent, error) {
	var zero C

	if sessionID != "" && sm != nil {
		if boundName, ok := sm.Get(sessionID); ok {
			for _, c := range candidates {
				if c.Name() == boundName && c.Healthy() {
					return c, AffinityHit, nil
				}
			}
		}
	}

	healthy := make([]C, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy() {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return zero, AffinityNone, ErrNoHealthyDeployment
	}

	var chosen C
	if len(healthy) == 1 {
		chosen = healthy[0]
	} else {
		i, j := twoDistinctIndices(len(healthy))
		chosen = pickLessLoaded(healthy[i], healthy[j])
	}

	event := AffinityNone
	if sessionID != "" && sm != nil {
		_, hadBinding := sm.Get(sessionID)
		sm.Put(sessionID, chosen.Name())
		if hadBinding {
			event = AffinityRebind
		} else {
			event = AffinityMiss
		}
	}
	return chosen, event, nil
}

// pickLessLoaded implements the tie-break chain: utilization, then
// in_flight, then lexicographic name (spec.md §4.2 step 4).
func pickLessLoaded[C Candidate](a, b C) C {
	ua, ub := a.Utilization(), b.Utilization()
	if ua != ub {
		if ua < ub {
			return a
		}
		return b
	}
	ia, ib := a.InFlight(), b.InFlight()
	if ia != ib {
		if ia < ib {
			return a
		}
		return b
	}
	if a.Name() <= b.Name() {
		return a
	}
	return b
}

// twoDistinctIndices picks two distinct indices in [0,n) uniformly at random.
func twoDistinctIndices(n int) (int, int) {
	i := rand.Intn(n)
	j := rand.Intn(n - 1)
	if j >= i {
		j++
	}
	return i, j
}
