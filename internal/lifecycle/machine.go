package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/ride-sync/internal/models"
)

// ErrSkippedTransition is returned by Observe when a snapshot is more than one
// legal step ahead of the local projection. The caller must resync.
var ErrSkippedTransition = errors.New("snapshot skips a transition")

type Outcome int

const (
	Applied Outcome = iota
	Duplicate
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	}
	return "unknown"
}

type Hooks struct {
	OnActivate   func(models.Ride)
	OnDeactivate func(models.Ride)
}

// Machine is a client-side projection of one ride. It only moves when the
// authoritative side reports a new status.
type Machine struct {
	ride  models.Ride
	hooks Hooks
}

func NewMachine(r models.Ride, hooks Hooks) *Machine {
	m := &Machine{ride: r, hooks: hooks}
	if IsActive(r.Status) && hooks.OnActivate != nil {
		hooks.OnActivate(r)
	}
	return m
}

func (m *Machine) Ride() models.Ride { return m.ride }
func (m *Machine) Status() models.RideStatus { return m.ride.Status }
func (m *Machine) Active() bool { return IsActive(m.ride.Status) }
func (m *Machine) Terminal() bool { return IsTerminal(m.ride.Status) }

// Propose validates a local intent without touching the projection.
func (m *Machine) Propose(to models.RideStatus, actor models.Identity) error {
	r := m.ride
	return Check(&r, to, actor)
}

// Observe merges an authoritative snapshot. Regressions, repeats and anything
// arriving after a terminal status are dropped as Stale or Duplicate.
func (m *Machine) Observe(s models.Ride) (Outcome, error) {
	if s.ID != m.ride.ID {
		return Stale, fmt.Errorf("snapshot for ride %s applied to %s", s.ID, m.ride.ID)
	}
	if err := s.Validate(); err != nil {
		return Stale, err
	}
	if IsTerminal(m.ride.Status) {
		return Stale, nil
	}
	if s.Status == m.ride.Status {
		return Duplicate, nil
	}
	if rank(s.Status) < rank(m.ride.Status) {
		return Stale, nil
	}
	if !CanTransition(m.ride.Status, s.Status) {
		return Stale, &TransitionError{From: m.ride.Status, To: s.Status, Err: ErrSkippedTransition}
	}
	m.set(s)
	return Applied, nil
}

// Force replaces the projection with the authoritative snapshot regardless of
// the graph. Only reconciliation may call it.
func (m *Machine) Force(s models.Ride) bool {
	if s.Status == m.ride.Status && s.DriverID == m.ride.DriverID {
		m.ride = s
		return false
	}
	m.set(s)
	return true
}

func (m *Machine) set(s models.Ride) {
	wasActive := IsActive(m.ride.Status)
	m.ride = s
	isActive := IsActive(s.Status)
	switch {
	case !wasActive && isActive && m.hooks.OnActivate != nil:
		m.hooks.OnActivate(s)
	case wasActive && !isActive && m.hooks.OnDeactivate != nil:
		m.hooks.OnDeactivate(s)
	}
}
