package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-sync/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTerminal          = errors.New("ride already in a terminal status")
	ErrNotInTable        = errors.New("transition not allowed")
	ErrActorNotAllowed   = errors.New("actor not allowed to perform transition")
)

// TransitionError reports a rejected status change. It matches
// ErrInvalidTransition and unwraps to the specific reason.
type TransitionError struct {
	From models.RideStatus
	To   models.RideStatus
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func (e *TransitionError) Unwrap() error { return e.Err }

type rule func(r *models.Ride, a models.Identity) bool

func byDriver(r *models.Ride, a models.Identity) bool {
	return a.Role == models.RoleDriver && a.ID != ""
}

func byAssignedDriver(r *models.Ride, a models.Identity) bool {
	return a.Role == models.RoleDriver && a.ID != "" && a.ID == r.DriverID
}

func byRider(r *models.Ride, a models.Identity) bool {
	return a.Role == models.RoleRider && a.ID == r.RiderID
}

func bySystem(r *models.Ride, a models.Identity) bool { return a.Role == models.RoleSystem }

func byEither(r *models.Ride, a models.Identity) bool {
	return byRider(r, a) || byAssignedDriver(r, a)
}

var table = map[models.RideStatus]map[models.RideStatus]rule{
	models.StatusRequested: {
		models.StatusAccepted:  byDriver,
		models.StatusExpired:   bySystem,
		models.StatusCancelled: byRider,
	},
	models.StatusAccepted: {
		models.StatusInProgress: byAssignedDriver,
		models.StatusCancelled:  byEither,
	},
	models.StatusInProgress: {
		models.StatusCompleted: byAssignedDriver,
		models.StatusCancelled: byEither,
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph,
// ignoring actor preconditions.
func CanTransition(from, to models.RideStatus) bool {
	_, ok := table[from][to]
	return ok
}

func IsTerminal(s models.RideStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled || s == models.StatusExpired
}

// IsActive reports whether relays may run for a ride in status s.
func IsActive(s models.RideStatus) bool {
	return s == models.StatusAccepted || s == models.StatusInProgress
}

// rank orders statuses along the graph; terminal statuses share the top rank.
func rank(s models.RideStatus) int {
	switch s {
	case models.StatusRequested:
		return 0
	case models.StatusAccepted:
		return 1
	case models.StatusInProgress:
		return 2
	}
	return 3
}

// Check validates that actor may move r to status to.
func Check(r *models.Ride, to models.RideStatus, actor models.Identity) error {
	if IsTerminal(r.Status) {
		return &TransitionError{From: r.Status, To: to, Err: ErrTerminal}
	}
	allowed, ok := table[r.Status][to]
	if !ok {
		return &TransitionError{From: r.Status, To: to, Err: ErrNotInTable}
	}
	if !allowed(r, actor) {
		return &TransitionError{From: r.Status, To: to, Err: ErrActorNotAllowed}
	}
	return nil
}

// Apply checks and then performs the transition on r, stamping timestamps and
// maintaining the driver assignment invariant.
func Apply(r *models.Ride, to models.RideStatus, actor models.Identity, now time.Time) error {
	if err := Check(r, to, actor); err != nil {
		return err
	}
	t := now
	switch to {
	case models.StatusAccepted:
		r.DriverID = actor.ID
		r.AcceptedAt = &t
	case models.StatusInProgress:
		r.StartedAt = &t
	case models.StatusCompleted:
		r.CompletedAt = &t
	case models.StatusCancelled:
		r.DriverID = ""
		r.CancelledAt = &t
		r.CancelledBy = actor.Role
	case models.StatusExpired:
		r.DriverID = ""
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}
