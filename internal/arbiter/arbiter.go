// Package arbiter resolves concurrent accept proposals for a ride.
//
// The server side commits at most one acceptance per ride, first committer
// wins, by delegating serialization to the ride store. The client side tracks
// optimistic proposals until the authoritative result arrives.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/storage"
)

type Result struct {
	Outcome protocol.AcceptOutcome
	Ride    models.Ride
	// From is the status the ride held before a confirmed acceptance.
	From models.RideStatus
	// Expired is set when the request outlived its TTL before the sweep
	// reached it; the caller should expire it.
	Expired bool
}

type Arbiter struct {
	Rides   storage.RideStore
	Drivers storage.DriverStore
	Logger  *slog.Logger
	Now     func() time.Time
	// RequestTTL bounds how long a requested ride can be accepted. Zero
	// disables the check.
	RequestTTL time.Duration
}

func (a *Arbiter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Accept arbitrates one driver's proposal. A repeated proposal from the driver
// that already won is confirmed again so clients can safely re-send.
//
// The driver is claimed before the ride commits, so one driver cannot win two
// rides through concurrent proposals. A claim that does not end in a
// confirmation is released.
func (a *Arbiter) Accept(ctx context.Context, rideID, driverID string) (Result, error) {
	now := a.now()
	if a.RequestTTL > 0 {
		r, err := a.Rides.GetRide(ctx, rideID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return a.done(Result{Outcome: protocol.OutcomeUnavailable}, rideID, driverID), nil
		case err != nil:
			return Result{}, fmt.Errorf("load ride %s: %w", rideID, err)
		case r.Status == models.StatusRequested && !now.Before(r.CreatedAt.Add(a.RequestTTL)):
			return a.done(Result{Outcome: protocol.OutcomeUnavailable, Ride: r, Expired: true}, rideID, driverID), nil
		}
	}

	if a.Drivers != nil {
		ok, err := a.Drivers.ClaimRide(ctx, driverID, rideID)
		if err != nil {
			return Result{}, fmt.Errorf("claim driver %s: %w", driverID, err)
		}
		if !ok {
			return a.done(Result{Outcome: protocol.OutcomeUnavailable}, rideID, driverID), nil
		}
	}

	res, err := a.commit(ctx, rideID, driverID, now)
	holds := err == nil && res.Outcome == protocol.OutcomeConfirmed && !lifecycle.IsTerminal(res.Ride.Status)
	if a.Drivers != nil && !holds {
		if rerr := a.Drivers.ReleaseRide(ctx, driverID, rideID); rerr != nil {
			a.Logger.Error("release driver failed", "ride_id", rideID, "driver_id", driverID, "error", rerr)
		}
	}
	if err != nil {
		return Result{}, err
	}
	return a.done(res, rideID, driverID), nil
}

func (a *Arbiter) commit(ctx context.Context, rideID, driverID string, now time.Time) (Result, error) {
	actor := models.Identity{Role: models.RoleDriver, ID: driverID}
	r, before, err := a.Rides.Transition(ctx, rideID, models.StatusAccepted, actor, now)
	switch {
	case err == nil:
		return Result{Outcome: protocol.OutcomeConfirmed, Ride: r, From: before.Status}, nil
	case errors.Is(err, storage.ErrNotFound):
		return Result{Outcome: protocol.OutcomeUnavailable}, nil
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		if r.DriverID == driverID && r.Status.HasDriver() {
			return Result{Outcome: protocol.OutcomeConfirmed, Ride: r, From: r.Status}, nil
		}
		if r.Status.HasDriver() {
			return Result{Outcome: protocol.OutcomeTaken, Ride: r}, nil
		}
		return Result{Outcome: protocol.OutcomeUnavailable, Ride: r}, nil
	default:
		return Result{}, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
}

func (a *Arbiter) done(res Result, rideID, driverID string) Result {
	observability.AcceptOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	a.Logger.Info("accept arbitrated", "ride_id", rideID, "driver_id", driverID, "outcome", res.Outcome)
	return res
}
