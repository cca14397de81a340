// Package reconcile pulls authoritative state and forces the client's local
// projections to match it. It is the backstop for events lost while the
// connection was down or delivered out of order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/queue"
)

// Source is the read side of the backend REST surface.
type Source interface {
	FetchRide(ctx context.Context, id string) (models.Ride, error)
	FetchDriver(ctx context.Context, id string) (models.Driver, error)
	FetchAvailable(ctx context.Context) ([]models.Ride, error)
}

type Reconciler struct {
	Source Source
	Logger *slog.Logger
}

// Ride re-fetches the machine's ride and forces the projection when status or
// assigned driver differ. The local value never wins.
func (r *Reconciler) Ride(ctx context.Context, m *lifecycle.Machine) (bool, error) {
	local := m.Ride()
	remote, err := r.Source.FetchRide(ctx, local.ID)
	if err != nil {
		return false, fmt.Errorf("fetch ride %s: %w", local.ID, err)
	}
	if err := remote.Validate(); err != nil {
		return false, fmt.Errorf("fetch ride %s: %w", local.ID, err)
	}
	changed := m.Force(remote)
	if changed {
		r.Logger.Info("ride reconciled", "ride_id", local.ID, "local", local.Status, "remote", remote.Status)
	}
	return changed, nil
}

// Driver recovers the driver's assigned ride, if any, from the backend.
func (r *Reconciler) Driver(ctx context.Context, driverID string) (models.Ride, bool, error) {
	d, err := r.Source.FetchDriver(ctx, driverID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return models.Ride{}, false, nil
		}
		return models.Ride{}, false, fmt.Errorf("fetch driver %s: %w", driverID, err)
	}
	if d.CurrentRideID == "" {
		return models.Ride{}, false, nil
	}
	ride, err := r.Source.FetchRide(ctx, d.CurrentRideID)
	if err != nil {
		return models.Ride{}, false, fmt.Errorf("fetch ride %s: %w", d.CurrentRideID, err)
	}
	return ride, lifecycle.IsActive(ride.Status), nil
}

// Available returns the authoritative set of requestable rides keyed by id.
func (r *Reconciler) Available(ctx context.Context) (map[string]models.Ride, error) {
	rides, err := r.Source.FetchAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch available: %w", err)
	}
	out := make(map[string]models.Ride, len(rides))
	for _, ride := range rides {
		out[ride.ID] = ride
	}
	return out, nil
}

// Resolution maps an authoritative ride to the local status of a queue entry
// held by driverID. ok is false while the ride is still requestable.
func Resolution(ride models.Ride, driverID string) (status models.LocalStatus, ok bool) {
	switch {
	case ride.Status == models.StatusRequested:
		return models.LocalPending, false
	case ride.Status.HasDriver() && ride.DriverID == driverID:
		return models.LocalAcceptedByMe, true
	case ride.Status.HasDriver():
		return models.LocalAcceptedByOther, true
	}
	return models.LocalExpired, true
}

type Resolved struct {
	Entry models.RequestQueueEntry
	Ride  models.Ride
}

// Queue evicts every entry the backend no longer lists as available.
func (r *Reconciler) Queue(ctx context.Context, q *queue.Queue, driverID string) ([]Resolved, error) {
	ids := q.IDs()
	if len(ids) == 0 {
		return nil, nil
	}
	avail, err := r.Available(ctx)
	if err != nil {
		return nil, err
	}
	var out []Resolved
	for _, id := range ids {
		if _, ok := avail[id]; ok {
			continue
		}
		status := models.LocalExpired
		ride, err := r.Source.FetchRide(ctx, id)
		switch {
		case err == nil:
			var terminal bool
			if status, terminal = Resolution(ride, driverID); !terminal {
				// listed as requested by id but not available: TTL elapsed
				status = models.LocalExpired
			}
		case !errors.Is(err, backend.ErrNotFound):
			r.Logger.Warn("queue reconcile fetch failed", "ride_id", id, "error", err)
			continue
		}
		e, err := q.Resolve(id, status)
		if err != nil {
			continue
		}
		if ride.ID == "" {
			ride = e.Ride
		}
		out = append(out, Resolved{Entry: e, Ride: ride})
	}
	if len(out) > 0 {
		r.Logger.Info("queue reconciled", "driver_id", driverID, "evicted", len(out))
	}
	return out, nil
}
