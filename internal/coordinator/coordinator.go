// Package coordinator is the authoritative side of the ride synchronization
// protocol. It owns every status change, arbitrates accepts, gates the
// location and chat relays, and expires unanswered requests.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-sync/internal/arbiter"
	"github.com/example/ride-sync/internal/broadcast"
	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/storage"
)

var (
	ErrForbidden      = errors.New("identity not allowed to perform this call")
	ErrInvalidRequest = errors.New("invalid ride request")
	ErrUnavailable    = errors.New("ride no longer available")
)

type Notifier interface {
	SendTo(id models.Identity, env protocol.Envelope) error
}

type Coordinator struct {
	Rides      storage.RideStore
	Drivers    storage.DriverStore
	Geo        geo.Geo
	Arbiter    *arbiter.Arbiter
	Broadcast  *broadcast.Service
	Notify     Notifier
	Events     ingest.Publisher
	Logger     *slog.Logger
	RequestTTL time.Duration
	Now        func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// RequestRide persists a new ride for rider and broadcasts it.
func (c *Coordinator) RequestRide(ctx context.Context, rider models.Identity, req models.RideRequest) (models.Ride, error) {
	if rider.Role != models.RoleRider {
		return models.Ride{}, ErrForbidden
	}
	if req.RiderID != "" && req.RiderID != rider.ID {
		return models.Ride{}, ErrForbidden
	}
	if !validCoord(req.Origin) || !validCoord(req.Destination) || req.Fare < 0 {
		return models.Ride{}, ErrInvalidRequest
	}
	now := c.now()
	r := models.Ride{
		ID:          uuid.NewString(),
		RiderID:     rider.ID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Fare:        req.Fare,
		Status:      models.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.Rides.CreateRide(ctx, r); err != nil {
		return models.Ride{}, fmt.Errorf("create ride: %w", err)
	}
	observability.RideRequestsTotal.Inc()
	c.publish(ctx, ingest.RideEvent{RideID: r.ID, To: r.Status, Actor: rider, At: now})
	c.Broadcast.FanOut(ctx, r, now)
	c.settleBroadcast(ctx, r.ID)
	return r, nil
}

// settleBroadcast retracts rideID if it left requested while a fan-out or
// offer was still registering recipients. A commit that ran after
// registration already retracted and this is a no-op.
func (c *Coordinator) settleBroadcast(ctx context.Context, rideID string) {
	r, err := c.Rides.GetRide(ctx, rideID)
	if err != nil || r.Status == models.StatusRequested {
		return
	}
	c.Broadcast.Retract(r.ID, r.DriverID, retraction(r, ""))
}

// retraction is what drivers holding a request receive once it settles.
func retraction(r models.Ride, reason string) protocol.Envelope {
	if r.Status == models.StatusCancelled {
		snap := r
		return protocol.MustNew(protocol.EventRideCancelled, protocol.Cancelled{RideID: r.ID, Reason: reason, Ride: &snap})
	}
	return protocol.MustNew(protocol.EventRideStatus, protocol.NewStatus(r))
}

func validCoord(p models.Coord) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// GetRide returns the ride if actor may see it. Riders only see their own
// rides; drivers may read any ride so queued requests can be reconciled.
func (c *Coordinator) GetRide(ctx context.Context, actor models.Identity, id string) (models.Ride, error) {
	r, err := c.Rides.GetRide(ctx, id)
	if err != nil {
		return r, err
	}
	if actor.Role == models.RoleRider && r.RiderID != actor.ID {
		return models.Ride{}, storage.ErrNotFound
	}
	return r, nil
}

// Available lists requested rides whose TTL has not elapsed.
func (c *Coordinator) Available(ctx context.Context) ([]models.Ride, error) {
	rides, err := c.Rides.ListRequested(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := rides[:0]
	for _, r := range rides {
		if now.Before(c.ExpiresAt(r)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Coordinator) ExpiresAt(r models.Ride) time.Time { return r.CreatedAt.Add(c.RequestTTL) }

// UpdateStatus applies a status change requested by actor. Acceptance goes
// through the arbiter and cancellation through Cancel so every path notifies
// the same parties.
func (c *Coordinator) UpdateStatus(ctx context.Context, actor models.Identity, rideID string, to models.RideStatus) (models.Ride, error) {
	switch to {
	case models.StatusAccepted:
		if actor.Role != models.RoleDriver {
			return models.Ride{}, ErrForbidden
		}
		res, err := c.Accept(ctx, actor.ID, rideID)
		if err != nil {
			return models.Ride{}, err
		}
		if res.Outcome != protocol.OutcomeConfirmed {
			return res.Ride, fmt.Errorf("%w: %s", ErrUnavailable, res.Outcome)
		}
		return res.Ride, nil
	case models.StatusCancelled:
		return c.Cancel(ctx, actor, rideID, "")
	}
	after, before, err := c.Rides.Transition(ctx, rideID, to, actor, c.now())
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			observability.RejectedTransitionsTotal.WithLabelValues(string(to)).Inc()
		}
		return before, err
	}
	c.committed(ctx, actor, before, after)
	return after, nil
}

// Accept runs arbitration for driverID and reports the result to that driver.
func (c *Coordinator) Accept(ctx context.Context, driverID, rideID string) (arbiter.Result, error) {
	res, err := c.Arbiter.Accept(ctx, rideID, driverID)
	if err != nil {
		return res, err
	}
	result := protocol.AcceptResult{RideID: rideID, Outcome: res.Outcome}
	if res.Outcome == protocol.OutcomeConfirmed {
		r := res.Ride
		result.Ride = &r
	}
	c.send(models.Identity{Role: models.RoleDriver, ID: driverID}, protocol.EventAcceptResult, result)
	if res.Expired {
		c.expire(ctx, res.Ride, c.now())
	}
	if res.Outcome == protocol.OutcomeConfirmed && res.From == models.StatusRequested {
		before := res.Ride
		before.Status = models.StatusRequested
		before.DriverID = ""
		c.committed(ctx, models.Identity{Role: models.RoleDriver, ID: driverID}, before, res.Ride)
	}
	return res, nil
}

// Cancel cancels rideID on behalf of actor. Cancelling a ride that already
// reached a terminal status is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, actor models.Identity, rideID, reason string) (models.Ride, error) {
	after, before, err := c.Rides.Transition(ctx, rideID, models.StatusCancelled, actor, c.now())
	if err != nil {
		if errors.Is(err, lifecycle.ErrTerminal) {
			c.Logger.Debug("cancel after terminal ignored", "ride_id", rideID, "status", before.Status)
			return before, nil
		}
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			observability.RejectedTransitionsTotal.WithLabelValues(string(models.StatusCancelled)).Inc()
		}
		return before, err
	}
	c.committedWithReason(ctx, actor, before, after, reason)
	return after, nil
}

// ExpireDue moves every requested ride past its TTL to expired.
func (c *Coordinator) ExpireDue(ctx context.Context) int {
	rides, err := c.Rides.ListRequested(ctx)
	if err != nil {
		c.Logger.Error("list requested rides failed", "error", err)
		return 0
	}
	now := c.now()
	n := 0
	for _, r := range rides {
		if now.Before(c.ExpiresAt(r)) {
			continue
		}
		if c.expire(ctx, r, now) {
			n++
		}
	}
	return n
}

func (c *Coordinator) expire(ctx context.Context, r models.Ride, now time.Time) bool {
	after, before, err := c.Rides.Transition(ctx, r.ID, models.StatusExpired, models.System, now)
	if err != nil {
		// accepted, cancelled or already expired in the meantime
		c.Logger.Debug("expiry lost race", "ride_id", r.ID, "error", err)
		return false
	}
	observability.ExpiredRequestsTotal.Inc()
	c.committed(ctx, models.System, before, after)
	return true
}

// RunExpiry sweeps on interval until ctx is done.
func (c *Coordinator) RunExpiry(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.ExpireDue(ctx); n > 0 {
				c.Logger.Info("expired ride requests", "count", n)
			}
		}
	}
}

// SetAvailability toggles whether a driver receives new requests. A driver
// that becomes eligible is offered the requests that are still open.
func (c *Coordinator) SetAvailability(ctx context.Context, driverID string, available bool) (models.Driver, error) {
	d, err := c.Drivers.SetAvailability(ctx, driverID, available)
	if err != nil {
		return d, err
	}
	c.Geo.Upsert(ctx, d)
	if d.Eligible() {
		c.offerOpen(ctx, d)
	}
	return d, nil
}

func (c *Coordinator) offerOpen(ctx context.Context, d models.Driver) {
	open, err := c.Available(ctx)
	if err != nil {
		c.Logger.Warn("list open requests failed", "driver_id", d.ID, "error", err)
		return
	}
	n := 0
	for _, r := range open {
		if c.Broadcast.Offer(ctx, r, d, c.ExpiresAt(r)) {
			c.settleBroadcast(ctx, r.ID)
			n++
		}
	}
	if n > 0 {
		c.Logger.Info("offered open requests", "driver_id", d.ID, "count", n)
	}
}

func (c *Coordinator) GetDriver(ctx context.Context, driverID string) (models.Driver, error) {
	return c.Drivers.GetDriver(ctx, driverID)
}

func (c *Coordinator) committed(ctx context.Context, actor models.Identity, before, after models.Ride) {
	c.committedWithReason(ctx, actor, before, after, "")
}

// committedWithReason fans out the consequences of one committed transition:
// metrics, the event bus, both parties, queue retraction for other drivers,
// and driver assignment bookkeeping.
func (c *Coordinator) committedWithReason(ctx context.Context, actor models.Identity, before, after models.Ride, reason string) {
	observability.TransitionsTotal.WithLabelValues(string(before.Status), string(after.Status)).Inc()
	driverID := after.DriverID
	if driverID == "" {
		driverID = before.DriverID
	}
	c.publish(ctx, ingest.RideEvent{RideID: after.ID, From: before.Status, To: after.Status, Actor: actor, DriverID: driverID, At: after.UpdatedAt})
	c.Logger.Info("ride transition", "ride_id", after.ID, "from", before.Status, "to", after.Status, "actor", actor.String())

	partyEnv := retraction(after, reason)

	_ = c.Notify.SendTo(models.Identity{Role: models.RoleRider, ID: after.RiderID}, partyEnv)
	if driverID != "" {
		_ = c.Notify.SendTo(models.Identity{Role: models.RoleDriver, ID: driverID}, partyEnv)
	}
	if before.Status == models.StatusRequested {
		c.Broadcast.Retract(after.ID, driverID, partyEnv)
	}

	if driverID == "" {
		return
	}
	switch {
	case after.Status == models.StatusAccepted:
		// the arbiter already claimed the driver
		c.refreshGeo(ctx, driverID)
	case lifecycle.IsTerminal(after.Status):
		if err := c.Drivers.ReleaseRide(ctx, driverID, after.ID); err != nil {
			c.Logger.Error("release driver failed", "driver_id", driverID, "ride_id", after.ID, "error", err)
			return
		}
		c.refreshGeo(ctx, driverID)
	}
}

func (c *Coordinator) refreshGeo(ctx context.Context, driverID string) {
	if d, err := c.Drivers.GetDriver(ctx, driverID); err == nil {
		c.Geo.Upsert(ctx, d)
	}
}

func (c *Coordinator) publish(ctx context.Context, e ingest.RideEvent) {
	if c.Events == nil {
		return
	}
	if err := c.Events.PublishRideEvent(ctx, e); err != nil {
		c.Logger.Warn("publish ride event failed", "ride_id", e.RideID, "error", err)
	}
}

func (c *Coordinator) send(to models.Identity, eventType string, payload any) {
	env, err := protocol.New(eventType, payload)
	if err != nil {
		c.Logger.Error("encode event failed", "type", eventType, "error", err)
		return
	}
	_ = c.Notify.SendTo(to, env)
}
