package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/relay"
	"github.com/example/ride-sync/internal/storage"
)

// HandleEvent routes one inbound envelope from an authenticated connection.
// Failures are reported back to the sender as error events; nothing is
// returned to the transport.
func (c *Coordinator) HandleEvent(ctx context.Context, from models.Identity, env protocol.Envelope) {
	switch env.Type {
	case protocol.EventRideAccept:
		p, err := protocol.Decode[protocol.Accept](env)
		if err != nil {
			c.malformed(from, env, err)
			return
		}
		if from.Role != models.RoleDriver {
			c.reject(from, p.RideID, protocol.CodeRejected, "only drivers accept rides")
			return
		}
		if _, err := c.Accept(ctx, from.ID, p.RideID); err != nil {
			c.Logger.Error("accept failed", "ride_id", p.RideID, "driver_id", from.ID, "error", err)
			c.reject(from, p.RideID, protocol.CodeInternal, "accept failed")
		}

	case protocol.EventStatusUpdate:
		p, err := protocol.Decode[protocol.StatusUpdate](env)
		if err != nil {
			c.malformed(from, env, err)
			return
		}
		if _, err := c.UpdateStatus(ctx, from, p.RideID, p.Status); err != nil {
			c.statusRejected(ctx, from, p.RideID, err)
		}

	case protocol.EventRideCancelled:
		p, err := protocol.Decode[protocol.Cancelled](env)
		if err != nil {
			c.malformed(from, env, err)
			return
		}
		if _, err := c.Cancel(ctx, from, p.RideID, p.Reason); err != nil {
			c.statusRejected(ctx, from, p.RideID, err)
		}

	case protocol.EventLocationUpdate:
		p, err := protocol.Decode[protocol.Location](env)
		if err != nil {
			c.malformed(from, env, err)
			return
		}
		if from.Role != models.RoleDriver || p.DriverID != from.ID {
			observability.RelayDroppedTotal.WithLabelValues("location", "impersonation").Inc()
			return
		}
		c.IngestLocation(ctx, p.Sample())

	case protocol.EventChat:
		p, err := protocol.Decode[protocol.Chat](env)
		if err != nil {
			c.malformed(from, env, err)
			return
		}
		if err := c.Chat(ctx, from, p.Message()); err != nil {
			c.reject(from, p.RideID, protocol.CodeRejected, err.Error())
		}

	default:
		observability.MalformedEventsTotal.WithLabelValues("unknown").Inc()
		c.reject(from, "", protocol.CodeMalformed, "unknown event type "+env.Type)
	}
}

// IngestLocation records the driver's position and forwards the sample to the
// rider when it belongs to the driver's active ride. Everything else is
// dropped silently.
func (c *Coordinator) IngestLocation(ctx context.Context, s models.DriverLocationSample) {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = c.now()
	}
	d, err := c.Drivers.UpdateLocation(ctx, s.DriverID, s.Coord())
	if err != nil {
		c.Logger.Error("store driver location failed", "driver_id", s.DriverID, "error", err)
	} else {
		c.Geo.Upsert(ctx, d)
	}
	if c.Events != nil {
		if err := c.Events.PublishLocation(ctx, s); err != nil {
			c.Logger.Warn("publish location failed", "driver_id", s.DriverID, "error", err)
		}
	}

	rideID := s.RideID
	if rideID == "" {
		rideID = d.CurrentRideID
	}
	if rideID == "" {
		return
	}
	r, err := c.Rides.GetRide(ctx, rideID)
	if err != nil {
		observability.RelayDroppedTotal.WithLabelValues("location", "unknown_ride").Inc()
		return
	}
	if !relay.AdmitLocation(r, s) {
		observability.RelayDroppedTotal.WithLabelValues("location", "inactive").Inc()
		return
	}
	s.RideID = r.ID
	c.send(models.Identity{Role: models.RoleRider, ID: r.RiderID}, protocol.EventLocationUpdate, protocol.Location(s))
}

// Chat relays msg to both participants of its ride. The sender receives its
// own echo.
func (c *Coordinator) Chat(ctx context.Context, from models.Identity, msg models.ChatMessage) error {
	r, err := c.Rides.GetRide(ctx, msg.RideID)
	if err != nil {
		observability.RelayDroppedTotal.WithLabelValues("chat", "unknown_ride").Inc()
		return relay.ErrRideInactive
	}
	if err := relay.AdmitChat(r, from, msg); err != nil {
		observability.RelayDroppedTotal.WithLabelValues("chat", "rejected").Inc()
		return err
	}
	c.send(models.Identity{Role: models.RoleRider, ID: r.RiderID}, protocol.EventChat, protocol.Chat(msg))
	c.send(models.Identity{Role: models.RoleDriver, ID: r.DriverID}, protocol.EventChat, protocol.Chat(msg))
	return nil
}

// statusRejected tells the sender why its change did not apply and pushes the
// current snapshot so its local machine can converge.
func (c *Coordinator) statusRejected(ctx context.Context, from models.Identity, rideID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.reject(from, rideID, protocol.CodeRideUnavailable, "ride not found")
		return
	case errors.Is(err, ErrUnavailable):
		// the accept result already told the driver
		return
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		c.reject(from, rideID, protocol.CodeInvalidTransition, err.Error())
	case errors.Is(err, ErrForbidden):
		c.reject(from, rideID, protocol.CodeRejected, err.Error())
	default:
		c.Logger.Error("status update failed", "ride_id", rideID, "actor", from.String(), "error", err)
		c.reject(from, rideID, protocol.CodeInternal, "status update failed")
		return
	}
	if r, err := c.GetRide(ctx, from, rideID); err == nil {
		c.send(from, protocol.EventRideStatus, protocol.NewStatus(r))
	}
}

func (c *Coordinator) malformed(from models.Identity, env protocol.Envelope, err error) {
	observability.MalformedEventsTotal.WithLabelValues(env.Type).Inc()
	c.Logger.Warn("malformed event discarded", "identity", from.String(), "type", env.Type, "error", err)
	c.reject(from, "", protocol.CodeMalformed, err.Error())
}

func (c *Coordinator) reject(to models.Identity, rideID, code, msg string) {
	c.send(to, protocol.EventError, protocol.Error{Code: code, Message: msg, RideID: rideID})
}

// Ping is used by readiness checks.
func (c *Coordinator) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := c.Rides.ListRequested(ctx)
	return err
}
