package client

import (
	"context"
	"errors"

	"github.com/example/ride-sync/internal/conn"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/reconcile"
	"github.com/example/ride-sync/internal/relay"
)

func (s *Session) handle(ctx context.Context, env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.EventRideRequest:
		err = s.onRequest(env)
	case protocol.EventAcceptResult:
		err = s.onAcceptResult(env)
	case protocol.EventRideStatus:
		var p protocol.Status
		if p, err = protocol.Decode[protocol.Status](env); err == nil {
			s.onSnapshot(ctx, p.Ride)
		}
	case protocol.EventRideCancelled:
		err = s.onCancelled(ctx, env)
	case protocol.EventLocationUpdate:
		err = s.onLocation(env)
	case protocol.EventChat:
		err = s.onChat(env)
	case protocol.EventError:
		var p protocol.Error
		if p, err = protocol.Decode[protocol.Error](env); err == nil {
			s.cfg.Logger.Warn("server error", "code", p.Code, "ride_id", p.RideID, "message", p.Message)
			s.emit(Update{Kind: UpdateError, RideID: p.RideID, Err: errors.New(p.Code + ": " + p.Message)})
		}
	default:
		s.cfg.Logger.Debug("unhandled event", "type", env.Type)
	}
	if err != nil {
		// never merged: the next reconciliation re-fetches full state
		s.cfg.Logger.Warn("event discarded", "type", env.Type, "error", err)
	}
}

func (s *Session) onRequest(env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.RideRequest](env)
	if err != nil {
		return err
	}
	if !s.isDriver() {
		return nil
	}
	if s.ride != nil && s.ride.Ride().ID == p.Ride.ID {
		// already past requested locally
		return nil
	}
	if _, err := s.queue.Insert(p.Ride, s.cfg.Now(), p.ExpiresAt); err != nil {
		s.cfg.Logger.Debug("broadcast ignored", "ride_id", p.Ride.ID, "reason", err)
		return nil
	}
	s.emitQueue(nil)
	return nil
}

func (s *Session) onAcceptResult(env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.AcceptResult](env)
	if err != nil {
		return err
	}
	s.proposals.Resolve(p.RideID)
	switch p.Outcome {
	case protocol.OutcomeConfirmed:
		_, _ = s.queue.Resolve(p.RideID, models.LocalAcceptedByMe)
		s.adopt(*p.Ride)
		s.emitQueue(nil)
	case protocol.OutcomeTaken:
		s.unavailable(p.RideID, models.LocalAcceptedByOther)
	default:
		s.unavailable(p.RideID, models.LocalExpired)
	}
	return nil
}

func (s *Session) unavailable(rideID string, status models.LocalStatus) {
	_, _ = s.queue.Resolve(rideID, status)
	s.emit(Update{Kind: UpdateRideUnavailable, RideID: rideID, Err: ErrUnavailable})
	s.emitQueue(nil)
}

// onSnapshot merges an authoritative ride snapshot into the queue and the
// ride projection.
func (s *Session) onSnapshot(ctx context.Context, r models.Ride) {
	if s.isDriver() {
		if _, queued := s.queue.Get(r.ID); queued || s.proposals.Pending(r.ID) {
			if status, closed := reconcile.Resolution(r, s.cfg.Identity.ID); closed {
				proposed := s.proposals.Resolve(r.ID)
				switch {
				case status == models.LocalAcceptedByMe:
					_, _ = s.queue.Resolve(r.ID, status)
					s.adopt(r)
					s.emitQueue(nil)
				case proposed:
					s.unavailable(r.ID, status)
				default:
					_, _ = s.queue.Resolve(r.ID, status)
					s.emitQueue(nil)
				}
			}
		}
	}
	if s.ride == nil || s.ride.Ride().ID != r.ID {
		if s.isDriver() && r.DriverID == s.cfg.Identity.ID && lifecycle.IsActive(r.Status) && (s.ride == nil || s.ride.Terminal()) {
			s.adopt(r)
		}
		return
	}
	out, err := s.ride.Observe(r)
	switch {
	case errors.Is(err, lifecycle.ErrSkippedTransition):
		s.cfg.Logger.Warn("missed transition, reconciling", "ride_id", r.ID, "error", err)
		s.reconcileRide(ctx)
	case err != nil:
		s.cfg.Logger.Warn("snapshot rejected", "ride_id", r.ID, "error", err)
	case out == lifecycle.Applied:
		s.emitRide()
	}
}

func (s *Session) onCancelled(ctx context.Context, env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.Cancelled](env)
	if err != nil {
		return err
	}
	if p.Ride != nil {
		s.onSnapshot(ctx, *p.Ride)
		return nil
	}
	if _, queued := s.queue.Get(p.RideID); queued {
		s.unavailable(p.RideID, models.LocalExpired)
	}
	if s.ride != nil && s.ride.Ride().ID == p.RideID {
		s.reconcileRide(ctx)
	}
	return nil
}

func (s *Session) onLocation(env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.Location](env)
	if err != nil {
		return err
	}
	if s.ride == nil || !s.relayLive() {
		return nil
	}
	if s.latest.Offer(s.ride.Ride(), p.Sample()) {
		l, _ := s.latest.Latest()
		s.emit(Update{Kind: UpdateLocation, RideID: l.RideID, Location: &l})
	}
	return nil
}

func (s *Session) onChat(env protocol.Envelope) error {
	p, err := protocol.Decode[protocol.Chat](env)
	if err != nil {
		return err
	}
	if s.chat == nil || s.chat.RideID() != p.RideID {
		return nil
	}
	if s.chat.Add(p.Message()) {
		s.emit(Update{Kind: UpdateChat, RideID: p.RideID, Chat: s.chat.Messages()})
	}
	return nil
}

func (s *Session) signal(ctx context.Context, sig conn.Signal) error {
	switch sig.Kind {
	case conn.SignalConnected:
		s.connected = true
		s.emit(Update{Kind: UpdateConnection, Connection: conn.StateConnected})
		s.reconcile(ctx)
	case conn.SignalDisconnected:
		s.connected = false
		s.emit(Update{Kind: UpdateConnection, Connection: conn.StateReconnecting, Err: sig.Err})
	case conn.SignalReconnecting:
		s.emit(Update{Kind: UpdateConnection, Connection: conn.StateReconnecting})
	case conn.SignalConnectionError:
		s.emit(Update{Kind: UpdateConnection, Connection: conn.StateReconnecting, Err: sig.Err})
	case conn.SignalOffline:
		s.connected = false
		s.emit(Update{Kind: UpdateOffline, Connection: conn.StateOffline, Err: sig.Err})
		if sig.Err != nil {
			return sig.Err
		}
		return conn.ErrOffline
	}
	return nil
}

// sweep evicts expired queue entries and re-queries accept proposals that
// were never answered.
func (s *Session) sweep(ctx context.Context) {
	now := s.cfg.Now()
	expired, soon := s.queue.Sweep(now)
	if len(expired) > 0 || len(soon) > 0 {
		ids := make([]string, 0, len(soon))
		for _, e := range soon {
			ids = append(ids, e.Ride.ID)
		}
		s.emitQueue(ids)
	}

	requery, abandoned := s.proposals.Due(now)
	for _, id := range requery {
		r, err := s.cfg.API.FetchRide(ctx, id)
		if err != nil {
			s.cfg.Logger.Warn("accept re-query failed", "ride_id", id, "error", err)
			continue
		}
		s.onSnapshot(ctx, r)
	}
	for _, id := range abandoned {
		_ = s.queue.MarkProposed(id, false)
		s.emit(Update{Kind: UpdateError, RideID: id, Err: ErrAcceptUnconfirmed})
	}
}

// reconcile forces local state to the backend's view. It runs on every
// (re)connect and on the periodic timer.
func (s *Session) reconcile(ctx context.Context) {
	switch {
	case s.ride != nil && !s.ride.Terminal():
		s.reconcileRide(ctx)
	case s.isDriver():
		r, ok, err := s.rec.Driver(ctx, s.cfg.Identity.ID)
		if err != nil {
			s.cfg.Logger.Warn("driver reconcile failed", "error", err)
		} else if ok {
			s.adopt(r)
		}
	}
	if !s.isDriver() {
		return
	}
	resolved, err := s.rec.Queue(ctx, s.queue, s.cfg.Identity.ID)
	if err != nil {
		s.cfg.Logger.Warn("queue reconcile failed", "error", err)
		return
	}
	for _, r := range resolved {
		s.proposals.Resolve(r.Entry.Ride.ID)
		if r.Entry.LocalStatus == models.LocalAcceptedByMe && (s.ride == nil || s.ride.Terminal()) {
			s.adopt(r.Ride)
		}
	}
	if len(resolved) > 0 {
		s.emitQueue(nil)
	}
}

func (s *Session) reconcileRide(ctx context.Context) {
	changed, err := s.rec.Ride(ctx, s.ride)
	if err != nil {
		s.cfg.Logger.Warn("ride reconcile failed", "error", err)
		return
	}
	if changed {
		s.emitRide()
	}
}

// adopt starts tracking r as the current ride.
func (s *Session) adopt(r models.Ride) {
	if s.ride != nil && s.ride.Ride().ID == r.ID {
		if s.ride.Force(r) {
			s.emitRide()
		}
		return
	}
	if s.ride != nil && s.ride.Active() {
		s.stopRelays(s.ride.Ride())
	}
	s.ride = lifecycle.NewMachine(r, lifecycle.Hooks{OnActivate: s.startRelays, OnDeactivate: s.stopRelays})
	s.emitRide()
}

func (s *Session) startRelays(r models.Ride) {
	s.relaysOn = true
	s.throttle.Reset()
	if s.chat == nil || s.chat.RideID() != r.ID {
		s.chat = relay.NewChatLog(r.ID)
		s.latest.Clear()
	}
}

func (s *Session) stopRelays(models.Ride) {
	s.relaysOn = false
	s.latest.Clear()
}

func (s *Session) relayLive() bool { return s.relaysOn && s.connected }

func (s *Session) emitRide() {
	r := s.ride.Ride()
	s.emit(Update{Kind: UpdateRide, RideID: r.ID, Ride: &r})
}

func (s *Session) emitQueue(expiringSoon []string) {
	s.emit(Update{Kind: UpdateQueue, Queue: s.queue.Pending(s.cfg.Now()), ExpiringSoon: expiringSoon})
}
