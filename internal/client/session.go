// Package client is the rider/driver side of the protocol. A Session owns the
// connection, the ride projection, the request queue, pending accept proposals
// and both relays. Everything runs on one loop goroutine: inbound events,
// connection signals, timers and local commands never interleave.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-sync/internal/arbiter"
	"github.com/example/ride-sync/internal/conn"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/queue"
	"github.com/example/ride-sync/internal/reconcile"
	"github.com/example/ride-sync/internal/relay"
)

var (
	ErrClosed            = errors.New("session closed")
	ErrWrongRole         = errors.New("command not available for this role")
	ErrNoRide            = errors.New("no current ride")
	ErrBusy              = errors.New("driver already has an active ride")
	ErrUnavailable       = errors.New("ride no longer available")
	ErrRelayInactive     = errors.New("relay inactive")
	ErrAcceptUnconfirmed = errors.New("accept not confirmed")
)

// Transport is satisfied by *conn.Manager.
type Transport interface {
	Run(ctx context.Context) error
	Send(env protocol.Envelope) error
	Inbound() <-chan protocol.Envelope
	Signals() <-chan conn.Signal
}

// API is the pull-based backend surface; *backend.Client satisfies it.
type API interface {
	reconcile.Source
	PatchRideStatus(ctx context.Context, id string, to models.RideStatus) (models.Ride, error)
	PatchDriverAvailability(ctx context.Context, id string, available bool) (models.Driver, error)
	RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error)
}

type UpdateKind int

const (
	UpdateQueue UpdateKind = iota
	UpdateRide
	UpdateLocation
	UpdateChat
	UpdateConnection
	UpdateRideUnavailable
	UpdateOffline
	UpdateError
)

func (k UpdateKind) String() string {
	return [...]string{"queue", "ride", "location", "chat", "connection", "ride-unavailable", "offline", "error"}[k]
}

// Update is what the UI layer sees. Only the fields relevant to Kind are set.
type Update struct {
	Kind         UpdateKind
	Queue        []models.RequestQueueEntry
	ExpiringSoon []string
	Ride         *models.Ride
	Location     *models.DriverLocationSample
	Chat         []models.ChatMessage
	Connection   conn.State
	RideID       string
	Err          error
}

type Config struct {
	Identity  models.Identity
	Transport Transport
	API       API
	Logger    *slog.Logger
	Now       func() time.Time
	OnUpdate  func(Update)

	SweepInterval     time.Duration
	ExpiringSoon      time.Duration
	AcceptTimeout     time.Duration
	MaxRequery        int
	ReconcileInterval time.Duration
	LocationInterval  time.Duration
	LocationDistanceM float64
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.OnUpdate == nil {
		c.OnUpdate = func(Update) {}
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.ExpiringSoon <= 0 {
		c.ExpiringSoon = 10 * time.Second
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 5 * time.Second
	}
	if c.MaxRequery <= 0 {
		c.MaxRequery = 3
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.LocationInterval <= 0 {
		c.LocationInterval = 3 * time.Second
	}
	if c.LocationDistanceM <= 0 {
		c.LocationDistanceM = 10
	}
}

type Session struct {
	cfg  Config
	rec  *reconcile.Reconciler
	cmds chan func(context.Context)
	done chan struct{}

	// owned by the loop
	ride      *lifecycle.Machine
	relaysOn  bool
	connected bool
	queue     *queue.Queue
	proposals *arbiter.Proposals
	throttle  *relay.LocationThrottle
	latest    relay.LatestLocation
	chat      *relay.ChatLog
}

func New(cfg Config) *Session {
	cfg.defaults()
	return &Session{
		cfg:       cfg,
		rec:       &reconcile.Reconciler{Source: cfg.API, Logger: cfg.Logger},
		cmds:      make(chan func(context.Context)),
		done:      make(chan struct{}),
		queue:     queue.New(cfg.ExpiringSoon),
		proposals: arbiter.NewProposals(cfg.AcceptTimeout, cfg.MaxRequery),
		throttle:  relay.NewLocationThrottle(cfg.LocationInterval, cfg.LocationDistanceM),
	}
}

func (s *Session) isDriver() bool { return s.cfg.Identity.Role == models.RoleDriver }

// Run drives the transport and the event loop until ctx ends or the
// connection goes offline for good.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.cfg.Transport.Run(ctx) })
	g.Go(func() error {
		defer close(s.done)
		return s.loop(ctx)
	})
	return g.Wait()
}

func (s *Session) loop(ctx context.Context) error {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	rec := time.NewTicker(s.cfg.ReconcileInterval)
	defer rec.Stop()

	in := s.cfg.Transport.Inbound()
	sigs := s.cfg.Transport.Signals()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-in:
			s.handle(ctx, env)
		case sig := <-sigs:
			if err := s.signal(ctx, sig); err != nil {
				return err
			}
		case <-sweep.C:
			s.sweep(ctx)
		case <-rec.C:
			if s.connected {
				s.reconcile(ctx)
			}
		case fn := <-s.cmds:
			fn(ctx)
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	select {
	case s.cmds <- func(lctx context.Context) { errc <- fn(lctx) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) emit(u Update) { s.cfg.OnUpdate(u) }

func (s *Session) send(eventType string, payload any) error {
	env, err := protocol.New(eventType, payload)
	if err != nil {
		return err
	}
	return s.cfg.Transport.Send(env)
}

// Accept proposes to take a queued ride. The result arrives asynchronously as
// an UpdateRide or UpdateRideUnavailable.
func (s *Session) Accept(ctx context.Context, rideID string) error {
	return s.do(ctx, func(context.Context) error {
		if !s.isDriver() {
			return ErrWrongRole
		}
		if s.ride != nil && s.ride.Active() {
			return ErrBusy
		}
		now := s.cfg.Now()
		e, ok := s.queue.Get(rideID)
		if !ok || e.LocalStatus != models.LocalPending || !now.Before(e.ExpiresAt) {
			return ErrUnavailable
		}
		if err := s.proposals.Propose(rideID, now); err != nil {
			return err
		}
		if err := s.send(protocol.EventRideAccept, protocol.Accept{RideID: rideID}); err != nil {
			s.proposals.Resolve(rideID)
			return fmt.Errorf("send accept: %w", err)
		}
		_ = s.queue.MarkProposed(rideID, true)
		s.emitQueue(nil)
		return nil
	})
}

// Reject hides a queued ride locally; the backend is not told.
func (s *Session) Reject(ctx context.Context, rideID string) error {
	return s.do(ctx, func(context.Context) error {
		if !s.isDriver() {
			return ErrWrongRole
		}
		if s.proposals.Pending(rideID) {
			return arbiter.ErrAlreadyProposed
		}
		if _, err := s.queue.Resolve(rideID, models.LocalRejectedByMe); err != nil {
			return err
		}
		s.emitQueue(nil)
		return nil
	})
}

func (s *Session) Start(ctx context.Context) error {
	return s.proposeStatus(ctx, models.StatusInProgress)
}

func (s *Session) Complete(ctx context.Context) error {
	return s.proposeStatus(ctx, models.StatusCompleted)
}

// proposeStatus validates locally and asks the backend; the projection moves
// only when the authoritative ride:status comes back.
func (s *Session) proposeStatus(ctx context.Context, to models.RideStatus) error {
	return s.do(ctx, func(context.Context) error {
		if s.ride == nil {
			return ErrNoRide
		}
		if err := s.ride.Propose(to, s.cfg.Identity); err != nil {
			return err
		}
		return s.send(protocol.EventStatusUpdate, protocol.StatusUpdate{RideID: s.ride.Ride().ID, Status: to})
	})
}

// Cancel asks the backend to cancel the current ride. Cancelling a ride
// already observed as terminal is a no-op.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	return s.do(ctx, func(context.Context) error {
		if s.ride == nil {
			return ErrNoRide
		}
		if s.ride.Terminal() {
			return nil
		}
		if err := s.ride.Propose(models.StatusCancelled, s.cfg.Identity); err != nil {
			return err
		}
		return s.send(protocol.EventRideCancelled, protocol.Cancelled{RideID: s.ride.Ride().ID, Reason: reason})
	})
}

// SendChat posts text into the current ride. The message is shown once the
// backend echoes it.
func (s *Session) SendChat(ctx context.Context, text string) error {
	return s.do(ctx, func(context.Context) error {
		if s.ride == nil {
			return ErrNoRide
		}
		if !s.relayLive() {
			return ErrRelayInactive
		}
		msg := models.ChatMessage{RideID: s.ride.Ride().ID, Sender: s.cfg.Identity.Role, Text: text, Timestamp: s.cfg.Now()}
		if err := relay.AdmitChat(s.ride.Ride(), s.cfg.Identity, msg); err != nil {
			return err
		}
		return s.send(protocol.EventChat, protocol.Chat(msg))
	})
}

// ReportLocation offers one device sample. It reports whether the sample was
// forwarded; samples inside the throttle window are skipped.
func (s *Session) ReportLocation(ctx context.Context, lat, lon float64) (bool, error) {
	var sent bool
	err := s.do(ctx, func(context.Context) error {
		if !s.isDriver() {
			return ErrWrongRole
		}
		if s.ride == nil || !s.relayLive() {
			return ErrRelayInactive
		}
		sample := models.DriverLocationSample{
			DriverID:   s.cfg.Identity.ID,
			RideID:     s.ride.Ride().ID,
			Latitude:   lat,
			Longitude:  lon,
			CapturedAt: s.cfg.Now(),
		}
		if !s.throttle.Allow(sample) {
			return nil
		}
		if err := s.send(protocol.EventLocationUpdate, protocol.Location(sample)); err != nil {
			return err
		}
		sent = true
		return nil
	})
	return sent, err
}

// RequestRide creates a ride through the REST surface and starts tracking it.
func (s *Session) RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	var out models.Ride
	err := s.do(ctx, func(lctx context.Context) error {
		if s.cfg.Identity.Role != models.RoleRider {
			return ErrWrongRole
		}
		if s.ride != nil && !s.ride.Terminal() {
			return ErrBusy
		}
		req.RiderID = s.cfg.Identity.ID
		r, err := s.cfg.API.RequestRide(lctx, req)
		if err != nil {
			return err
		}
		s.adopt(r)
		out = r
		return nil
	})
	return out, err
}

func (s *Session) SetAvailability(ctx context.Context, available bool) error {
	return s.do(ctx, func(lctx context.Context) error {
		if !s.isDriver() {
			return ErrWrongRole
		}
		_, err := s.cfg.API.PatchDriverAvailability(lctx, s.cfg.Identity.ID, available)
		return err
	})
}

// Ride returns the current ride projection.
func (s *Session) Ride(ctx context.Context) (models.Ride, bool, error) {
	var (
		r  models.Ride
		ok bool
	)
	err := s.do(ctx, func(context.Context) error {
		if s.ride != nil {
			r, ok = s.ride.Ride(), true
		}
		return nil
	})
	return r, ok, err
}

// Queue returns the entries presentable as pending, newest first.
func (s *Session) Queue(ctx context.Context) ([]models.RequestQueueEntry, error) {
	var out []models.RequestQueueEntry
	err := s.do(ctx, func(context.Context) error {
		out = s.queue.Pending(s.cfg.Now())
		return nil
	})
	return out, err
}

func (s *Session) Chat(ctx context.Context) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	err := s.do(ctx, func(context.Context) error {
		if s.chat != nil {
			out = s.chat.Messages()
		}
		return nil
	})
	return out, err
}

func (s *Session) Location(ctx context.Context) (models.DriverLocationSample, bool, error) {
	var (
		l  models.DriverLocationSample
		ok bool
	)
	err := s.do(ctx, func(context.Context) error {
		l, ok = s.latest.Latest()
		return nil
	})
	return l, ok, err
}

// RelaysLive reports whether location and chat currently flow.
func (s *Session) RelaysLive(ctx context.Context) (bool, error) {
	var live bool
	err := s.do(ctx, func(context.Context) error {
		live = s.relayLive()
		return nil
	})
	return live, err
}
