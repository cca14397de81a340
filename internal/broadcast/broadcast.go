// Package broadcast fans a new ride request out to eligible drivers and
// remembers who received it so later status changes can retract it.
//
// A ride is tracked from the moment its fan-out starts. Retraction closes the
// ride: sends that have not started are skipped, and a send that raced the
// retraction is followed by the retraction again.
package broadcast

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-sync/internal/eta"
	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

type Notifier interface {
	SendTo(id models.Identity, env protocol.Envelope) error
}

type Service struct {
	Geo    geo.Geo
	Notify Notifier
	ETA    *eta.Estimator
	Logger *slog.Logger
	TopN   int
	TTL    time.Duration
	// RadiusM limits late offers to drivers near the pickup. Zero means no
	// limit.
	RadiusM float64

	mu    sync.Mutex
	rides map[string]*tracked
}

type tracked struct {
	mu         sync.Mutex
	recipients []string
	closed     bool
	retraction protocol.Envelope
	skip       string
}

func (s *Service) track(rideID string) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rides == nil {
		s.rides = make(map[string]*tracked)
	}
	t, ok := s.rides[rideID]
	if !ok {
		t = &tracked{}
		s.rides[rideID] = t
	}
	return t
}

// deliver sends env to driverID unless the ride was retracted. The driver is
// recorded before the write so a concurrent Retract reaches it.
func (s *Service) deliver(t *tracked, rideID, driverID string, env protocol.Envelope) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	for _, id := range t.recipients {
		if id == driverID {
			t.mu.Unlock()
			return true
		}
	}
	t.recipients = append(t.recipients, driverID)
	t.mu.Unlock()

	to := models.Identity{Role: models.RoleDriver, ID: driverID}
	err := s.Notify.SendTo(to, env)

	t.mu.Lock()
	if err != nil {
		t.recipients = slices.DeleteFunc(t.recipients, func(id string) bool { return id == driverID })
		t.mu.Unlock()
		s.Logger.Debug("broadcast skipped driver", "ride_id", rideID, "driver_id", driverID, "error", err)
		return false
	}
	closed, retraction, skip := t.closed, t.retraction, t.skip
	t.mu.Unlock()
	if closed && driverID != skip {
		_ = s.Notify.SendTo(to, retraction)
	}
	return true
}

type candidate struct {
	d      models.Driver
	etaSec float64
	cost   float64
}

// Rank orders candidates by pickup ETA penalized by rating.
func (s *Service) rank(ctx context.Context, origin models.Coord, cands []models.Driver) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, d := range cands {
		etaSec := s.ETA.Seconds(ctx, d.Loc, origin)
		cost := etaSec + 30.0*(5.0-d.Rating) // cost = w1*eta + w2*(5 - rating)
		out = append(out, candidate{d, etaSec, cost})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].cost < out[j].cost })
	return out
}

// FanOut sends ride:request to the top eligible drivers and returns the ids that
// received it. Delivery failures to individual drivers are logged, not fatal.
func (s *Service) FanOut(ctx context.Context, r models.Ride, broadcastAt time.Time) []string {
	topN := s.TopN
	if topN <= 0 {
		topN = 8
	}
	t := s.track(r.ID)
	cands := s.rank(ctx, r.Origin, s.Geo.Nearby(ctx, r.Origin.Lat, r.Origin.Lon, topN))
	expiresAt := broadcastAt.Add(s.TTL)

	var (
		mu        sync.Mutex
		delivered []string
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, c := range cands {
		c := c
		g.Go(func() error {
			env := protocol.MustNew(protocol.EventRideRequest, protocol.RideRequest{Ride: r, ExpiresAt: expiresAt, PickupETASeconds: c.etaSec})
			if s.deliver(t, r.ID, c.d.ID, env) {
				mu.Lock()
				delivered = append(delivered, c.d.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(delivered)

	observability.BroadcastFanout.Observe(float64(len(delivered)))
	s.Logger.Info("ride broadcast", "ride_id", r.ID, "drivers", len(delivered), "expires_at", expiresAt)
	return delivered
}

// Offer sends an already-created request to one driver that came online
// after the original fan-out. A driver that already holds the request is not
// sent it twice.
func (s *Service) Offer(ctx context.Context, r models.Ride, d models.Driver, expiresAt time.Time) bool {
	if s.RadiusM > 0 && geo.Haversine(d.Loc.Lat, d.Loc.Lon, r.Origin.Lat, r.Origin.Lon) > s.RadiusM {
		return false
	}
	env := protocol.MustNew(protocol.EventRideRequest, protocol.RideRequest{
		Ride: r, ExpiresAt: expiresAt, PickupETASeconds: s.ETA.Seconds(ctx, d.Loc, r.Origin),
	})
	return s.deliver(s.track(r.ID), r.ID, d.ID, env)
}

func (s *Service) Recipients(rideID string) []string {
	s.mu.Lock()
	t, ok := s.rides[rideID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.recipients...)
	sort.Strings(out)
	return out
}

// Retract sends env to every recipient of rideID except skip and stops any
// delivery still in flight, then forgets the ride.
func (s *Service) Retract(rideID, skip string, env protocol.Envelope) {
	s.mu.Lock()
	t, ok := s.rides[rideID]
	delete(s.rides, rideID)
	s.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.closed = true
	t.retraction, t.skip = env, skip
	ids := append([]string(nil), t.recipients...)
	t.mu.Unlock()
	for _, id := range ids {
		if id == skip {
			continue
		}
		_ = s.Notify.SendTo(models.Identity{Role: models.RoleDriver, ID: id}, env)
	}
}
