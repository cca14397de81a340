package relay

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
)

// AdmitLocation reports whether a sample may be shown to the rider of r. Samples
// outside the active window or from any driver other than the committed one are
// dropped without error.
func AdmitLocation(r models.Ride, s models.DriverLocationSample) bool {
	if !lifecycle.IsActive(r.Status) {
		return false
	}
	if s.DriverID == "" || s.DriverID != r.DriverID {
		return false
	}
	return s.RideID == "" || s.RideID == r.ID
}

// LocationThrottle decides which device samples a driver forwards. A sample is
// sent only when both the minimum interval and the minimum distance since the
// last sent sample are met.
type LocationThrottle struct {
	minDistance float64
	limiter     *rate.Limiter
	last        *models.DriverLocationSample
}

func NewLocationThrottle(minInterval time.Duration, minDistanceM float64) *LocationThrottle {
	return &LocationThrottle{
		minDistance: minDistanceM,
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (t *LocationThrottle) Allow(s models.DriverLocationSample) bool {
	if t.last != nil && geo.Distance(t.last.Coord(), s.Coord()) < t.minDistance {
		return false
	}
	if !t.limiter.AllowN(s.CapturedAt, 1) {
		return false
	}
	cp := s
	t.last = &cp
	return true
}

// Reset forgets the last sent sample so the next one passes immediately.
func (t *LocationThrottle) Reset() {
	t.last = nil
	t.limiter = rate.NewLimiter(t.limiter.Limit(), 1)
}

// LatestLocation is the rider-side view: only the newest admitted sample is
// kept; older in-flight samples are superseded.
type LatestLocation struct {
	latest *models.DriverLocationSample
}

// Offer returns true when s became the displayed location.
func (l *LatestLocation) Offer(r models.Ride, s models.DriverLocationSample) bool {
	if !AdmitLocation(r, s) {
		return false
	}
	if l.latest != nil && l.latest.DriverID == s.DriverID && !s.CapturedAt.After(l.latest.CapturedAt) {
		return false
	}
	cp := s
	l.latest = &cp
	return true
}

func (l *LatestLocation) Latest() (models.DriverLocationSample, bool) {
	if l.latest == nil {
		return models.DriverLocationSample{}, false
	}
	return *l.latest, true
}

func (l *LatestLocation) Clear() { l.latest = nil }
