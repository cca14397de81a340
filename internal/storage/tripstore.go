package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// RideStore is the authoritative ride record. Transition is the single
// serialization point: concurrent callers racing on the same ride observe the
// first committed change and fail lifecycle validation afterwards.
type RideStore interface {
	CreateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	ListRequested(ctx context.Context) ([]models.Ride, error)
	Transition(ctx context.Context, id string, to models.RideStatus, actor models.Identity, now time.Time) (after, before models.Ride, err error)
}

// DriverStore writes are field-scoped so location traffic, availability
// toggles and ride assignment never overwrite each other's columns.
type DriverStore interface {
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	// UpdateLocation moves the driver and marks it online. Availability and
	// the current ride are left as they are.
	UpdateLocation(ctx context.Context, id string, loc models.Coord) (models.Driver, error)
	SetAvailability(ctx context.Context, id string, available bool) (models.Driver, error)
	// ClaimRide assigns rideID to a free driver, or to one already holding
	// rideID. It reports false when the driver is busy with another ride.
	ClaimRide(ctx context.Context, id, rideID string) (bool, error)
	// ReleaseRide clears the assignment only while it still points at rideID.
	ReleaseRide(ctx context.Context, id, rideID string) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	drivers map[string]models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride), drivers: make(map[string]models.Driver)}
}

func (m *MemoryStore) CreateRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrExists
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRequested(_ context.Context) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == models.StatusRequested {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Transition returns the ride after the change and as it was before. On a
// rejected change both are the current record.
func (m *MemoryStore) Transition(_ context.Context, id string, to models.RideStatus, actor models.Identity, now time.Time) (after, before models.Ride, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.rides[id]
	if !ok {
		return models.Ride{}, models.Ride{}, ErrNotFound
	}
	after = before
	if err := lifecycle.Apply(&after, to, actor, now); err != nil {
		return before, before, err
	}
	m.rides[id] = after
	return after, before, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, loc models.Coord) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		d = models.Driver{ID: id}
	}
	d.Loc = loc
	d.Online = true
	d.Updated = time.Now()
	m.drivers[id] = d
	return d, nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, id string, available bool) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		d = models.Driver{ID: id}
	}
	d.Available = available
	d.Online = available || d.Online
	d.Updated = time.Now()
	m.drivers[id] = d
	return d, nil
}

func (m *MemoryStore) ClaimRide(_ context.Context, id, rideID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		d = models.Driver{ID: id}
	}
	if d.CurrentRideID != "" && d.CurrentRideID != rideID {
		return false, nil
	}
	d.CurrentRideID = rideID
	d.Updated = time.Now()
	m.drivers[id] = d
	return true, nil
}

func (m *MemoryStore) ReleaseRide(_ context.Context, id, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok || d.CurrentRideID != rideID {
		return nil
	}
	d.CurrentRideID = ""
	d.Updated = time.Now()
	m.drivers[id] = d
	return nil
}
