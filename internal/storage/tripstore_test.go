package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
)

func TestMemoryTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRide(ctx, models.Ride{ID: "r1", RiderID: "u1", Status: models.StatusRequested, CreatedAt: time.Now()}))

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("d%d", i)
			_, _, err := s.Transition(ctx, "r1", models.StatusAccepted, models.Identity{Role: models.RoleDriver, ID: id}, time.Now())
			if err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	r, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], r.DriverID)
}

func TestMemoryTransitionUnknownRide(t *testing.T) {
	_, _, err := NewMemoryStore().Transition(context.Background(), "nope", models.StatusAccepted, models.Identity{Role: models.RoleDriver, ID: "d1"}, time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListRequested(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(100, 0)
	require.NoError(t, s.CreateRide(ctx, models.Ride{ID: "old", RiderID: "u1", Status: models.StatusRequested, CreatedAt: base}))
	require.NoError(t, s.CreateRide(ctx, models.Ride{ID: "new", RiderID: "u2", Status: models.StatusRequested, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.CreateRide(ctx, models.Ride{ID: "done", RiderID: "u3", DriverID: "d1", Status: models.StatusCompleted, CreatedAt: base}))
	require.ErrorIs(t, s.CreateRide(ctx, models.Ride{ID: "old"}), ErrExists)

	got, err := s.ListRequested(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
}

func TestMemoryDrivers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d, err := s.SetAvailability(ctx, "d1", true)
	require.NoError(t, err)
	assert.True(t, d.Available)
	assert.True(t, d.Online)

	ok, err := s.ClaimRide(ctx, "d1", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	d, err = s.UpdateLocation(ctx, "d1", models.Coord{Lat: 1, Lon: 2})
	require.NoError(t, err)
	assert.Equal(t, "r1", d.CurrentRideID, "location update keeps assignment")
	assert.True(t, d.Available)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, d.Loc)

	_, err = s.GetDriver(ctx, "d2")
	require.ErrorIs(t, err, ErrNotFound)
	d, err = s.UpdateLocation(ctx, "d2", models.Coord{Lat: 3, Lon: 4})
	require.NoError(t, err)
	assert.True(t, d.Online)
	assert.False(t, d.Available)
}

func TestMemoryClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.ClaimRide(ctx, "d1", "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimRide(ctx, "d1", "r1")
	require.NoError(t, err)
	assert.True(t, ok, "same ride claims again")
	ok, err = s.ClaimRide(ctx, "d1", "r2")
	require.NoError(t, err)
	assert.False(t, ok, "busy with r1")

	require.NoError(t, s.ReleaseRide(ctx, "d1", "r2"))
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "r1", d.CurrentRideID, "release of another ride is ignored")

	require.NoError(t, s.ReleaseRide(ctx, "d1", "r1"))
	d, err = s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, d.CurrentRideID)
}

func TestMemoryConcurrentClaimsSingleRide(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []string
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			ok, err := s.ClaimRide(ctx, "d1", id)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won = append(won, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, won, 1)
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, won[0], d.CurrentRideID)
}
