package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/queue"
)

type fakeSource struct {
	rides   map[string]models.Ride
	drivers map[string]models.Driver
	fail    error
}

func (f *fakeSource) FetchRide(_ context.Context, id string) (models.Ride, error) {
	if f.fail != nil {
		return models.Ride{}, f.fail
	}
	r, ok := f.rides[id]
	if !ok {
		return models.Ride{}, &backend.APIError{StatusCode: 404}
	}
	return r, nil
}

func (f *fakeSource) FetchDriver(_ context.Context, id string) (models.Driver, error) {
	d, ok := f.drivers[id]
	if !ok {
		return models.Driver{}, &backend.APIError{StatusCode: 404}
	}
	return d, nil
}

func (f *fakeSource) FetchAvailable(context.Context) ([]models.Ride, error) {
	var out []models.Ride
	for _, r := range f.rides {
		if r.Status == models.StatusRequested {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRideForcesAuthoritativeStatus(t *testing.T) {
	var activated, deactivated int
	local := models.Ride{ID: "R1", RiderID: "U1", DriverID: "D1", Status: models.StatusAccepted}
	m := lifecycle.NewMachine(local, lifecycle.Hooks{
		OnActivate:   func(models.Ride) { activated++ },
		OnDeactivate: func(models.Ride) { deactivated++ },
	})
	require.Equal(t, 1, activated)

	remote := local
	remote.Status = models.StatusCompleted
	rc := &Reconciler{Source: &fakeSource{rides: map[string]models.Ride{"R1": remote}}, Logger: logging.Discard()}

	changed, err := rc.Ride(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusCompleted, m.Status())
	assert.Equal(t, 1, deactivated)

	changed, err = rc.Ride(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRideFetchErrorLeavesStateAlone(t *testing.T) {
	m := lifecycle.NewMachine(models.Ride{ID: "R1", RiderID: "U1", DriverID: "D1", Status: models.StatusInProgress}, lifecycle.Hooks{})
	rc := &Reconciler{Source: &fakeSource{fail: errors.New("boom")}, Logger: logging.Discard()}
	_, err := rc.Ride(context.Background(), m)
	require.Error(t, err)
	assert.Equal(t, models.StatusInProgress, m.Status())
}

func TestDriverRecoversActiveRide(t *testing.T) {
	src := &fakeSource{
		rides:   map[string]models.Ride{"R1": {ID: "R1", RiderID: "U1", DriverID: "D1", Status: models.StatusInProgress}},
		drivers: map[string]models.Driver{"D1": {ID: "D1", CurrentRideID: "R1"}, "D2": {ID: "D2"}},
	}
	rc := &Reconciler{Source: src, Logger: logging.Discard()}

	r, ok, err := rc.Driver(context.Background(), "D1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "R1", r.ID)

	_, ok, err = rc.Driver(context.Background(), "D2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = rc.Driver(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolution(t *testing.T) {
	cases := []struct {
		ride   models.Ride
		want   models.LocalStatus
		closed bool
	}{
		{models.Ride{Status: models.StatusRequested}, models.LocalPending, false},
		{models.Ride{Status: models.StatusAccepted, DriverID: "D1"}, models.LocalAcceptedByMe, true},
		{models.Ride{Status: models.StatusInProgress, DriverID: "D2"}, models.LocalAcceptedByOther, true},
		{models.Ride{Status: models.StatusCancelled}, models.LocalExpired, true},
		{models.Ride{Status: models.StatusExpired}, models.LocalExpired, true},
	}
	for _, tc := range cases {
		got, closed := Resolution(tc.ride, "D1")
		assert.Equal(t, tc.want, got, tc.ride.Status)
		assert.Equal(t, tc.closed, closed, tc.ride.Status)
	}
}

func TestQueueEvictsWhatBackendNoLongerOffers(t *testing.T) {
	now := time.Unix(1000, 0)
	q := queue.New(10 * time.Second)
	for _, id := range []string{"R1", "R2", "R3", "R4"} {
		_, err := q.Insert(models.Ride{ID: id, RiderID: "U1", Status: models.StatusRequested}, now, now.Add(30*time.Second))
		require.NoError(t, err)
	}
	src := &fakeSource{rides: map[string]models.Ride{
		"R1": {ID: "R1", RiderID: "U1", Status: models.StatusRequested},
		"R2": {ID: "R2", RiderID: "U1", DriverID: "D2", Status: models.StatusAccepted},
		"R3": {ID: "R3", RiderID: "U1", Status: models.StatusCancelled},
	}}
	rc := &Reconciler{Source: src, Logger: logging.Discard()}

	resolved, err := rc.Queue(context.Background(), q, "D1")
	require.NoError(t, err)
	got := map[string]models.LocalStatus{}
	for _, r := range resolved {
		got[r.Entry.Ride.ID] = r.Entry.LocalStatus
	}
	assert.Equal(t, map[string]models.LocalStatus{
		"R2": models.LocalAcceptedByOther,
		"R3": models.LocalExpired,
		"R4": models.LocalExpired,
	}, got)
	assert.Equal(t, []string{"R1"}, q.IDs())
}
