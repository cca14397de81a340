package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/models"
)

var (
	rider   = models.Identity{Role: models.RoleRider, ID: "u1"}
	driver1 = models.Identity{Role: models.RoleDriver, ID: "d1"}
	driver2 = models.Identity{Role: models.RoleDriver, ID: "d2"}
)

func requested() models.Ride {
	return models.Ride{ID: "r1", RiderID: "u1", Status: models.StatusRequested, CreatedAt: time.Unix(100, 0)}
}

func TestApplyHappyPath(t *testing.T) {
	r := requested()
	now := time.Unix(200, 0)

	require.NoError(t, Apply(&r, models.StatusAccepted, driver1, now))
	assert.Equal(t, "d1", r.DriverID)
	require.NotNil(t, r.AcceptedAt)

	require.NoError(t, Apply(&r, models.StatusInProgress, driver1, now.Add(time.Minute)))
	require.NoError(t, Apply(&r, models.StatusCompleted, driver1, now.Add(2*time.Minute)))
	require.NotNil(t, r.CompletedAt)
	require.NoError(t, r.Validate())
}

func TestCheckRejectsSkipsAndRepeats(t *testing.T) {
	r := requested()
	err := Check(&r, models.StatusInProgress, driver1)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, err, ErrNotInTable)

	require.NoError(t, Apply(&r, models.StatusAccepted, driver1, time.Now()))
	err = Check(&r, models.StatusAccepted, driver2)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestActorPreconditions(t *testing.T) {
	r := requested()
	require.ErrorIs(t, Check(&r, models.StatusAccepted, rider), ErrActorNotAllowed)
	require.ErrorIs(t, Check(&r, models.StatusExpired, driver1), ErrActorNotAllowed)
	require.ErrorIs(t, Check(&r, models.StatusCancelled, driver1), ErrActorNotAllowed)
	require.NoError(t, Check(&r, models.StatusExpired, models.System))

	require.NoError(t, Apply(&r, models.StatusAccepted, driver1, time.Now()))
	require.ErrorIs(t, Check(&r, models.StatusInProgress, driver2), ErrActorNotAllowed)
	require.NoError(t, Check(&r, models.StatusCancelled, rider))
	require.NoError(t, Check(&r, models.StatusCancelled, driver1))
	require.ErrorIs(t, Check(&r, models.StatusCancelled, driver2), ErrActorNotAllowed)
}

func TestCancelClearsDriver(t *testing.T) {
	r := requested()
	require.NoError(t, Apply(&r, models.StatusAccepted, driver1, time.Now()))
	require.NoError(t, Apply(&r, models.StatusCancelled, rider, time.Now()))
	assert.Empty(t, r.DriverID)
	assert.Equal(t, models.RoleRider, r.CancelledBy)
	require.NoError(t, r.Validate())

	err := Check(&r, models.StatusCancelled, rider)
	require.ErrorIs(t, err, ErrTerminal)
}

func TestMachineObserve(t *testing.T) {
	var activated, deactivated int
	m := NewMachine(requested(), Hooks{
		OnActivate:   func(models.Ride) { activated++ },
		OnDeactivate: func(models.Ride) { deactivated++ },
	})

	accepted := requested()
	require.NoError(t, Apply(&accepted, models.StatusAccepted, driver1, time.Now()))

	out, err := m.Observe(accepted)
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	assert.Equal(t, 1, activated)

	out, err = m.Observe(accepted)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)

	out, err = m.Observe(requested())
	require.NoError(t, err)
	assert.Equal(t, Stale, out, "regression must be dropped")
	assert.Equal(t, models.StatusAccepted, m.Status())

	inProgress := accepted
	require.NoError(t, Apply(&inProgress, models.StatusInProgress, driver1, time.Now()))
	completed := inProgress
	require.NoError(t, Apply(&completed, models.StatusCompleted, driver1, time.Now()))

	_, err = m.Observe(completed)
	require.True(t, errors.Is(err, ErrSkippedTransition), "accepted -> completed skips in_progress")
	assert.Equal(t, models.StatusAccepted, m.Status())

	_, err = m.Observe(inProgress)
	require.NoError(t, err)
	_, err = m.Observe(completed)
	require.NoError(t, err)
	assert.Equal(t, 1, deactivated)

	cancelled := inProgress
	require.NoError(t, Apply(&cancelled, models.StatusCancelled, rider, time.Now()))
	out, err = m.Observe(cancelled)
	require.NoError(t, err, "cancel after completed is a no-op")
	assert.Equal(t, Stale, out)
	assert.Equal(t, models.StatusCompleted, m.Status())
}

func TestMachineProposeDoesNotMutate(t *testing.T) {
	m := NewMachine(requested(), Hooks{})
	require.NoError(t, m.Propose(models.StatusAccepted, driver1))
	assert.Equal(t, models.StatusRequested, m.Status())
	assert.Empty(t, m.Ride().DriverID)
}

func TestMachineForce(t *testing.T) {
	accepted := requested()
	require.NoError(t, Apply(&accepted, models.StatusAccepted, driver1, time.Now()))
	var activated int
	m := NewMachine(requested(), Hooks{OnActivate: func(models.Ride) { activated++ }})

	inProgress := accepted
	require.NoError(t, Apply(&inProgress, models.StatusInProgress, driver1, time.Now()))
	assert.True(t, m.Force(inProgress))
	assert.Equal(t, 1, activated)
	assert.False(t, m.Force(inProgress))
}
