package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/models"
)

func ride(id string) models.Ride {
	return models.Ride{ID: id, RiderID: "u1", Status: models.StatusRequested}
}

func TestInsertOrderingAndDuplicates(t *testing.T) {
	q := New(10 * time.Second)
	now := time.Unix(1000, 0)

	_, err := q.Insert(ride("a"), now, now.Add(30*time.Second))
	require.NoError(t, err)
	_, err = q.Insert(ride("b"), now.Add(time.Second), now.Add(31*time.Second))
	require.NoError(t, err)

	_, err = q.Insert(ride("a"), now.Add(2*time.Second), now.Add(32*time.Second))
	require.ErrorIs(t, err, ErrDuplicate)

	pending := q.Pending(now.Add(2 * time.Second))
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].Ride.ID, "most recent first")
	assert.Equal(t, "a", pending[1].Ride.ID)
}

func TestInsertRejectsExpiredAndNonRequested(t *testing.T) {
	q := New(time.Second)
	now := time.Unix(1000, 0)
	_, err := q.Insert(ride("a"), now, now.Add(-time.Second))
	require.ErrorIs(t, err, ErrExpired)

	r := ride("b")
	r.Status = models.StatusAccepted
	r.DriverID = "d9"
	_, err = q.Insert(r, now, now.Add(time.Minute))
	require.ErrorIs(t, err, ErrNotRequested)
	assert.Zero(t, q.Len())
}

func TestResolveEvictsTerminal(t *testing.T) {
	q := New(time.Second)
	now := time.Unix(1000, 0)
	_, err := q.Insert(ride("a"), now, now.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, q.MarkProposed("a", true))
	e, ok := q.Get("a")
	require.True(t, ok)
	assert.True(t, e.Proposed)

	e, err = q.Resolve("a", models.LocalAcceptedByOther)
	require.NoError(t, err)
	assert.Equal(t, models.LocalAcceptedByOther, e.LocalStatus)
	_, ok = q.Get("a")
	assert.False(t, ok)

	_, err = q.Resolve("a", models.LocalExpired)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredNeverPresentedAsPending(t *testing.T) {
	q := New(5 * time.Second)
	now := time.Unix(1000, 0)
	_, err := q.Insert(ride("a"), now, now.Add(30*time.Second))
	require.NoError(t, err)

	assert.Len(t, q.Pending(now.Add(29*time.Second)), 1)
	assert.Empty(t, q.Pending(now.Add(30*time.Second)), "expired before sweep")

	expired, soon := q.Sweep(now.Add(26 * time.Second))
	assert.Empty(t, expired)
	require.Len(t, soon, 1)

	expired, _ = q.Sweep(now.Add(31 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, models.LocalExpired, expired[0].LocalStatus)
	assert.Zero(t, q.Len())
}
