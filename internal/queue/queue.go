package queue

import (
	"container/list"
	"errors"
	"time"

	"github.com/example/ride-sync/internal/models"
)

var (
	ErrDuplicate    = errors.New("ride already queued")
	ErrExpired      = errors.New("ride request already expired")
	ErrNotRequested = errors.New("ride is not in requested status")
	ErrNotFound     = errors.New("ride not queued")
)

// Queue holds the requested rides visible to one driver, most recent first.
// It is not safe for concurrent use; the owning session serializes access.
type Queue struct {
	order        *list.List // of *models.RequestQueueEntry, front is newest
	byID         map[string]*list.Element
	expiringSoon time.Duration
}

func New(expiringSoon time.Duration) *Queue {
	return &Queue{order: list.New(), byID: make(map[string]*list.Element), expiringSoon: expiringSoon}
}

func (q *Queue) Len() int { return q.order.Len() }

// Insert adds a broadcast ride. Redundant deliveries and requests whose expiry
// has already passed are rejected.
func (q *Queue) Insert(r models.Ride, receivedAt, expiresAt time.Time) (models.RequestQueueEntry, error) {
	if r.Status != models.StatusRequested {
		return models.RequestQueueEntry{}, ErrNotRequested
	}
	if _, ok := q.byID[r.ID]; ok {
		return models.RequestQueueEntry{}, ErrDuplicate
	}
	if !expiresAt.After(receivedAt) {
		return models.RequestQueueEntry{}, ErrExpired
	}
	e := &models.RequestQueueEntry{Ride: r, ReceivedAt: receivedAt, ExpiresAt: expiresAt, LocalStatus: models.LocalPending}
	q.byID[r.ID] = q.order.PushFront(e)
	return *e, nil
}

func (q *Queue) Get(id string) (models.RequestQueueEntry, bool) {
	el, ok := q.byID[id]
	if !ok {
		return models.RequestQueueEntry{}, false
	}
	return *el.Value.(*models.RequestQueueEntry), true
}

// MarkProposed flags an entry as awaiting arbitration.
func (q *Queue) MarkProposed(id string, proposed bool) error {
	el, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	el.Value.(*models.RequestQueueEntry).Proposed = proposed
	return nil
}

// Resolve moves an entry to status. Terminal statuses evict it; the returned
// entry carries the final local status.
func (q *Queue) Resolve(id string, status models.LocalStatus) (models.RequestQueueEntry, error) {
	el, ok := q.byID[id]
	if !ok {
		return models.RequestQueueEntry{}, ErrNotFound
	}
	e := el.Value.(*models.RequestQueueEntry)
	e.LocalStatus = status
	if status.Terminal() {
		e.Proposed = false
		q.order.Remove(el)
		delete(q.byID, id)
	}
	return *e, nil
}

// Pending lists entries still presentable to the user, newest first. Entries
// past their expiry are omitted even if the sweep has not run yet.
func (q *Queue) Pending(now time.Time) []models.RequestQueueEntry {
	out := make([]models.RequestQueueEntry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*models.RequestQueueEntry)
		if e.LocalStatus != models.LocalPending || !now.Before(e.ExpiresAt) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// IDs returns the ids of every queued ride.
func (q *Queue) IDs() []string {
	out := make([]string, 0, len(q.byID))
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*models.RequestQueueEntry).Ride.ID)
	}
	return out
}

// Sweep evicts expired entries and reports the ones inside the expiring-soon
// window.
func (q *Queue) Sweep(now time.Time) (expired, expiringSoon []models.RequestQueueEntry) {
	for el := q.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*models.RequestQueueEntry)
		switch {
		case !now.Before(e.ExpiresAt):
			e.LocalStatus = models.LocalExpired
			e.Proposed = false
			q.order.Remove(el)
			delete(q.byID, e.Ride.ID)
			expired = append(expired, *e)
		case e.ExpiresAt.Sub(now) <= q.expiringSoon:
			expiringSoon = append(expiringSoon, *e)
		}
		el = next
	}
	return expired, expiringSoon
}
