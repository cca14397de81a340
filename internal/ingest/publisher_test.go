package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-sync/internal/models"
)

type recordingPublisher struct {
	events []RideEvent
	err    error
}

func (r *recordingPublisher) PublishLocation(context.Context, models.DriverLocationSample) error {
	return r.err
}

func (r *recordingPublisher) PublishRideEvent(_ context.Context, e RideEvent) error {
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestMultiDeliversToAll(t *testing.T) {
	a := &recordingPublisher{err: errors.New("broker down")}
	b := &recordingPublisher{}
	m := Multi{a, b, Nop{}}

	err := m.PublishRideEvent(context.Background(), RideEvent{RideID: "r1", To: models.StatusAccepted})
	if err == nil {
		t.Fatal("expected first error to surface")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected every publisher to receive the event, got %d/%d", len(a.events), len(b.events))
	}
}
