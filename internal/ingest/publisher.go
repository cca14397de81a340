package ingest

import (
	"context"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// RideEvent is one committed lifecycle transition, published for downstream
// consumers (analytics, the authoritative backend's other services).
type RideEvent struct {
	RideID   string            `json:"rideId"`
	From     models.RideStatus `json:"from"`
	To       models.RideStatus `json:"to"`
	Actor    models.Identity   `json:"actor"`
	DriverID string            `json:"driverId,omitempty"`
	At       time.Time         `json:"at"`
}

type Publisher interface {
	PublishLocation(ctx context.Context, s models.DriverLocationSample) error
	PublishRideEvent(ctx context.Context, e RideEvent) error
	Close() error
}

// Nop discards everything; used when no broker is configured.
type Nop struct{}

func (Nop) PublishLocation(context.Context, models.DriverLocationSample) error { return nil }
func (Nop) PublishRideEvent(context.Context, RideEvent) error { return nil }
func (Nop) Close() error { return nil }

// Multi fans one event out to several publishers, returning the first error.
type Multi []Publisher

func (m Multi) PublishLocation(ctx context.Context, s models.DriverLocationSample) error {
	var first error
	for _, p := range m {
		if err := p.PublishLocation(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) PublishRideEvent(ctx context.Context, e RideEvent) error {
	var first error
	for _, p := range m {
		if err := p.PublishRideEvent(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
