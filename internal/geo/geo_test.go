package geo

import (
	"context"
	"testing"

	"github.com/example/ride-sync/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbySkipsIneligible(t *testing.T) {
	ctx := context.Background()
	g := NewIndex(5000)
	g.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 0, Lon: 0.001}, Online: true, Available: true})
	g.Upsert(ctx, models.Driver{ID: "nearer", Loc: models.Coord{Lat: 0, Lon: 0.0001}, Online: true, Available: true})
	g.Upsert(ctx, models.Driver{ID: "busy", Loc: models.Coord{Lat: 0, Lon: 0}, Online: true, Available: true, CurrentRideID: "r1"})
	g.Upsert(ctx, models.Driver{ID: "offline", Loc: models.Coord{Lat: 0, Lon: 0}, Available: true})
	g.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 1, Lon: 1}, Online: true, Available: true})

	got := g.Nearby(ctx, 0, 0, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible drivers, got %d", len(got))
	}
	if got[0].ID != "nearer" {
		t.Fatalf("expected closest first, got %s", got[0].ID)
	}
}

func TestApplyMeta(t *testing.T) {
	d := ApplyMeta(models.Driver{ID: "d1"}, map[string]string{"rating": "4.5", "online": "true", "available": "false"})
	if d.Rating != 4.5 || !d.Online || d.Available {
		t.Fatalf("unexpected driver %+v", d)
	}
}
