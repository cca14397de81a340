package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// Geo is the eligibility index the broadcast fan-out queries.
type Geo interface {
	Nearby(ctx context.Context, lat, lon float64, limit int) []models.Driver
	Upsert(ctx context.Context, d models.Driver)
}

// Index is an in-memory Geo for single-node deployments and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	radiusM float64
}

func NewIndex(radiusM float64) *Index {
	return &Index{drivers: make(map[string]models.Driver), radiusM: radiusM}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

// Nearby returns eligible drivers within the radius, closest first.
// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, lat, lon float64, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Eligible() {
			continue
		}
		dist := Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if g.radiusM > 0 && dist > g.radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine between two coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }
