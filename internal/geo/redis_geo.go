package geo

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sync/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Driver metadata lives in a
// hash next to the geo set so eligibility can be filtered after the radius query.
type RedisGeo struct {
	client  *redis.Client
	key     string
	radiusM float64
	logger  *slog.Logger
}

func NewRedisGeo(addr, password, key string, radiusM float64, logger *slog.Logger) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, radiusM: radiusM, logger: logger}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, MetaKey(d.ID), map[string]interface{}{
		"rating":       strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":       strconv.FormatBool(d.Online),
		"available":    strconv.FormatBool(d.Available),
		"current_ride": d.CurrentRideID,
		"updated":      time.Now().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("redis geo upsert failed", "driver_id", d.ID, "error", err)
	}
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon float64, limit int) []models.Driver {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: r.radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		r.logger.Warn("redis geo radius failed", "error", err)
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d = ApplyMeta(d, m)
		if d.Eligible() {
			out = append(out, d)
		}
	}
	return out
}

// ApplyMeta decodes the metadata hash written by Upsert.
func ApplyMeta(d models.Driver, m map[string]string) models.Driver {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	d.CurrentRideID = m["current_ride"]
	return d
}

func MetaKey(id string) string { return "driver:meta:" + id }
