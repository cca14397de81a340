package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastGeo  *redis.GeoLocation
	lastKey  string
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.lastGeo = loc
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastKey, f.lastMeta = key, values
	return nil
}

func sample() protocol.Location {
	return protocol.Location(models.DriverLocationSample{DriverID: "d1", Latitude: 1, Longitude: 2, CapturedAt: time.Unix(100, 0)})
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	require.NoError(t, updateRedisWithRetry(context.Background(), f, "drivers_geo", sample(), 3, 10*time.Millisecond))
	assert.GreaterOrEqual(t, f.geoCalls, 2)
	assert.GreaterOrEqual(t, f.hCalls, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, "driver:meta:d1", f.lastKey)
	assert.Equal(t, "true", f.lastMeta["online"])
	assert.NotContains(t, f.lastMeta, "available")
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	assert.Error(t, updateRedisWithRetry(context.Background(), f, "drivers_geo", sample(), 3, 5*time.Millisecond))
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsInvalidSamples(t *testing.T) {
	good, err := json.Marshal(sample())
	require.NoError(t, err)
	missingDriver, err := json.Marshal(models.DriverLocationSample{Latitude: 1, Longitude: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte("{not json")},
		{Value: missingDriver},
		{Value: good},
	}}
	f := &fakeUpdater{}
	consume(ctx, r, f, "drivers_geo", logging.Discard())

	assert.Equal(t, 1, f.geoCalls)
	require.NotNil(t, f.lastGeo)
	assert.Equal(t, "d1", f.lastGeo.Name)
	assert.InDelta(t, 2.0, f.lastGeo.Longitude, 1e-9)
}
