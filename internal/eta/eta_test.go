package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimatorUsesCacheThenClient(t *testing.T) {
	c := &fakeClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), DefaultSpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 0.01}

	if got := e.Seconds(context.Background(), a, b); got != 42 {
		t.Fatalf("expected 42, got %f", got)
	}
	if got := e.Seconds(context.Background(), a, b); got != 42 || c.calls != 1 {
		t.Fatalf("expected cached value, calls=%d", c.calls)
	}
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	got := e.Seconds(context.Background(), models.Coord{}, models.Coord{Lat: 0, Lon: 0.01})
	if got < 100 || got > 120 {
		t.Fatalf("expected ~111s, got %f", got)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":87.5}]}`)
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1, Lon: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 87.5 {
		t.Fatalf("expected 87.5, got %f", got)
	}
}
