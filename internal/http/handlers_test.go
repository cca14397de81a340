package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/arbiter"
	"github.com/example/ride-sync/internal/auth"
	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/broadcast"
	"github.com/example/ride-sync/internal/coordinator"
	"github.com/example/ride-sync/internal/dispatch"
	"github.com/example/ride-sync/internal/eta"
	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/storage"
)

var (
	rider  = models.Identity{Role: models.RoleRider, ID: "U1"}
	rider2 = models.Identity{Role: models.RoleRider, ID: "U2"}
	d1     = models.Identity{Role: models.RoleDriver, ID: "D1"}
	d2     = models.Identity{Role: models.RoleDriver, ID: "D2"}
)

type testServer struct {
	url    string
	reg    *dispatch.WSRegistry
	tokens *auth.Tokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	g := geo.NewIndex(5000)
	reg := dispatch.NewWSRegistry(logger)
	coord := &coordinator.Coordinator{
		Rides:   store,
		Drivers: store,
		Geo:     g,
		Arbiter: &arbiter.Arbiter{Rides: store, Drivers: store, Logger: logger, RequestTTL: 30 * time.Second},
		Broadcast: &broadcast.Service{
			Geo: g, Notify: reg, ETA: &eta.Estimator{DefaultSpeedMps: 10}, Logger: logger, TopN: 8, TTL: 30 * time.Second,
		},
		Notify:     reg,
		Events:     ingest.Nop{},
		Logger:     logger,
		RequestTTL: 30 * time.Second,
	}
	tokens := auth.NewTokens("test-secret")
	srv := httptest.NewServer(NewServer(coord, reg, tokens, logger))
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, reg: reg, tokens: tokens}
}

func (ts *testServer) client(t *testing.T, id models.Identity) *backend.Client {
	t.Helper()
	tok, err := ts.tokens.Issue(id, time.Hour)
	require.NoError(t, err)
	return backend.New(ts.url, tok)
}

func (ts *testServer) dial(t *testing.T, id models.Identity) *websocket.Conn {
	t.Helper()
	tok, err := ts.tokens.Issue(id, time.Hour)
	require.NoError(t, err)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/ws", auth.Header(tok))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return ts.reg.Online(id) }, time.Second, 5*time.Millisecond)
	return c
}

func rideRequest() models.RideRequest {
	return models.RideRequest{Origin: models.Coord{Lat: 0.001, Lon: 0.001}, Destination: models.Coord{Lat: 0.01, Lon: 0.01}, Fare: 12}
}

func TestRideLifecycleOverREST(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	rc, c1, c2 := ts.client(t, rider), ts.client(t, d1), ts.client(t, d2)

	_, err := c1.PatchDriverAvailability(ctx, d1.ID, true)
	require.NoError(t, err)
	_, err = c2.PatchDriverAvailability(ctx, d2.ID, true)
	require.NoError(t, err)

	ride, err := rc.RequestRide(ctx, rideRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, ride.Status)
	assert.Equal(t, rider.ID, ride.RiderID)

	open, err := c1.FetchAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ride.ID, open[0].ID)

	accepted, err := c1.PatchRideStatus(ctx, ride.ID, models.StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, accepted.DriverID)

	_, err = c2.PatchRideStatus(ctx, ride.ID, models.StatusAccepted)
	require.ErrorIs(t, err, backend.ErrConflict)
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, protocol.CodeRideUnavailable, apiErr.Code)

	_, err = c1.PatchRideStatus(ctx, ride.ID, models.StatusCompleted)
	require.ErrorIs(t, err, backend.ErrConflict)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, protocol.CodeInvalidTransition, apiErr.Code)

	_, err = c1.PatchRideStatus(ctx, ride.ID, models.StatusInProgress)
	require.NoError(t, err)
	_, err = c1.PatchRideStatus(ctx, ride.ID, models.StatusCompleted)
	require.NoError(t, err)

	final, err := rc.FetchRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)

	d, err := c1.FetchDriver(ctx, d1.ID)
	require.NoError(t, err)
	assert.Empty(t, d.CurrentRideID)
}

func TestAuthAndVisibility(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	resp, err := http.Get(ts.url + "/api/v1/rides/available")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ride, err := ts.client(t, rider).RequestRide(ctx, rideRequest())
	require.NoError(t, err)

	_, err = ts.client(t, rider2).FetchRide(ctx, ride.ID)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = ts.client(t, d1).RequestRide(ctx, rideRequest())
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = ts.client(t, d1).PatchDriverAvailability(ctx, d2.ID, true)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = ts.client(t, rider).FetchAvailable(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketDeliversBroadcastAndAcceptResult(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.client(t, d1).PatchDriverAvailability(ctx, d1.ID, true)
	require.NoError(t, err)
	conn := ts.dial(t, d1)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	ride, err := ts.client(t, rider).RequestRide(ctx, rideRequest())
	require.NoError(t, err)

	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, protocol.EventRideRequest, env.Type)
	req, err := protocol.Decode[protocol.RideRequest](env)
	require.NoError(t, err)
	assert.Equal(t, ride.ID, req.Ride.ID)

	require.NoError(t, conn.WriteJSON(protocol.MustNew(protocol.EventRideAccept, protocol.Accept{RideID: ride.ID})))
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, protocol.EventAcceptResult, env.Type)
	res, err := protocol.Decode[protocol.AcceptResult](env)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeConfirmed, res.Outcome)
}

func TestInternalLocationAttributedToCaller(t *testing.T) {
	ts := newTestServer(t)
	tok, err := ts.tokens.Issue(d1, time.Hour)
	require.NoError(t, err)

	post := func(body string) int {
		req, err := http.NewRequest(http.MethodPost, ts.url+"/internal/driver/locations", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, post(`{"latitude":1.5,"longitude":2.5,"capturedAt":"2024-01-01T00:00:00Z"}`))
	assert.Equal(t, http.StatusForbidden, post(`{"driverId":"D2","latitude":1.5,"longitude":2.5,"capturedAt":"2024-01-01T00:00:00Z"}`))
	assert.Equal(t, http.StatusBadRequest, post(`{"latitude":`))

	d, err := ts.client(t, d1).FetchDriver(context.Background(), d1.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, d.Loc.Lat, 1e-9)
	assert.True(t, d.Online)
}
