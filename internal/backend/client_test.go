package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/models"
)

func TestFetchRideSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v1/rides/R1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(models.Ride{ID: "R1", RiderID: "U1", DriverID: "D1", Status: models.StatusInProgress})
	}))
	defer srv.Close()

	r, err := New(srv.URL, "tok").FetchRide(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, r.Status)
	assert.Equal(t, "D1", r.DriverID)
}

func TestPatchRideStatusConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var p StatusPatch
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, models.StatusCompleted, p.Status)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorBody{Error: "requested -> completed", Code: "invalid_transition"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").PatchRideStatus(context.Background(), "R1", models.StatusCompleted)
	require.ErrorIs(t, err, ErrConflict)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNotFoundPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such driver", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").FetchDriver(context.Background(), "D9")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "no such driver")
}

func TestFetchAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rides/available", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]models.Ride{{ID: "R1", RiderID: "U1", Status: models.StatusRequested}})
	}))
	defer srv.Close()

	rides, err := New(srv.URL+"/", "").FetchAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, "R1", rides[0].ID)
}
