// Package backend is the client for the pull-based REST surface of the
// authoritative backend. Reads are idempotent; writes are rejected by the
// server when they violate the ride lifecycle.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-sync/internal/models"
)

var (
	ErrConflict = errors.New("rejected by lifecycle rules")
	ErrNotFound = errors.New("not found")
)

// APIError is any non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// ErrorBody is the JSON error document the backend writes.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (c *Client) FetchRide(ctx context.Context, id string) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/"+url.PathEscape(id), nil, &r)
	return r, err
}

func (c *Client) FetchDriver(ctx context.Context, id string) (models.Driver, error) {
	var d models.Driver
	err := c.do(ctx, http.MethodGet, "/api/v1/drivers/"+url.PathEscape(id), nil, &d)
	return d, err
}

// FetchAvailable returns the rides currently open for acceptance.
func (c *Client) FetchAvailable(ctx context.Context) ([]models.Ride, error) {
	var out []models.Ride
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/available", nil, &out)
	return out, err
}

type StatusPatch struct {
	Status models.RideStatus `json:"status"`
}

func (c *Client) PatchRideStatus(ctx context.Context, id string, to models.RideStatus) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, http.MethodPatch, "/api/v1/rides/"+url.PathEscape(id)+"/status", StatusPatch{Status: to}, &r)
	return r, err
}

type AvailabilityPatch struct {
	Available bool `json:"available"`
}

func (c *Client) PatchDriverAvailability(ctx context.Context, id string, available bool) (models.Driver, error) {
	var d models.Driver
	err := c.do(ctx, http.MethodPatch, "/api/v1/drivers/"+url.PathEscape(id)+"/availability", AvailabilityPatch{Available: available}, &d)
	return d, err
}

// RequestRide creates a ride for the authenticated rider.
func (c *Client) RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, http.MethodPost, "/api/v1/rides", req, &r)
	return r, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var eb ErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			apiErr.Message, apiErr.Code = eb.Error, eb.Code
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
