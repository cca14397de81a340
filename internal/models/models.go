package models

import (
	"errors"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideRequest struct {
	RiderID     string  `json:"riderId"`
	Origin      Coord   `json:"origin"`
	Destination Coord   `json:"destination"`
	Fare        float64 `json:"fare"`
}

type Driver struct {
	ID            string    `json:"id"`
	Loc           Coord     `json:"loc"`
	Rating        float64   `json:"rating"` // 0..5
	Online        bool      `json:"online"`
	Available     bool      `json:"available"`
	CurrentRideID string    `json:"currentRideId,omitempty"`
	Updated       time.Time `json:"updated"`
}

// Eligible reports whether the driver may receive new ride requests.
func (d Driver) Eligible() bool { return d.Online && d.Available && d.CurrentRideID == "" }

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
	StatusExpired    RideStatus = "expired"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// HasDriver reports whether a ride in this status must carry a driver id.
func (s RideStatus) HasDriver() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

type Ride struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"riderId"`
	DriverID    string     `json:"driverId,omitempty"`
	Origin      Coord      `json:"origin"`
	Destination Coord      `json:"destination"`
	Fare        float64    `json:"fare"`
	Status      RideStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy Role       `json:"cancelledBy,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

var ErrMalformedRide = errors.New("malformed ride")

// Validate checks the structural invariants of a ride snapshot. A snapshot that
// fails validation must never be merged into a local projection.
func (r Ride) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedRide)
	case r.RiderID == "":
		return fmt.Errorf("%w: missing riderId", ErrMalformedRide)
	case !r.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrMalformedRide, r.Status)
	case r.Status.HasDriver() && r.DriverID == "":
		return fmt.Errorf("%w: status %s without driverId", ErrMalformedRide, r.Status)
	case !r.Status.HasDriver() && r.DriverID != "":
		return fmt.Errorf("%w: status %s with driverId", ErrMalformedRide, r.Status)
	}
	return nil
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleSystem Role = "system"
)

// Identity is the authenticated principal behind a connection or call.
type Identity struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

func (i Identity) String() string { return string(i.Role) + ":" + i.ID }

var System = Identity{Role: RoleSystem, ID: "system"}

type LocalStatus string

const (
	LocalPending         LocalStatus = "pending"
	LocalAcceptedByMe    LocalStatus = "accepted-by-me"
	LocalAcceptedByOther LocalStatus = "accepted-by-other"
	LocalRejectedByMe    LocalStatus = "rejected-by-me"
	LocalExpired         LocalStatus = "expired"
)

func (s LocalStatus) Terminal() bool { return s != LocalPending }

// RequestQueueEntry is a driver-local projection of a requested ride.
type RequestQueueEntry struct {
	Ride        Ride        `json:"ride"`
	ReceivedAt  time.Time   `json:"receivedAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	LocalStatus LocalStatus `json:"localStatus"`
	// Proposed is set while an accept proposal awaits arbitration.
	Proposed bool `json:"proposed"`
}

type DriverLocationSample struct {
	DriverID   string    `json:"driverId"`
	RideID     string    `json:"rideId,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (s DriverLocationSample) Coord() Coord { return Coord{Lat: s.Latitude, Lon: s.Longitude} }

type ChatMessage struct {
	RideID    string    `json:"rideId"`
	Sender    Role      `json:"sender"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
