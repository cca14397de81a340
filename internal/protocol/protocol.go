// Package protocol defines the event envelope exchanged over the persistent
// connection and the payload carried by each event type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-sync/internal/models"
)

const (
	EventRideRequest    = "ride:request"
	EventRideAccept     = "ride:accept"
	EventAcceptResult   = "ride:acceptResult"
	EventRideCancelled  = "ride:cancelled"
	EventStatusUpdate   = "ride:statusUpdate"
	EventRideStatus     = "ride:status"
	EventLocationUpdate = "driver:locationUpdate"
	EventChat           = "ride:chat"
	EventError          = "error"
)

var ErrMalformed = errors.New("malformed event payload")

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func New(eventType string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: b}, nil
}

// MustNew is New for payload types that always marshal.
func MustNew(eventType string, payload any) Envelope {
	env, err := New(eventType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

type validator interface{ Validate() error }

// Decode unmarshals the payload into T and validates it. Partially populated
// payloads are rejected so they can never be merged into local state.
func Decode[T validator](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%w: %s: empty payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if err := v.Validate(); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return v, nil
}

type RideRequest struct {
	Ride             models.Ride `json:"ride"`
	ExpiresAt        time.Time   `json:"expiresAt"`
	PickupETASeconds float64     `json:"pickupEtaSeconds,omitempty"`
}

func (p RideRequest) Validate() error {
	if err := p.Ride.Validate(); err != nil {
		return err
	}
	if p.Ride.Status != models.StatusRequested {
		return fmt.Errorf("broadcast ride in status %s", p.Ride.Status)
	}
	if p.ExpiresAt.IsZero() {
		return errors.New("missing expiresAt")
	}
	return nil
}

type Accept struct {
	RideID string `json:"rideId"`
}

func (p Accept) Validate() error {
	if p.RideID == "" {
		return errors.New("missing rideId")
	}
	return nil
}

type AcceptOutcome string

const (
	OutcomeConfirmed   AcceptOutcome = "confirmed"
	OutcomeTaken       AcceptOutcome = "taken"
	OutcomeUnavailable AcceptOutcome = "unavailable"
)

type AcceptResult struct {
	RideID  string        `json:"rideId"`
	Outcome AcceptOutcome `json:"outcome"`
	Ride    *models.Ride  `json:"ride,omitempty"`
}

func (p AcceptResult) Validate() error {
	if p.RideID == "" {
		return errors.New("missing rideId")
	}
	switch p.Outcome {
	case OutcomeConfirmed:
		if p.Ride == nil {
			return errors.New("confirmation without ride snapshot")
		}
		return p.Ride.Validate()
	case OutcomeTaken, OutcomeUnavailable:
		return nil
	}
	return fmt.Errorf("unknown outcome %q", p.Outcome)
}

// Cancelled is sent by a client with only RideID set; the server echoes it to
// the other party with the full post-cancel snapshot.
type Cancelled struct {
	RideID string       `json:"rideId"`
	Reason string       `json:"reason,omitempty"`
	Ride   *models.Ride `json:"ride,omitempty"`
}

func (p Cancelled) Validate() error {
	if p.RideID == "" {
		return errors.New("missing rideId")
	}
	if p.Ride != nil {
		if p.Ride.ID != p.RideID {
			return errors.New("ride snapshot id mismatch")
		}
		return p.Ride.Validate()
	}
	return nil
}

type StatusUpdate struct {
	RideID string            `json:"rideId"`
	Status models.RideStatus `json:"status"`
}

func (p StatusUpdate) Validate() error {
	if p.RideID == "" {
		return errors.New("missing rideId")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	return nil
}

type Status struct {
	RideID string            `json:"rideId"`
	Status models.RideStatus `json:"status"`
	Ride   models.Ride       `json:"ride"`
}

func (p Status) Validate() error {
	if p.RideID == "" || p.Ride.ID != p.RideID {
		return errors.New("ride snapshot id mismatch")
	}
	if p.Ride.Status != p.Status {
		return errors.New("ride snapshot status mismatch")
	}
	return p.Ride.Validate()
}

// NewStatus builds a ride:status payload from a full snapshot.
func NewStatus(r models.Ride) Status {
	return Status{RideID: r.ID, Status: r.Status, Ride: r}
}

type Location models.DriverLocationSample

func (p Location) Validate() error {
	if p.DriverID == "" {
		return errors.New("missing driverId")
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return errors.New("coordinates out of range")
	}
	return nil
}

func (p Location) Sample() models.DriverLocationSample { return models.DriverLocationSample(p) }

type Chat models.ChatMessage

func (p Chat) Validate() error {
	if p.RideID == "" {
		return errors.New("missing rideId")
	}
	if p.Sender != models.RoleRider && p.Sender != models.RoleDriver {
		return fmt.Errorf("unknown sender %q", p.Sender)
	}
	if p.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	return nil
}

func (p Chat) Message() models.ChatMessage { return models.ChatMessage(p) }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RideID  string `json:"rideId,omitempty"`
}

func (p Error) Validate() error {
	if p.Code == "" {
		return errors.New("missing code")
	}
	return nil
}

const (
	CodeRideUnavailable   = "ride_unavailable"
	CodeInvalidTransition = "invalid_transition"
	CodeRejected          = "rejected"
	CodeMalformed         = "malformed"
	CodeInternal          = "internal"
)
