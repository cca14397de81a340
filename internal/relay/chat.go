package relay

import (
	"errors"
	"sort"
	"strings"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
)

var (
	ErrRideInactive   = errors.New("ride is not active")
	ErrNotParticipant = errors.New("sender is not a participant of the ride")
	ErrEmptyMessage   = errors.New("empty message")
)

// AdmitChat checks that from may post msg into ride r.
func AdmitChat(r models.Ride, from models.Identity, msg models.ChatMessage) error {
	if msg.RideID != r.ID {
		return ErrNotParticipant
	}
	if !lifecycle.IsActive(r.Status) {
		return ErrRideInactive
	}
	if strings.TrimSpace(msg.Text) == "" {
		return ErrEmptyMessage
	}
	if msg.Sender != from.Role {
		return ErrNotParticipant
	}
	switch from.Role {
	case models.RoleRider:
		if from.ID != r.RiderID {
			return ErrNotParticipant
		}
	case models.RoleDriver:
		if from.ID != r.DriverID {
			return ErrNotParticipant
		}
	default:
		return ErrNotParticipant
	}
	return nil
}

type chatKey struct {
	sender models.Role
	ts     int64
	text   string
}

// ChatLog is the receiver side of one ride's conversation. Delivery is
// at-least-once, so repeated messages are ignored.
type ChatLog struct {
	rideID  string
	seen    map[chatKey]struct{}
	entries []models.ChatMessage
}

func NewChatLog(rideID string) *ChatLog {
	return &ChatLog{rideID: rideID, seen: make(map[chatKey]struct{})}
}

func (c *ChatLog) RideID() string { return c.rideID }

// Add appends msg in timestamp order, arrival order breaking ties. It returns
// false for duplicates and messages from other rides.
func (c *ChatLog) Add(msg models.ChatMessage) bool {
	if msg.RideID != c.rideID {
		return false
	}
	k := chatKey{sender: msg.Sender, ts: msg.Timestamp.UnixNano(), text: msg.Text}
	if _, dup := c.seen[k]; dup {
		return false
	}
	c.seen[k] = struct{}{}
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Timestamp.After(msg.Timestamp)
	})
	c.entries = append(c.entries, models.ChatMessage{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = msg
	return true
}

func (c *ChatLog) Messages() []models.ChatMessage {
	out := make([]models.ChatMessage, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *ChatLog) Len() int { return len(c.entries) }
