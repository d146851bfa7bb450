package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeLicenseCreated = "license.created"
	TypeLicenseUpdated = "license.updated"
	TypeLicenseDeleted = "license.deleted"
	TypeUserDeleted    = "user.deleted"
	TypePresenceStale  = "presence.stale"
)

// Event is the envelope written to the license events topic. License keys are
// never part of the payload.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	LicenseID  string         `json:"license_id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a ULID and the occurrence time.
func NewEvent(eventType, licenseID, ownerID string, at time.Time, data map[string]any) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		LicenseID:  licenseID,
		OwnerID:    ownerID,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

// PartitionKey groups events of one license; user events fall back to the
// owner.
func (e Event) PartitionKey() string {
	if e.LicenseID != "" {
		return e.LicenseID
	}
	return e.OwnerID
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type noopPublisher struct{}

// NewNoopPublisher returns a Publisher that drops every event.
func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, Event) error { return nil }
func (noopPublisher) Close() error                          { return nil }
