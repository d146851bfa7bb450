package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Tracker owns per-license presence. Heartbeats are applied as single-row
// upserts; only the stale sweep moves a server offline.
type Tracker interface {
	InitOffline(ctx context.Context, tx *gorm.DB, licenseID snowflake.ID) error
	// ApplyHeartbeat marks the license online at the current time. A nil
	// players value leaves an existing player count untouched. It returns
	// ErrLicenseGone when the license was deleted concurrently.
	ApplyHeartbeat(ctx context.Context, licenseID snowflake.ID, players *int) error
	Snapshot(ctx context.Context, licenseID snowflake.ID) (*ServerStatus, error)
	DeleteForLicense(ctx context.Context, tx *gorm.DB, licenseID snowflake.ID) error
	DeleteForOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) error
	// MarkStale moves online servers whose last heartbeat is before cutoff
	// offline and returns the affected license ids.
	MarkStale(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, status *ServerStatus) error
	Upsert(ctx context.Context, db *gorm.DB, status *ServerStatus, withPlayers bool) (bool, error)
	FindByLicenseID(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) (*ServerStatus, error)
	DeleteByLicenseID(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) error
	DeleteByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) error
	ListStaleCandidates(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error)
	MarkOffline(ctx context.Context, db *gorm.DB, licenseID snowflake.ID, cutoff, now time.Time) (bool, error)
}

var ErrLicenseGone = errors.New("license_not_found")
