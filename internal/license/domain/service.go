package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/principal"
	"gorm.io/gorm"
)

// KeyGenerator produces opaque, human-shareable license keys. Uniqueness is
// enforced by the store, not the generator.
type KeyGenerator interface {
	Generate() (string, error)
}

type Service interface {
	Create(ctx context.Context, p principal.Principal, req CreateRequest) (*Response, error)
	Get(ctx context.Context, p principal.Principal, id string) (*Response, error)
	Update(ctx context.Context, p principal.Principal, id string, req UpdateRequest) (*Response, error)
	Delete(ctx context.Context, p principal.Principal, id string) error
	List(ctx context.Context, p principal.Principal) ([]Response, error)
	ListForUser(ctx context.Context, userID snowflake.ID) ([]Response, error)
	ListAll(ctx context.Context) ([]Response, error)

	GetByKey(ctx context.Context, key string) (*LicenseRecord, error)
	GetByKeyAndScript(ctx context.Context, key, scriptName string) (*LicenseRecord, error)

	// DeleteByOwner removes every license of ownerID and its presence state
	// inside the caller's transaction.
	DeleteByOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, l *License) error
	Update(ctx context.Context, db *gorm.DB, l *License) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
	DeleteByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (int64, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*License, error)
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*LicenseRecord, error)
	FindByKeyAndScript(ctx context.Context, db *gorm.DB, key, scriptName string) (*LicenseRecord, error)
	FindRow(ctx context.Context, db *gorm.DB, id snowflake.ID) (*LicenseRow, error)
	ListRows(ctx context.Context, db *gorm.DB, ownerID *snowflake.ID) ([]LicenseRow, error)
	OwnerExists(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (bool, error)
}

type CreateRequest struct {
	UserID     string     `json:"user_id"`
	ScriptName string     `json:"script_name" validate:"required,max=100"`
	ServerName string     `json:"server_name" validate:"required,max=100"`
	ServerIP   string     `json:"server_ip" validate:"required,max=64"`
	ServerPort *int       `json:"server_port" validate:"omitempty,gte=1,lte=65535"`
	MaxPlayers *int       `json:"max_players" validate:"omitempty,gte=1,lte=4096"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// UpdateRequest is a partial update over the mutable fields. Nil means
// unchanged. An explicit "expires_at": null or ClearExpiresAt removes the
// expiry.
type UpdateRequest struct {
	ScriptName     *string      `json:"script_name" validate:"omitempty,max=100"`
	ServerName     *string      `json:"server_name" validate:"omitempty,max=100"`
	ServerIP       *string      `json:"server_ip" validate:"omitempty,max=64"`
	ServerPort     *int         `json:"server_port"`
	MaxPlayers     *int         `json:"max_players"`
	ExpiresAt      OptionalTime `json:"expires_at"`
	ClearExpiresAt bool         `json:"clear_expires_at"`
	IsActive       *bool        `json:"is_active"`
}

// Empty reports whether no allow-listed field is set.
func (r UpdateRequest) Empty() bool {
	return r.ScriptName == nil &&
		r.ServerName == nil &&
		r.ServerIP == nil &&
		r.ServerPort == nil &&
		r.MaxPlayers == nil &&
		!r.ExpiresAt.Set &&
		!r.ClearExpiresAt &&
		r.IsActive == nil
}

type PresenceView struct {
	IsOnline       bool       `json:"is_online"`
	CurrentPlayers int        `json:"current_players"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
}

type Response struct {
	ID            string        `json:"id"`
	LicenseKey    string        `json:"license_key"`
	OwnerID       string        `json:"owner_id"`
	OwnerUsername string        `json:"owner_username,omitempty"`
	ScriptName    string        `json:"script_name"`
	ServerName    string        `json:"server_name"`
	ServerIP      string        `json:"server_ip"`
	ServerPort    int           `json:"server_port"`
	MaxPlayers    int           `json:"max_players"`
	ExpiresAt     *time.Time    `json:"expires_at"`
	IsActive      bool          `json:"is_active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Status        *PresenceView `json:"status,omitempty"`
}

var (
	ErrNotFound          = errors.New("not_found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidID         = errors.New("invalid_license_id")
	ErrInvalidOwner      = errors.New("invalid_owner")
	ErrInvalidScriptName = errors.New("invalid_script_name")
	ErrInvalidServerName = errors.New("invalid_server_name")
	ErrInvalidServerIP   = errors.New("invalid_server_ip")
	ErrInvalidServerPort = errors.New("invalid_server_port")
	ErrInvalidMaxPlayers = errors.New("invalid_max_players")
	ErrInvalidExpiry     = errors.New("invalid_expires_at")
	ErrEmptyUpdate       = errors.New("empty_update")
	ErrKeyExhausted      = errors.New("license_key_generation_exhausted")
)
