package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/principal"
	"gorm.io/gorm"
)

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	Update(ctx context.Context, p principal.Principal, id string, req UpdateRequest) (*Response, error)
	// Delete removes the user with their licenses and presence state. Admins
	// cannot delete themselves.
	Delete(ctx context.Context, p principal.Principal, id string) error

	// FindActive resolves a token subject to a live account.
	FindActive(ctx context.Context, id snowflake.ID) (*User, error)
	EnsureAdmin(ctx context.Context, username, email string) (*User, bool, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, u *User) error
	Update(ctx context.Context, db *gorm.DB, u *User) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindByUsername(ctx context.Context, db *gorm.DB, username string) (*User, error)
	List(ctx context.Context, db *gorm.DB) ([]UserWithCount, error)
}

// UserWithCount carries the number of licenses a user owns.
type UserWithCount struct {
	User
	LicenseCount int64 `gorm:"column:license_count"`
}

type CreateRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Role     string `json:"role" validate:"omitempty,oneof=user admin"`
}

type UpdateRequest struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=64"`
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
	Role     *string `json:"role" validate:"omitempty,oneof=user admin"`
	IsActive *bool   `json:"is_active"`
}

func (r UpdateRequest) Empty() bool {
	return r.Username == nil && r.Email == nil && r.Role == nil && r.IsActive == nil
}

type Response struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	LicenseCount *int64    `json:"license_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrNotFound        = errors.New("not_found")
	ErrInvalidID       = errors.New("invalid_user_id")
	ErrInvalidUsername = errors.New("invalid_username")
	ErrInvalidEmail    = errors.New("invalid_email")
	ErrInvalidRole     = errors.New("invalid_role")
	ErrUsernameTaken   = errors.New("username_taken")
	ErrSelfDelete      = errors.New("self_delete_forbidden")
	ErrSelfDemote      = errors.New("self_demote_forbidden")
	ErrEmptyUpdate     = errors.New("empty_update")
	ErrInactive        = errors.New("user_inactive")
)
