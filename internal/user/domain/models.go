package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// User is the minimal account record the license core depends on. Credentials
// live outside this service.
type User struct {
	ID        snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Username  string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_users_username" json:"username"`
	Email     string       `gorm:"type:varchar(255);not null" json:"email"`
	Role      string       `gorm:"type:varchar(16);not null" json:"role"`
	IsActive  bool         `gorm:"not null" json:"is_active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (User) TableName() string { return "users" }
