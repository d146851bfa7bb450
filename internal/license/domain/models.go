package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// License grants one script on one game server the right to run.
type License struct {
	ID         snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	LicenseKey string       `gorm:"column:license_key;type:varchar(64);not null;uniqueIndex:ux_licenses_license_key" json:"license_key"`
	OwnerID    snowflake.ID `gorm:"column:owner_id;not null;index:ix_licenses_owner_id" json:"owner_id"`
	ScriptName string       `gorm:"column:script_name;type:varchar(100);not null" json:"script_name"`
	ServerName string       `gorm:"column:server_name;type:varchar(100);not null" json:"server_name"`
	ServerIP   string       `gorm:"column:server_ip;type:varchar(64);not null" json:"server_ip"`
	ServerPort int          `gorm:"column:server_port;not null" json:"server_port"`
	MaxPlayers int          `gorm:"column:max_players;not null" json:"max_players"`
	ExpiresAt  *time.Time   `gorm:"column:expires_at" json:"expires_at"`
	IsActive   bool         `gorm:"column:is_active;not null" json:"is_active"`
	CreatedAt  time.Time    `gorm:"column:created_at;not null;index:ix_licenses_created_at" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (License) TableName() string { return "licenses" }

// LicenseRecord is a license with its owner's display name.
type LicenseRecord struct {
	License
	OwnerUsername string `gorm:"column:owner_username"`
}

// LicenseRow is a license joined with its owner and presence snapshot. The
// presence columns are nullable because of the outer join.
type LicenseRow struct {
	License
	OwnerUsername  string     `gorm:"column:owner_username"`
	IsOnline       *bool      `gorm:"column:presence_online"`
	CurrentPlayers *int       `gorm:"column:presence_players"`
	LastHeartbeat  *time.Time `gorm:"column:presence_last_heartbeat"`
}
