package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ServerStatus is the live state of the server holding one license. There is
// exactly one row per license, created offline together with the license.
type ServerStatus struct {
	LicenseID      snowflake.ID `gorm:"column:license_id;primaryKey;autoIncrement:false" json:"license_id"`
	IsOnline       bool         `gorm:"column:is_online;not null" json:"is_online"`
	CurrentPlayers int          `gorm:"column:current_players;not null" json:"current_players"`
	LastHeartbeat  *time.Time   `gorm:"column:last_heartbeat;index:ix_server_status_last_heartbeat" json:"last_heartbeat"`
	UpdatedAt      time.Time    `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (ServerStatus) TableName() string { return "server_status" }
