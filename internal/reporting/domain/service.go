package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/principal"
)

const (
	DefaultRecentLimit = 5
	DefaultBoardLimit  = 10
)

type Counts struct {
	ActiveUsers             int64 `json:"active_users"`
	ActiveLicenses          int64 `json:"active_licenses"`
	ActiveUnexpiredLicenses int64 `json:"active_unexpired_licenses"`
	OnlineServers           int64 `json:"online_servers"`
	TotalPlayers            int64 `json:"total_players"`
}

type RecentLicense struct {
	ID         string    `json:"id"`
	ServerName string    `json:"server_name"`
	ScriptName string    `json:"script_name"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
}

type ServerStatusEntry struct {
	LicenseID      string     `json:"license_id"`
	ServerName     string     `json:"server_name"`
	ServerIP       string     `json:"server_ip"`
	IsOnline       bool       `json:"is_online"`
	CurrentPlayers int        `json:"current_players"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
}

type Stats struct {
	Counts         Counts              `json:"stats"`
	RecentLicenses []RecentLicense     `json:"recent_licenses"`
	ServerStatus   []ServerStatusEntry `json:"server_status"`
}

// Service computes dashboard aggregates. A nil owner means the whole fleet.
type Service interface {
	Counts(ctx context.Context, ownerID *snowflake.ID) (Counts, error)
	RecentLicenses(ctx context.Context, ownerID *snowflake.ID, limit int) ([]RecentLicense, error)
	ServerStatusBoard(ctx context.Context, ownerID *snowflake.ID, limit int) ([]ServerStatusEntry, error)
	Stats(ctx context.Context, p principal.Principal) (Stats, error)
}
