package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() presencedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, status *presencedomain.ServerStatus) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO server_status (license_id, is_online, current_players, last_heartbeat, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		status.LicenseID,
		status.IsOnline,
		status.CurrentPlayers,
		status.LastHeartbeat,
		status.UpdatedAt,
	).Error
}

// Upsert writes the heartbeat in one statement so concurrent reports for the
// same license serialize on the row and the last writer wins. The insert is
// conditional on the parent license, so a heartbeat racing a delete never
// leaves an orphan row. The bool reports whether the license still exists.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, status *presencedomain.ServerStatus, withPlayers bool) (bool, error) {
	conn := db.WithContext(ctx)
	res := conn.Exec(
		heartbeatUpsertSQL(conn.Dialector.Name(), withPlayers),
		status.LicenseID,
		status.IsOnline,
		status.CurrentPlayers,
		status.LastHeartbeat,
		status.UpdatedAt,
		status.LicenseID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// MySQL reports zero rows when the update left the row unchanged.
	var count int64
	if err := conn.Raw(`SELECT COUNT(1) FROM licenses WHERE id = ?`, status.LicenseID).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func heartbeatUpsertSQL(dialect string, withPlayers bool) string {
	columns := []string{"is_online", "last_heartbeat", "updated_at"}
	if withPlayers {
		columns = append(columns, "current_players")
	}

	var b strings.Builder
	b.WriteString("INSERT INTO server_status (license_id, is_online, current_players, last_heartbeat, updated_at) ")
	switch dialect {
	case "postgres":
		b.WriteString("SELECT CAST(? AS BIGINT), CAST(? AS BOOLEAN), CAST(? AS INTEGER), CAST(? AS TIMESTAMPTZ), CAST(? AS TIMESTAMPTZ)")
	case "mysql":
		b.WriteString("SELECT ?, ?, ?, ?, ? FROM DUAL")
	default:
		b.WriteString("SELECT ?, ?, ?, ?, ?")
	}
	b.WriteString(" WHERE EXISTS (SELECT 1 FROM licenses WHERE id = ?)")

	sets := make([]string, 0, len(columns))
	if dialect == "mysql" {
		for _, col := range columns {
			sets = append(sets, col+" = VALUES("+col+")")
		}
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
	} else {
		for _, col := range columns {
			sets = append(sets, col+" = excluded."+col)
		}
		b.WriteString(" ON CONFLICT (license_id) DO UPDATE SET ")
	}
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

func (r *repo) FindByLicenseID(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) (*presencedomain.ServerStatus, error) {
	var status presencedomain.ServerStatus
	err := db.WithContext(ctx).Raw(
		`SELECT license_id, is_online, current_players, last_heartbeat, updated_at
		 FROM server_status WHERE license_id = ?`,
		licenseID,
	).Scan(&status).Error
	if err != nil {
		return nil, err
	}
	if status.LicenseID == 0 {
		return nil, nil
	}
	return &status, nil
}

func (r *repo) DeleteByLicenseID(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM server_status WHERE license_id = ?`, licenseID).Error
}

func (r *repo) DeleteByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM server_status WHERE license_id IN (SELECT id FROM licenses WHERE owner_id = ?)`,
		ownerID,
	).Error
}

func (r *repo) ListStaleCandidates(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT license_id FROM server_status
		 WHERE is_online = ? AND last_heartbeat < ?
		 ORDER BY last_heartbeat ASC
		 LIMIT ?`,
		true,
		cutoff,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkOffline re-checks the staleness condition in the UPDATE so a heartbeat
// that lands between listing and updating keeps the server online.
func (r *repo) MarkOffline(ctx context.Context, db *gorm.DB, licenseID snowflake.ID, cutoff, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE server_status SET is_online = ?, updated_at = ?
		 WHERE license_id = ? AND is_online = ? AND last_heartbeat < ?`,
		false,
		now,
		licenseID,
		true,
		cutoff,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
