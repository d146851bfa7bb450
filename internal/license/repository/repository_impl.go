package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/license/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const licenseColumns = `l.id, l.license_key, l.owner_id, l.script_name, l.server_name, l.server_ip,
	l.server_port, l.max_players, l.expires_at, l.is_active, l.created_at, l.updated_at`

const rowSelect = `SELECT ` + licenseColumns + `,
	COALESCE(u.username, '') AS owner_username,
	s.is_online AS presence_online,
	s.current_players AS presence_players,
	s.last_heartbeat AS presence_last_heartbeat
	FROM licenses l
	LEFT JOIN users u ON u.id = l.owner_id
	LEFT JOIN server_status s ON s.license_id = l.id`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, l *domain.License) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO licenses (id, license_key, owner_id, script_name, server_name, server_ip,
			server_port, max_players, expires_at, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.LicenseKey,
		l.OwnerID,
		l.ScriptName,
		l.ServerName,
		l.ServerIP,
		l.ServerPort,
		l.MaxPlayers,
		l.ExpiresAt,
		l.IsActive,
		l.CreatedAt,
		l.UpdatedAt,
	).Error
}

// Update writes every mutable column. The key, owner and creation time never
// change after insert.
func (r *repo) Update(ctx context.Context, db *gorm.DB, l *domain.License) error {
	return db.WithContext(ctx).Exec(
		`UPDATE licenses SET script_name = ?, server_name = ?, server_ip = ?, server_port = ?,
			max_players = ?, expires_at = ?, is_active = ?, updated_at = ?
		 WHERE id = ?`,
		l.ScriptName,
		l.ServerName,
		l.ServerIP,
		l.ServerPort,
		l.MaxPlayers,
		l.ExpiresAt,
		l.IsActive,
		l.UpdatedAt,
		l.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM licenses WHERE id = ?`, id)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM licenses WHERE owner_id = ?`, ownerID)
	return res.RowsAffected, res.Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.License, error) {
	var l domain.License
	err := db.WithContext(ctx).Raw(
		`SELECT `+licenseColumns+` FROM licenses l WHERE l.id = ?`,
		id,
	).Scan(&l).Error
	if err != nil {
		return nil, err
	}
	if l.ID == 0 {
		return nil, nil
	}
	return &l, nil
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.LicenseRecord, error) {
	var rec domain.LicenseRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+licenseColumns+`, COALESCE(u.username, '') AS owner_username
		 FROM licenses l
		 LEFT JOIN users u ON u.id = l.owner_id
		 WHERE l.license_key = ?`,
		key,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) FindByKeyAndScript(ctx context.Context, db *gorm.DB, key, scriptName string) (*domain.LicenseRecord, error) {
	var rec domain.LicenseRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+licenseColumns+`, COALESCE(u.username, '') AS owner_username
		 FROM licenses l
		 LEFT JOIN users u ON u.id = l.owner_id
		 WHERE l.license_key = ? AND l.script_name = ?`,
		key,
		scriptName,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) FindRow(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.LicenseRow, error) {
	var row domain.LicenseRow
	err := db.WithContext(ctx).Raw(rowSelect+` WHERE l.id = ?`, id).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListRows(ctx context.Context, db *gorm.DB, ownerID *snowflake.ID) ([]domain.LicenseRow, error) {
	query := rowSelect
	args := []any{}
	if ownerID != nil {
		query += ` WHERE l.owner_id = ?`
		args = append(args, *ownerID)
	}
	query += ` ORDER BY l.created_at DESC, l.id DESC`

	var rows []domain.LicenseRow
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) OwnerExists(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM users WHERE id = ?`, ownerID).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
