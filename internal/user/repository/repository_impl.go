package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() userdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, u *userdomain.User) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, username, email, role, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID,
		u.Username,
		u.Email,
		u.Role,
		u.IsActive,
		u.CreatedAt,
		u.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, u *userdomain.User) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET username = ?, email = ?, role = ?, is_active = ?, updated_at = ?
		 WHERE id = ?`,
		u.Username,
		u.Email,
		u.Role,
		u.IsActive,
		u.UpdatedAt,
		u.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM users WHERE id = ?`, id)
	return res.RowsAffected, res.Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*userdomain.User, error) {
	var u userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, username, email, role, is_active, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	).Scan(&u).Error
	if err != nil {
		return nil, err
	}
	if u.ID == 0 {
		return nil, nil
	}
	return &u, nil
}

func (r *repo) FindByUsername(ctx context.Context, db *gorm.DB, username string) (*userdomain.User, error) {
	var u userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, username, email, role, is_active, created_at, updated_at
		 FROM users WHERE username = ?`,
		username,
	).Scan(&u).Error
	if err != nil {
		return nil, err
	}
	if u.ID == 0 {
		return nil, nil
	}
	return &u, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]userdomain.UserWithCount, error) {
	var rows []userdomain.UserWithCount
	err := db.WithContext(ctx).Raw(
		`SELECT u.id, u.username, u.email, u.role, u.is_active, u.created_at, u.updated_at,
			COUNT(l.id) AS license_count
		 FROM users u
		 LEFT JOIN licenses l ON l.owner_id = u.id
		 GROUP BY u.id, u.username, u.email, u.role, u.is_active, u.created_at, u.updated_at
		 ORDER BY u.created_at DESC, u.id DESC`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
