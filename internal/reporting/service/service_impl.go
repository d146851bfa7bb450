package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/cache"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/principal"
	reportingdomain "github.com/smallbiznis/licensehub/internal/reporting/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	countsTTL = 5 * time.Second
	fleetKey  = "fleet"
	maxLimit  = 100
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	counts cache.Cache[string, reportingdomain.Counts]
}

func NewService(p Params) reportingdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("reporting.service"),
		clock:  p.Clock,
		counts: cache.NewTTLCache[string, reportingdomain.Counts](),
	}
}

// Counts runs the five aggregates concurrently and caches the result briefly.
func (s *Service) Counts(ctx context.Context, ownerID *snowflake.ID) (reportingdomain.Counts, error) {
	key := fleetKey
	if ownerID != nil {
		key = ownerID.String()
	}
	if cached, ok := s.counts.Get(key); ok {
		return cached, nil
	}

	now := s.clock.Now()
	var out reportingdomain.Counts
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		q := `SELECT COUNT(*) FROM users WHERE is_active = ?`
		args := []any{true}
		if ownerID != nil {
			q += ` AND id = ?`
			args = append(args, *ownerID)
		}
		return s.db.WithContext(gctx).Raw(q, args...).Scan(&out.ActiveUsers).Error
	})
	g.Go(func() error {
		q, args := scoped(`SELECT COUNT(*) FROM licenses l WHERE l.is_active = ?`, ownerID, true)
		return s.db.WithContext(gctx).Raw(q, args...).Scan(&out.ActiveLicenses).Error
	})
	g.Go(func() error {
		q, args := scoped(`SELECT COUNT(*) FROM licenses l
			WHERE l.is_active = ? AND (l.expires_at IS NULL OR l.expires_at > ?)`, ownerID, true, now)
		return s.db.WithContext(gctx).Raw(q, args...).Scan(&out.ActiveUnexpiredLicenses).Error
	})
	g.Go(func() error {
		q, args := scoped(`SELECT COUNT(*) FROM server_status s
			JOIN licenses l ON l.id = s.license_id
			WHERE s.is_online = ?`, ownerID, true)
		return s.db.WithContext(gctx).Raw(q, args...).Scan(&out.OnlineServers).Error
	})
	g.Go(func() error {
		q, args := scoped(`SELECT COALESCE(SUM(s.current_players), 0) FROM server_status s
			JOIN licenses l ON l.id = s.license_id
			WHERE s.is_online = ?`, ownerID, true)
		return s.db.WithContext(gctx).Raw(q, args...).Scan(&out.TotalPlayers).Error
	})

	if err := g.Wait(); err != nil {
		return reportingdomain.Counts{}, err
	}
	s.counts.Set(key, out, countsTTL)
	return out, nil
}

type recentRow struct {
	ID         snowflake.ID `gorm:"column:id"`
	ServerName string       `gorm:"column:server_name"`
	ScriptName string       `gorm:"column:script_name"`
	Username   string       `gorm:"column:username"`
	CreatedAt  time.Time    `gorm:"column:created_at"`
}

func (s *Service) RecentLicenses(ctx context.Context, ownerID *snowflake.ID, limit int) ([]reportingdomain.RecentLicense, error) {
	limit = clampLimit(limit, reportingdomain.DefaultRecentLimit)
	q, args := scoped(`SELECT l.id, l.server_name, l.script_name, COALESCE(u.username, '') AS username, l.created_at
		FROM licenses l
		LEFT JOIN users u ON u.id = l.owner_id
		WHERE 1 = 1`, ownerID)
	q += ` ORDER BY l.created_at DESC, l.id DESC LIMIT ?`
	args = append(args, limit)

	var rows []recentRow
	if err := s.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reportingdomain.RecentLicense, 0, len(rows))
	for _, r := range rows {
		out = append(out, reportingdomain.RecentLicense{
			ID:         r.ID.String(),
			ServerName: r.ServerName,
			ScriptName: r.ScriptName,
			Username:   r.Username,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

type boardRow struct {
	ID             snowflake.ID `gorm:"column:id"`
	ServerName     string       `gorm:"column:server_name"`
	ServerIP       string       `gorm:"column:server_ip"`
	IsOnline       bool         `gorm:"column:is_online"`
	CurrentPlayers int          `gorm:"column:current_players"`
	LastHeartbeat  *time.Time   `gorm:"column:last_heartbeat"`
}

// ServerStatusBoard lists active licenses, online first, then by players.
func (s *Service) ServerStatusBoard(ctx context.Context, ownerID *snowflake.ID, limit int) ([]reportingdomain.ServerStatusEntry, error) {
	limit = clampLimit(limit, reportingdomain.DefaultBoardLimit)
	q, args := scoped(`SELECT l.id, l.server_name, l.server_ip,
			COALESCE(s.is_online, ?) AS is_online,
			COALESCE(s.current_players, 0) AS current_players,
			s.last_heartbeat
		FROM licenses l
		LEFT JOIN server_status s ON s.license_id = l.id
		WHERE l.is_active = ?`, ownerID, false, true)
	q += ` ORDER BY is_online DESC, current_players DESC, l.created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []boardRow
	if err := s.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reportingdomain.ServerStatusEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, reportingdomain.ServerStatusEntry{
			LicenseID:      r.ID.String(),
			ServerName:     r.ServerName,
			ServerIP:       r.ServerIP,
			IsOnline:       r.IsOnline,
			CurrentPlayers: r.CurrentPlayers,
			LastHeartbeat:  r.LastHeartbeat,
		})
	}
	return out, nil
}

// Stats builds the dashboard payload. Admins see the fleet, users their own
// licenses.
func (s *Service) Stats(ctx context.Context, p principal.Principal) (reportingdomain.Stats, error) {
	var scope *snowflake.ID
	if !p.IsAdmin() {
		id := p.UserID
		scope = &id
	}

	var (
		out reportingdomain.Stats
		g   errgroup.Group
	)
	g.Go(func() error {
		counts, err := s.Counts(ctx, scope)
		out.Counts = counts
		return err
	})
	g.Go(func() error {
		recent, err := s.RecentLicenses(ctx, scope, reportingdomain.DefaultRecentLimit)
		out.RecentLicenses = recent
		return err
	})
	g.Go(func() error {
		board, err := s.ServerStatusBoard(ctx, scope, reportingdomain.DefaultBoardLimit)
		out.ServerStatus = board
		return err
	})
	if err := g.Wait(); err != nil {
		s.log.Error("build stats failed", zap.Error(err))
		return reportingdomain.Stats{}, err
	}
	return out, nil
}

// scoped appends an owner filter to a query that already has a WHERE clause
// over licenses aliased as l.
func scoped(query string, ownerID *snowflake.ID, args ...any) (string, []any) {
	if ownerID != nil {
		query += ` AND l.owner_id = ?`
		args = append(args, *ownerID)
	}
	return query, args
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
