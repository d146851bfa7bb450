package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/clock"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	"github.com/smallbiznis/licensehub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSweepLimit = 500

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  presencedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  presencedomain.Repository
}

func New(p Params) presencedomain.Tracker {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("presence.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) InitOffline(ctx context.Context, tx *gorm.DB, licenseID snowflake.ID) error {
	return s.repo.Insert(ctx, s.handle(tx), &presencedomain.ServerStatus{
		LicenseID:      licenseID,
		IsOnline:       false,
		CurrentPlayers: 0,
		UpdatedAt:      s.clock.Now(),
	})
}

func (s *Service) ApplyHeartbeat(ctx context.Context, licenseID snowflake.ID, players *int) error {
	now := s.clock.Now()
	status := &presencedomain.ServerStatus{
		LicenseID:     licenseID,
		IsOnline:      true,
		LastHeartbeat: &now,
		UpdatedAt:     now,
	}
	if players != nil {
		status.CurrentPlayers = clampPlayers(*players)
	}
	exists, err := s.repo.Upsert(ctx, s.db, status, players != nil)
	if err != nil {
		if db.IsForeignKeyErr(err) {
			return presencedomain.ErrLicenseGone
		}
		return err
	}
	if !exists {
		return presencedomain.ErrLicenseGone
	}
	return nil
}

func (s *Service) Snapshot(ctx context.Context, licenseID snowflake.ID) (*presencedomain.ServerStatus, error) {
	return s.repo.FindByLicenseID(ctx, s.db, licenseID)
}

func (s *Service) DeleteForLicense(ctx context.Context, tx *gorm.DB, licenseID snowflake.ID) error {
	return s.repo.DeleteByLicenseID(ctx, s.handle(tx), licenseID)
}

func (s *Service) DeleteForOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) error {
	return s.repo.DeleteByOwner(ctx, s.handle(tx), ownerID)
}

func (s *Service) MarkStale(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	candidates, err := s.repo.ListStaleCandidates(ctx, s.db, cutoff, limit)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	flipped := make([]snowflake.ID, 0, len(candidates))
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return flipped, err
		}
		ok, err := s.repo.MarkOffline(ctx, s.db, id, cutoff, now)
		if err != nil {
			return flipped, err
		}
		if ok {
			flipped = append(flipped, id)
		}
	}
	if len(flipped) > 0 {
		s.log.Info("presence marked stale",
			zap.Int("count", len(flipped)),
			zap.Time("cutoff", cutoff),
		)
	}
	return flipped, nil
}

func (s *Service) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func clampPlayers(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
