package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/events"
	licensedomain "github.com/smallbiznis/licensehub/internal/license/domain"
	"github.com/smallbiznis/licensehub/internal/principal"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	"github.com/smallbiznis/licensehub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     userdomain.Repository
	Licenses licensedomain.Service
	AuditSvc auditdomain.Service
	Events   events.Publisher
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     userdomain.Repository
	licenses licensedomain.Service
	auditSvc auditdomain.Service
	events   events.Publisher
}

func New(p Params) userdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("user.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		licenses: p.Licenses,
		auditSvc: p.AuditSvc,
		events:   p.Events,
	}
}

func (s *Service) List(ctx context.Context) ([]userdomain.Response, error) {
	rows, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make([]userdomain.Response, 0, len(rows))
	for i := range rows {
		resp := toResponse(&rows[i].User)
		count := rows[i].LicenseCount
		resp.LicenseCount = &count
		out = append(out, resp)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (*userdomain.Response, error) {
	userID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	u, err := s.repo.FindByID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, userdomain.ErrNotFound
	}
	resp := toResponse(u)
	return &resp, nil
}

func (s *Service) Create(ctx context.Context, req userdomain.CreateRequest) (*userdomain.Response, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	role := principal.RoleUser
	if strings.TrimSpace(req.Role) != "" {
		parsed, ok := principal.ParseRole(req.Role)
		if !ok {
			return nil, userdomain.ErrInvalidRole
		}
		role = parsed
	}

	existing, err := s.repo.FindByUsername(ctx, s.db, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, userdomain.ErrUsernameTaken
	}

	now := s.clock.Now()
	u := &userdomain.User{
		ID:        s.genID.Generate(),
		Username:  username,
		Email:     email,
		Role:      string(role),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, u); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, userdomain.ErrUsernameTaken
		}
		return nil, err
	}

	targetID := u.ID.String()
	_ = s.auditSvc.AuditLog(ctx, auditdomain.ActionUserCreate, auditdomain.TargetTypeUser, &targetID, map[string]any{
		"username": u.Username,
		"role":     u.Role,
	})
	resp := toResponse(u)
	return &resp, nil
}

func (s *Service) Update(ctx context.Context, p principal.Principal, id string, req userdomain.UpdateRequest) (*userdomain.Response, error) {
	userID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	u, err := s.repo.FindByID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, userdomain.ErrNotFound
	}
	if req.Empty() {
		return nil, userdomain.ErrEmptyUpdate
	}

	changed := make([]string, 0, 4)
	if req.Username != nil {
		username, err := normalizeUsername(*req.Username)
		if err != nil {
			return nil, err
		}
		if username != u.Username {
			other, err := s.repo.FindByUsername(ctx, s.db, username)
			if err != nil {
				return nil, err
			}
			if other != nil && other.ID != u.ID {
				return nil, userdomain.ErrUsernameTaken
			}
		}
		u.Username = username
		changed = append(changed, "username")
	}
	if req.Email != nil {
		email, err := normalizeEmail(*req.Email)
		if err != nil {
			return nil, err
		}
		u.Email = email
		changed = append(changed, "email")
	}
	if req.Role != nil {
		role, ok := principal.ParseRole(*req.Role)
		if !ok {
			return nil, userdomain.ErrInvalidRole
		}
		if u.ID == p.UserID && role != principal.RoleAdmin && p.IsAdmin() {
			return nil, userdomain.ErrSelfDemote
		}
		u.Role = string(role)
		changed = append(changed, "role")
	}
	if req.IsActive != nil {
		if u.ID == p.UserID && !*req.IsActive {
			return nil, userdomain.ErrSelfDemote
		}
		u.IsActive = *req.IsActive
		changed = append(changed, "is_active")
	}
	u.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, s.db, u); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, userdomain.ErrUsernameTaken
		}
		return nil, err
	}

	targetID := u.ID.String()
	_ = s.auditSvc.AuditLog(ctx, auditdomain.ActionUserUpdate, auditdomain.TargetTypeUser, &targetID, map[string]any{
		"fields": changed,
	})
	resp := toResponse(u)
	return &resp, nil
}

func (s *Service) Delete(ctx context.Context, p principal.Principal, id string) error {
	userID, err := parseID(id)
	if err != nil {
		return err
	}
	if userID == p.UserID {
		return userdomain.ErrSelfDelete
	}

	var removedLicenses int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.repo.FindByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return userdomain.ErrNotFound
		}
		removedLicenses, err = s.licenses.DeleteByOwner(ctx, tx, userID)
		if err != nil {
			return err
		}
		_, err = s.repo.Delete(ctx, tx, userID)
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info("user deleted",
		zap.String("user_id", userID.String()),
		zap.Int64("licenses_removed", removedLicenses),
	)
	targetID := userID.String()
	_ = s.auditSvc.AuditLog(ctx, auditdomain.ActionUserDelete, auditdomain.TargetTypeUser, &targetID, map[string]any{
		"licenses_removed": removedLicenses,
	})
	if s.events != nil {
		evt := events.NewEvent(events.TypeUserDeleted, "", targetID, s.clock.Now(), map[string]any{
			"licenses_removed": removedLicenses,
		})
		if err := s.events.Publish(ctx, evt); err != nil {
			s.log.Warn("publish user event failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) FindActive(ctx context.Context, id snowflake.ID) (*userdomain.User, error) {
	u, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, userdomain.ErrNotFound
	}
	if !u.IsActive {
		return nil, userdomain.ErrInactive
	}
	return u, nil
}

// EnsureAdmin creates the bootstrap administrator when the username is free.
// The boolean reports whether a row was inserted.
func (s *Service) EnsureAdmin(ctx context.Context, username, email string) (*userdomain.User, bool, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.repo.FindByUsername(ctx, s.db, username)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	resp, err := s.Create(ctx, userdomain.CreateRequest{
		Username: username,
		Email:    email,
		Role:     string(principal.RoleAdmin),
	})
	if err != nil {
		return nil, false, err
	}
	id, _ := parseID(resp.ID)
	u, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func normalizeUsername(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) < 3 || len(v) > 64 || strings.ContainsAny(v, " \t\r\n") {
		return "", userdomain.ErrInvalidUsername
	}
	return v, nil
}

var validate = validator.New()

func normalizeEmail(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if err := validate.Var(v, "required,email"); err != nil {
		return "", userdomain.ErrInvalidEmail
	}
	return v, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, userdomain.ErrInvalidID
	}
	return snowflake.ID(id), nil
}

func toResponse(u *userdomain.User) userdomain.Response {
	return userdomain.Response{
		ID:        u.ID.String(),
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
