package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/principal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, p principal.Principal, object, action string) error {
	if p.UserID == 0 {
		return ErrInvalidActor
	}
	if _, ok := principal.ParseRole(string(p.Role)); !ok {
		s.auditDenied(ctx, p, object, action)
		return ErrForbidden
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(p.Subject(), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, p, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) auditDenied(ctx context.Context, p principal.Principal, object, action string) {
	s.log.Info("authorization denied",
		zap.String("subject", p.Subject()),
		zap.String("user_id", p.UserID.String()),
		zap.String("object", object),
		zap.String("action", action),
	)
	if s.auditSvc == nil {
		return
	}
	targetID := object
	_ = s.auditSvc.AuditLog(ctx, auditdomain.ActionAccessDenied, "authorization", &targetID, map[string]any{
		"object":  object,
		"action":  action,
		"subject": p.Subject(),
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:user", ObjectLicense, ActionLicenseView},
		{"role:user", ObjectLicense, ActionLicenseCreate},
		{"role:user", ObjectLicense, ActionLicenseUpdate},
		{"role:user", ObjectStats, ActionStatsView},
		{"role:user", ObjectProfile, ActionProfileView},

		{"role:admin", ObjectLicense, ActionLicenseDelete},
		{"role:admin", ObjectUser, ActionUserView},
		{"role:admin", ObjectUser, ActionUserCreate},
		{"role:admin", ObjectUser, ActionUserUpdate},
		{"role:admin", ObjectUser, ActionUserDelete},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},
	}
	for _, rule := range policies {
		has, err := enforcer.HasPolicy(rule[0], rule[1], rule[2])
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
			return err
		}
	}

	has, err := enforcer.HasGroupingPolicy("role:admin", "role:user")
	if err != nil {
		return err
	}
	if !has {
		if _, err := enforcer.AddGroupingPolicy("role:admin", "role:user"); err != nil {
			return err
		}
	}
	return nil
}
