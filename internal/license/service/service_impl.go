package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/audit/masking"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/events"
	"github.com/smallbiznis/licensehub/internal/license/domain"
	"github.com/smallbiznis/licensehub/internal/observability/metrics"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	"github.com/smallbiznis/licensehub/internal/principal"
	"github.com/smallbiznis/licensehub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxKeyAttempts = 5

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Keys     domain.KeyGenerator
	Policy   *config.PolicyHolder
	Presence presencedomain.Tracker
	AuditSvc auditdomain.Service
	Events   events.Publisher
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	keys     domain.KeyGenerator
	policy   *config.PolicyHolder
	presence presencedomain.Tracker
	auditSvc auditdomain.Service
	events   events.Publisher
	metrics  *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("license.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		keys:     p.Keys,
		policy:   p.Policy,
		presence: p.Presence,
		auditSvc: p.AuditSvc,
		events:   p.Events,
		metrics:  p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, p principal.Principal, req domain.CreateRequest) (*domain.Response, error) {
	scriptName := strings.TrimSpace(req.ScriptName)
	if scriptName == "" {
		return nil, domain.ErrInvalidScriptName
	}
	serverName := strings.TrimSpace(req.ServerName)
	if serverName == "" {
		return nil, domain.ErrInvalidServerName
	}
	serverIP := strings.TrimSpace(req.ServerIP)
	if serverIP == "" {
		return nil, domain.ErrInvalidServerIP
	}

	policy := s.policy.Get()
	port := policy.DefaultServerPort
	if req.ServerPort != nil {
		port = *req.ServerPort
	}
	if port <= 0 || port > 65535 {
		return nil, domain.ErrInvalidServerPort
	}
	maxPlayers := policy.DefaultMaxPlayers
	if req.MaxPlayers != nil {
		maxPlayers = *req.MaxPlayers
	}
	if maxPlayers <= 0 {
		return nil, domain.ErrInvalidMaxPlayers
	}

	ownerID, err := s.resolveOwner(ctx, p, req.UserID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	license := &domain.License{
		ID:         s.genID.Generate(),
		OwnerID:    ownerID,
		ScriptName: scriptName,
		ServerName: serverName,
		ServerIP:   serverIP,
		ServerPort: port,
		MaxPlayers: maxPlayers,
		ExpiresAt:  normalizeTime(req.ExpiresAt),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.insertWithFreshKey(ctx, license); err != nil {
		return nil, err
	}

	s.log.Info("license created",
		zap.String("license_id", license.ID.String()),
		zap.String("owner_id", ownerID.String()),
		zap.String("license_key", masking.MaskLicenseKey(license.LicenseKey)),
	)
	s.recordLifecycle(ctx, auditdomain.ActionLicenseCreate, events.TypeLicenseCreated, license, map[string]any{
		"license_key": masking.MaskLicenseKey(license.LicenseKey),
		"owner_id":    ownerID.String(),
		"script_name": scriptName,
		"server_name": serverName,
	})

	return s.loadResponse(ctx, license.ID)
}

// insertWithFreshKey retries the whole transaction on a key collision. The
// transaction is never reused after a constraint failure.
func (s *Service) insertWithFreshKey(ctx context.Context, license *domain.License) error {
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := s.keys.Generate()
		if err != nil {
			return err
		}
		license.LicenseKey = key

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.Insert(ctx, tx, license); err != nil {
				return err
			}
			return s.presence.InitOffline(ctx, tx, license.ID)
		})
		if err == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		s.log.Warn("license key collision, regenerating", zap.Int("attempt", attempt))
	}
	return domain.ErrKeyExhausted
}

func (s *Service) resolveOwner(ctx context.Context, p principal.Principal, rawUserID string) (snowflake.ID, error) {
	rawUserID = strings.TrimSpace(rawUserID)
	if !p.IsAdmin() || rawUserID == "" {
		if p.UserID == 0 {
			return 0, domain.ErrInvalidOwner
		}
		return p.UserID, nil
	}

	ownerID, err := snowflake.ParseString(rawUserID)
	if err != nil || ownerID <= 0 {
		return 0, domain.ErrInvalidOwner
	}
	exists, err := s.repo.OwnerExists(ctx, s.db, ownerID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, domain.ErrNotFound
	}
	return ownerID, nil
}

func (s *Service) Get(ctx context.Context, p principal.Principal, id string) (*domain.Response, error) {
	licenseID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	row, err := s.repo.FindRow(ctx, s.db, licenseID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrNotFound
	}
	if !canAccess(p, row.OwnerID) {
		return nil, domain.ErrForbidden
	}
	return toResponse(row), nil
}

func (s *Service) Update(ctx context.Context, p principal.Principal, id string, req domain.UpdateRequest) (*domain.Response, error) {
	licenseID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByID(ctx, s.db, licenseID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.ErrNotFound
	}
	if !canAccess(p, existing.OwnerID) {
		return nil, domain.ErrForbidden
	}
	if req.Empty() {
		return nil, domain.ErrEmptyUpdate
	}

	changed, err := applyUpdate(existing, req)
	if err != nil {
		return nil, err
	}
	existing.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, s.db, existing); err != nil {
		return nil, err
	}

	s.recordLifecycle(ctx, auditdomain.ActionLicenseUpdate, events.TypeLicenseUpdated, existing, map[string]any{
		"license_key": masking.MaskLicenseKey(existing.LicenseKey),
		"fields":      changed,
	})

	return s.loadResponse(ctx, existing.ID)
}

// applyUpdate patches the allow-listed fields and returns their names.
func applyUpdate(l *domain.License, req domain.UpdateRequest) ([]string, error) {
	changed := make([]string, 0, 8)
	if req.ScriptName != nil {
		v := strings.TrimSpace(*req.ScriptName)
		if v == "" {
			return nil, domain.ErrInvalidScriptName
		}
		l.ScriptName = v
		changed = append(changed, "script_name")
	}
	if req.ServerName != nil {
		v := strings.TrimSpace(*req.ServerName)
		if v == "" {
			return nil, domain.ErrInvalidServerName
		}
		l.ServerName = v
		changed = append(changed, "server_name")
	}
	if req.ServerIP != nil {
		v := strings.TrimSpace(*req.ServerIP)
		if v == "" {
			return nil, domain.ErrInvalidServerIP
		}
		l.ServerIP = v
		changed = append(changed, "server_ip")
	}
	if req.ServerPort != nil {
		if *req.ServerPort <= 0 || *req.ServerPort > 65535 {
			return nil, domain.ErrInvalidServerPort
		}
		l.ServerPort = *req.ServerPort
		changed = append(changed, "server_port")
	}
	if req.MaxPlayers != nil {
		if *req.MaxPlayers <= 0 {
			return nil, domain.ErrInvalidMaxPlayers
		}
		l.MaxPlayers = *req.MaxPlayers
		changed = append(changed, "max_players")
	}
	switch {
	case req.ClearExpiresAt && req.ExpiresAt.Value != nil:
		return nil, domain.ErrInvalidExpiry
	case req.ClearExpiresAt || req.ExpiresAt.Clears():
		l.ExpiresAt = nil
		changed = append(changed, "expires_at")
	case req.ExpiresAt.Value != nil:
		l.ExpiresAt = normalizeTime(req.ExpiresAt.Value)
		changed = append(changed, "expires_at")
	}
	if req.IsActive != nil {
		l.IsActive = *req.IsActive
		changed = append(changed, "is_active")
	}
	return changed, nil
}

func (s *Service) Delete(ctx context.Context, p principal.Principal, id string) error {
	if !p.IsAdmin() {
		return domain.ErrForbidden
	}
	licenseID, err := parseID(id)
	if err != nil {
		return err
	}

	existing, err := s.repo.FindByID(ctx, s.db, licenseID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrNotFound
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.presence.DeleteForLicense(ctx, tx, licenseID); err != nil {
			return err
		}
		affected, err := s.repo.Delete(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("license deleted", zap.String("license_id", licenseID.String()))
	s.recordLifecycle(ctx, auditdomain.ActionLicenseDelete, events.TypeLicenseDeleted, existing, map[string]any{
		"license_key": masking.MaskLicenseKey(existing.LicenseKey),
		"owner_id":    existing.OwnerID.String(),
	})
	return nil
}

func (s *Service) List(ctx context.Context, p principal.Principal) ([]domain.Response, error) {
	if p.IsAdmin() {
		return s.ListAll(ctx)
	}
	return s.ListForUser(ctx, p.UserID)
}

func (s *Service) ListForUser(ctx context.Context, userID snowflake.ID) ([]domain.Response, error) {
	rows, err := s.repo.ListRows(ctx, s.db, &userID)
	if err != nil {
		return nil, err
	}
	return toResponses(rows), nil
}

func (s *Service) ListAll(ctx context.Context) ([]domain.Response, error) {
	rows, err := s.repo.ListRows(ctx, s.db, nil)
	if err != nil {
		return nil, err
	}
	return toResponses(rows), nil
}

func (s *Service) GetByKey(ctx context.Context, key string) (*domain.LicenseRecord, error) {
	if key == "" {
		return nil, nil
	}
	return s.repo.FindByKey(ctx, s.db, key)
}

func (s *Service) GetByKeyAndScript(ctx context.Context, key, scriptName string) (*domain.LicenseRecord, error) {
	if key == "" || scriptName == "" {
		return nil, nil
	}
	return s.repo.FindByKeyAndScript(ctx, s.db, key, scriptName)
}

func (s *Service) DeleteByOwner(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	if err := s.presence.DeleteForOwner(ctx, tx, ownerID); err != nil {
		return 0, err
	}
	return s.repo.DeleteByOwner(ctx, tx, ownerID)
}

func (s *Service) loadResponse(ctx context.Context, id snowflake.ID) (*domain.Response, error) {
	row, err := s.repo.FindRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrNotFound
	}
	return toResponse(row), nil
}

func (s *Service) recordLifecycle(ctx context.Context, action, eventType string, l *domain.License, metadata map[string]any) {
	targetID := l.ID.String()
	_ = s.auditSvc.AuditLog(ctx, action, auditdomain.TargetTypeLicense, &targetID, metadata)

	if s.events != nil {
		data := map[string]any{}
		for k, v := range metadata {
			if k == "license_key" {
				continue
			}
			data[k] = v
		}
		evt := events.NewEvent(eventType, targetID, l.OwnerID.String(), s.clock.Now(), data)
		if err := s.events.Publish(ctx, evt); err != nil {
			s.log.Warn("publish license event failed", zap.String("event_type", eventType), zap.Error(err))
		}
	}
	s.metrics.RecordLicenseEvent(ctx, eventType)
}

func canAccess(p principal.Principal, ownerID snowflake.ID) bool {
	return p.IsAdmin() || (p.UserID != 0 && p.UserID == ownerID)
}

func parseID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, domain.ErrInvalidID
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidID
	}
	return snowflake.ID(id), nil
}

func toResponses(rows []domain.LicenseRow) []domain.Response {
	out := make([]domain.Response, 0, len(rows))
	for i := range rows {
		out = append(out, *toResponse(&rows[i]))
	}
	return out
}

func toResponse(row *domain.LicenseRow) *domain.Response {
	resp := &domain.Response{
		ID:            row.ID.String(),
		LicenseKey:    row.LicenseKey,
		OwnerID:       row.OwnerID.String(),
		OwnerUsername: row.OwnerUsername,
		ScriptName:    row.ScriptName,
		ServerName:    row.ServerName,
		ServerIP:      row.ServerIP,
		ServerPort:    row.ServerPort,
		MaxPlayers:    row.MaxPlayers,
		ExpiresAt:     row.ExpiresAt,
		IsActive:      row.IsActive,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.IsOnline != nil {
		view := &domain.PresenceView{
			IsOnline:      *row.IsOnline,
			LastHeartbeat: row.LastHeartbeat,
		}
		if row.CurrentPlayers != nil {
			view.CurrentPlayers = *row.CurrentPlayers
		}
		resp.Status = view
	}
	return resp
}

func normalizeTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
