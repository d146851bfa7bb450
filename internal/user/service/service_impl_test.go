package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/events"
	licensedomain "github.com/smallbiznis/licensehub/internal/license/domain"
	"github.com/smallbiznis/licensehub/internal/license/keygen"
	licenserepo "github.com/smallbiznis/licensehub/internal/license/repository"
	licenseservice "github.com/smallbiznis/licensehub/internal/license/service"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	presencerepo "github.com/smallbiznis/licensehub/internal/presence/repository"
	presenceservice "github.com/smallbiznis/licensehub/internal/presence/service"
	"github.com/smallbiznis/licensehub/internal/principal"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	"github.com/smallbiznis/licensehub/internal/user/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type nopAudit struct{}

func (nopAudit) AuditLog(context.Context, string, string, *string, map[string]any) error { return nil }
func (nopAudit) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type env struct {
	users    userdomain.Service
	licenses licensedomain.Service
	presence presencedomain.Tracker
	db       *gorm.DB
	admin    principal.Principal
}

func setup(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:user_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&userdomain.User{}, &licensedomain.License{}, &presencedomain.ServerStatus{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	policy := config.NewStaticPolicyHolder(config.DefaultLicensePolicy())

	tracker := presenceservice.New(presenceservice.Params{DB: db, Log: zap.NewNop(), Clock: clk, Repo: presencerepo.Provide()})
	licenses := licenseservice.New(licenseservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
		Repo: licenserepo.Provide(), Keys: keygen.New(policy), Policy: policy,
		Presence: tracker, AuditSvc: nopAudit{}, Events: events.NewNoopPublisher(),
	})
	users := New(Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
		Repo: repository.Provide(), Licenses: licenses,
		AuditSvc: nopAudit{}, Events: events.NewNoopPublisher(),
	})

	admin, created, err := users.EnsureAdmin(context.Background(), "root", "root@example.com")
	require.NoError(t, err)
	require.True(t, created)

	return &env{
		users:    users,
		licenses: licenses,
		presence: tracker,
		db:       db,
		admin:    principal.Principal{UserID: admin.ID, Username: admin.Username, Role: principal.RoleAdmin},
	}
}

func TestCreateValidatesInput(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.users.Create(ctx, userdomain.CreateRequest{Username: "ab", Email: "a@example.com"})
	assert.ErrorIs(t, err, userdomain.ErrInvalidUsername)
	_, err = e.users.Create(ctx, userdomain.CreateRequest{Username: "alice", Email: "nope"})
	assert.ErrorIs(t, err, userdomain.ErrInvalidEmail)
	_, err = e.users.Create(ctx, userdomain.CreateRequest{Username: "alice", Email: "a@example.com", Role: "owner"})
	assert.ErrorIs(t, err, userdomain.ErrInvalidRole)

	created, err := e.users.Create(ctx, userdomain.CreateRequest{Username: "alice", Email: "Alice@Example.com"})
	require.NoError(t, err)
	assert.Equal(t, "user", created.Role)
	assert.Equal(t, "alice@example.com", created.Email)
	assert.True(t, created.IsActive)

	_, err = e.users.Create(ctx, userdomain.CreateRequest{Username: "alice", Email: "b@example.com"})
	assert.ErrorIs(t, err, userdomain.ErrUsernameTaken)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	e := setup(t)
	u, created, err := e.users.EnsureAdmin(context.Background(), "root", "root@example.com")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e.admin.UserID, u.ID)
}

func TestUpdateGuardsSelf(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	self := e.admin.UserID.String()

	_, err := e.users.Update(ctx, e.admin, self, userdomain.UpdateRequest{})
	assert.ErrorIs(t, err, userdomain.ErrEmptyUpdate)

	role := "user"
	_, err = e.users.Update(ctx, e.admin, self, userdomain.UpdateRequest{Role: &role})
	assert.ErrorIs(t, err, userdomain.ErrSelfDemote)

	inactive := false
	_, err = e.users.Update(ctx, e.admin, self, userdomain.UpdateRequest{IsActive: &inactive})
	assert.ErrorIs(t, err, userdomain.ErrSelfDemote)

	other, err := e.users.Create(ctx, userdomain.CreateRequest{Username: "alice", Email: "a@example.com"})
	require.NoError(t, err)
	updated, err := e.users.Update(ctx, e.admin, other.ID, userdomain.UpdateRequest{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	id, err := snowflake.ParseString(other.ID)
	require.NoError(t, err)
	_, err = e.users.FindActive(ctx, id)
	assert.ErrorIs(t, err, userdomain.ErrInactive)
}

func TestDeleteCascadesLicensesAndPresence(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	alice, err := e.users.Create(ctx, userdomain.CreateRequest{Username: "alice", Email: "a@example.com"})
	require.NoError(t, err)
	aliceID, err := snowflake.ParseString(alice.ID)
	require.NoError(t, err)
	owner := principal.Principal{UserID: aliceID, Username: "alice", Role: principal.RoleUser}

	lic, err := e.licenses.Create(ctx, owner, licensedomain.CreateRequest{ScriptName: "s", ServerName: "a", ServerIP: "1.1.1.1"})
	require.NoError(t, err)
	licID, err := snowflake.ParseString(lic.ID)
	require.NoError(t, err)
	players := 5
	require.NoError(t, e.presence.ApplyHeartbeat(ctx, licID, &players))

	list, err := e.users.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, u := range list {
		if u.ID == alice.ID {
			require.NotNil(t, u.LicenseCount)
			assert.Equal(t, int64(1), *u.LicenseCount)
		}
	}

	assert.ErrorIs(t, e.users.Delete(ctx, e.admin, e.admin.UserID.String()), userdomain.ErrSelfDelete)
	require.NoError(t, e.users.Delete(ctx, e.admin, alice.ID))
	assert.ErrorIs(t, e.users.Delete(ctx, e.admin, alice.ID), userdomain.ErrNotFound)

	rec, err := e.licenses.GetByKey(ctx, lic.LicenseKey)
	require.NoError(t, err)
	assert.Nil(t, rec)
	snap, err := e.presence.Snapshot(ctx, licID)
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = e.users.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, userdomain.ErrNotFound)
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "  Alice@Example.COM ", want: "alice@example.com", ok: true},
		{in: "ops+fivem@example.org", want: "ops+fivem@example.org", ok: true},
		{in: "", ok: false},
		{in: "nope", ok: false},
		{in: "Alice <alice@example.com>", ok: false},
		{in: "a@", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeEmail(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, userdomain.ErrInvalidEmail)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
