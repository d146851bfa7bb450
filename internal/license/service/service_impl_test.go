package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/events"
	"github.com/smallbiznis/licensehub/internal/license/domain"
	"github.com/smallbiznis/licensehub/internal/license/keygen"
	"github.com/smallbiznis/licensehub/internal/license/repository"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	presencerepo "github.com/smallbiznis/licensehub/internal/presence/repository"
	presenceservice "github.com/smallbiznis/licensehub/internal/presence/service"
	"github.com/smallbiznis/licensehub/internal/principal"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type auditStub struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditStub) AuditLog(_ context.Context, action, _ string, _ *string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func (a *auditStub) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type publisherStub struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *publisherStub) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *publisherStub) Close() error { return nil }

// scriptedKeys replays fixed keys, then falls back to random ones.
type scriptedKeys struct {
	mu   sync.Mutex
	keys []string
}

func (k *scriptedKeys) Generate() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) == 0 {
		return keygen.Generate("FVM", "2024")
	}
	key := k.keys[0]
	k.keys = k.keys[1:]
	return key, nil
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	audit    *auditStub
	events   *publisherStub
	keys     *scriptedKeys
	presence presencedomain.Tracker
	admin    principal.Principal
	alice    principal.Principal
	bob      principal.Principal
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:license_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&userdomain.User{}, &domain.License{}, &presencedomain.ServerStatus{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(baseTime)

	users := []userdomain.User{
		{ID: 1, Username: "root", Email: "root@example.com", Role: "admin", IsActive: true, CreatedAt: baseTime, UpdatedAt: baseTime},
		{ID: 2, Username: "alice", Email: "alice@example.com", Role: "user", IsActive: true, CreatedAt: baseTime, UpdatedAt: baseTime},
		{ID: 3, Username: "bob", Email: "bob@example.com", Role: "user", IsActive: true, CreatedAt: baseTime, UpdatedAt: baseTime},
	}
	require.NoError(t, db.Create(&users).Error)

	tracker := presenceservice.New(presenceservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  presencerepo.Provide(),
	})
	f := &fixture{
		db:       db,
		clock:    clk,
		audit:    &auditStub{},
		events:   &publisherStub{},
		keys:     &scriptedKeys{},
		presence: tracker,
		admin:    principal.Principal{UserID: 1, Username: "root", Role: principal.RoleAdmin},
		alice:    principal.Principal{UserID: 2, Username: "alice", Role: principal.RoleUser},
		bob:      principal.Principal{UserID: 3, Username: "bob", Role: principal.RoleUser},
	}
	f.svc = New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Keys:     f.keys,
		Policy:   config.NewStaticPolicyHolder(config.DefaultLicensePolicy()),
		Presence: tracker,
		AuditSvc: f.audit,
		Events:   f.events,
	}).(*Service)
	return f
}

func createFor(t *testing.T, f *fixture, p principal.Principal, script string) *domain.Response {
	t.Helper()
	resp, err := f.svc.Create(context.Background(), p, domain.CreateRequest{
		ScriptName: script,
		ServerName: "Los Santos RP",
		ServerIP:   "10.0.0.1",
	})
	require.NoError(t, err)
	return resp
}

func TestCreateAppliesDefaultsAndInitializesPresence(t *testing.T) {
	f := setup(t)
	resp := createFor(t, f, f.alice, "esx_garage")

	assert.True(t, keygen.IsWellFormed(resp.LicenseKey, "FVM", "2024"))
	assert.Equal(t, "2", resp.OwnerID)
	assert.Equal(t, "alice", resp.OwnerUsername)
	assert.Equal(t, 30120, resp.ServerPort)
	assert.Equal(t, 32, resp.MaxPlayers)
	assert.Nil(t, resp.ExpiresAt)
	assert.True(t, resp.IsActive)
	require.NotNil(t, resp.Status)
	assert.False(t, resp.Status.IsOnline)
	assert.Equal(t, 0, resp.Status.CurrentPlayers)

	assert.Equal(t, []string{auditdomain.ActionLicenseCreate}, f.audit.actions)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, events.TypeLicenseCreated, f.events.events[0].Type)
	assert.NotContains(t, f.events.events[0].Data, "license_key")
}

func TestCreateRejectsMissingFields(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	zero := 0

	cases := []struct {
		name string
		req  domain.CreateRequest
		err  error
	}{
		{name: "script", req: domain.CreateRequest{ServerName: "a", ServerIP: "1.1.1.1"}, err: domain.ErrInvalidScriptName},
		{name: "server_name", req: domain.CreateRequest{ScriptName: "s", ServerName: "  ", ServerIP: "1.1.1.1"}, err: domain.ErrInvalidServerName},
		{name: "server_ip", req: domain.CreateRequest{ScriptName: "s", ServerName: "a"}, err: domain.ErrInvalidServerIP},
		{name: "port", req: domain.CreateRequest{ScriptName: "s", ServerName: "a", ServerIP: "1.1.1.1", ServerPort: &zero}, err: domain.ErrInvalidServerPort},
		{name: "max_players", req: domain.CreateRequest{ScriptName: "s", ServerName: "a", ServerIP: "1.1.1.1", MaxPlayers: &zero}, err: domain.ErrInvalidMaxPlayers},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, f.alice, tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&domain.License{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateOwnerResolution(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	base := domain.CreateRequest{ScriptName: "s", ServerName: "a", ServerIP: "1.1.1.1"}

	req := base
	req.UserID = "3"
	resp, err := f.svc.Create(ctx, f.admin, req)
	require.NoError(t, err)
	assert.Equal(t, "3", resp.OwnerID)

	// non-admins cannot create on behalf of others
	resp, err = f.svc.Create(ctx, f.alice, req)
	require.NoError(t, err)
	assert.Equal(t, "2", resp.OwnerID)

	req.UserID = "999"
	_, err = f.svc.Create(ctx, f.admin, req)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	req.UserID = "abc"
	_, err = f.svc.Create(ctx, f.admin, req)
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
}

func TestCreateRetriesOnKeyCollision(t *testing.T) {
	f := setup(t)
	first := createFor(t, f, f.alice, "s")

	f.keys.keys = []string{first.LicenseKey, first.LicenseKey}
	second := createFor(t, f, f.alice, "s")
	assert.NotEqual(t, first.LicenseKey, second.LicenseKey)

	var statuses int64
	require.NoError(t, f.db.Model(&presencedomain.ServerStatus{}).Count(&statuses).Error)
	assert.Equal(t, int64(2), statuses)
}

func TestCreateGivesUpAfterFiveCollisions(t *testing.T) {
	f := setup(t)
	first := createFor(t, f, f.alice, "s")

	f.keys.keys = []string{first.LicenseKey, first.LicenseKey, first.LicenseKey, first.LicenseKey, first.LicenseKey}
	_, err := f.svc.Create(context.Background(), f.alice, domain.CreateRequest{ScriptName: "s", ServerName: "a", ServerIP: "1.1.1.1"})
	assert.ErrorIs(t, err, domain.ErrKeyExhausted)

	var licenses, statuses int64
	require.NoError(t, f.db.Model(&domain.License{}).Count(&licenses).Error)
	require.NoError(t, f.db.Model(&presencedomain.ServerStatus{}).Count(&statuses).Error)
	assert.Equal(t, int64(1), licenses)
	assert.Equal(t, int64(1), statuses)
}

func TestGetByKeyAndScript(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created := createFor(t, f, f.alice, "esx_garage")

	rec, err := f.svc.GetByKey(ctx, created.LicenseKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.OwnerUsername)

	rec, err = f.svc.GetByKey(ctx, "fvm-2024-aaaa-bbbb-cccc-dddd")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = f.svc.GetByKeyAndScript(ctx, created.LicenseKey, "esx_garage")
	require.NoError(t, err)
	require.NotNil(t, rec)

	wrongScript, err := f.svc.GetByKeyAndScript(ctx, created.LicenseKey, "wrong_script")
	require.NoError(t, err)
	unknownKey, err := f.svc.GetByKeyAndScript(ctx, "FVM-2024-ZZZZ-ZZZZ-ZZZZ-ZZZZ", "esx_garage")
	require.NoError(t, err)
	assert.Nil(t, wrongScript)
	assert.Nil(t, unknownKey)
}

func TestUpdateAccessAndAllowList(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created := createFor(t, f, f.alice, "s")

	_, err := f.svc.Update(ctx, f.bob, created.ID, domain.UpdateRequest{ServerName: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.Update(ctx, f.alice, "12345", domain.UpdateRequest{ServerName: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Update(ctx, f.alice, created.ID, domain.UpdateRequest{})
	assert.ErrorIs(t, err, domain.ErrEmptyUpdate)

	_, err = f.svc.Update(ctx, f.alice, created.ID, domain.UpdateRequest{ServerName: strPtr("")})
	assert.ErrorIs(t, err, domain.ErrInvalidServerName)

	f.clock.Advance(time.Minute)
	players := 64
	expiry := baseTime.Add(30 * 24 * time.Hour)
	updated, err := f.svc.Update(ctx, f.alice, created.ID, domain.UpdateRequest{
		ServerName: strPtr("Renamed"),
		MaxPlayers: &players,
		ExpiresAt:  domain.SetTime(&expiry),
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.ServerName)
	assert.Equal(t, 64, updated.MaxPlayers)
	require.NotNil(t, updated.ExpiresAt)
	assert.True(t, updated.ExpiresAt.Equal(expiry))
	assert.Equal(t, created.LicenseKey, updated.LicenseKey)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	disabled := false
	updated, err = f.svc.Update(ctx, f.admin, created.ID, domain.UpdateRequest{IsActive: &disabled, ClearExpiresAt: true})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Nil(t, updated.ExpiresAt)
}

func TestUpdateExplicitNullExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created := createFor(t, f, f.alice, "s")

	expiry := baseTime.Add(48 * time.Hour)
	_, err := f.svc.Update(ctx, f.alice, created.ID, domain.UpdateRequest{ExpiresAt: domain.SetTime(&expiry)})
	require.NoError(t, err)

	var onlyNull domain.UpdateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"expires_at":null}`), &onlyNull))
	assert.False(t, onlyNull.Empty())
	updated, err := f.svc.Update(ctx, f.alice, created.ID, onlyNull)
	require.NoError(t, err)
	assert.Nil(t, updated.ExpiresAt)

	_, err = f.svc.Update(ctx, f.alice, created.ID, domain.UpdateRequest{ExpiresAt: domain.SetTime(&expiry)})
	require.NoError(t, err)

	var withName domain.UpdateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"expires_at":null,"server_name":"X"}`), &withName))
	updated, err = f.svc.Update(ctx, f.alice, created.ID, withName)
	require.NoError(t, err)
	assert.Equal(t, "X", updated.ServerName)
	assert.Nil(t, updated.ExpiresAt)

	var omitted domain.UpdateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"server_name":"Y"}`), &omitted))
	assert.False(t, omitted.ExpiresAt.Set)

	_, err = f.svc.Update(ctx, f.alice, created.ID, domain.UpdateRequest{ExpiresAt: domain.SetTime(&expiry), ClearExpiresAt: true})
	assert.ErrorIs(t, err, domain.ErrInvalidExpiry)
}

func TestDeleteIsAdminOnlyAndRemovesPresence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created := createFor(t, f, f.alice, "s")
	id, err := snowflake.ParseString(created.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, f.alice, created.ID), domain.ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, f.admin, created.ID))
	assert.ErrorIs(t, f.svc.Delete(ctx, f.admin, created.ID), domain.ErrNotFound)

	rec, err := f.svc.GetByKey(ctx, created.LicenseKey)
	require.NoError(t, err)
	assert.Nil(t, rec)
	snap, err := f.presence.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestListScopesByRoleNewestFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a1 := createFor(t, f, f.alice, "one")
	f.clock.Advance(time.Second)
	b1 := createFor(t, f, f.bob, "two")
	f.clock.Advance(time.Second)
	a2 := createFor(t, f, f.alice, "three")

	all, err := f.svc.List(ctx, f.admin)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{a2.ID, b1.ID, a1.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	own, err := f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, a2.ID, own[0].ID)

	_, err = f.svc.Get(ctx, f.bob, a1.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.Get(ctx, f.bob, "not-a-number")
	assert.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestDeleteByOwnerCascades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	createFor(t, f, f.alice, "one")
	createFor(t, f, f.alice, "two")
	kept := createFor(t, f, f.bob, "three")

	var removed int64
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		removed, err = f.svc.DeleteByOwner(ctx, tx, f.alice.UserID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	var statuses int64
	require.NoError(t, f.db.Model(&presencedomain.ServerStatus{}).Count(&statuses).Error)
	assert.Equal(t, int64(1), statuses)

	rows, err := f.svc.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, kept.ID, rows[0].ID)
}

func TestCreateSurfacesNonDuplicateErrors(t *testing.T) {
	f := setup(t)
	f.svc.keys = failingKeys{}
	_, err := f.svc.Create(context.Background(), f.alice, domain.CreateRequest{ScriptName: "s", ServerName: "a", ServerIP: "1.1.1.1"})
	assert.EqualError(t, err, "entropy unavailable")
}

type failingKeys struct{}

func (failingKeys) Generate() (string, error) { return "", errors.New("entropy unavailable") }

func strPtr(v string) *string { return &v }
