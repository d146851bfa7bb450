package validation

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type nopAudit struct{}

func (nopAudit) AuditLog(context.Context, string, string, *string, map[string]any) error { return nil }
func (nopAudit) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type harness struct {
	engine   Engine
	licenses licensedomain.Service
	presence presencedomain.Tracker
	clock    *clock.FakeClock
	admin    principal.Principal
	owner    principal.Principal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:validation_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&userdomain.User{}, &licensedomain.License{}, &presencedomain.ServerStatus{}))
	require.NoError(t, db.Create(&[]userdomain.User{
		{ID: 1, Username: "root", Email: "root@example.com", Role: "admin", IsActive: true, CreatedAt: baseTime, UpdatedAt: baseTime},
		{ID: 2, Username: "alice", Email: "alice@example.com", Role: "user", IsActive: true, CreatedAt: baseTime, UpdatedAt: baseTime},
	}).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(baseTime)
	policy := config.NewStaticPolicyHolder(config.DefaultLicensePolicy())

	tracker := presenceservice.New(presenceservice.Params{DB: db, Log: zap.NewNop(), Clock: clk, Repo: presencerepo.Provide()})
	licenses := licenseservice.New(licenseservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     licenserepo.Provide(),
		Keys:     keygen.New(policy),
		Policy:   policy,
		Presence: tracker,
		AuditSvc: nopAudit{},
		Events:   events.NewNoopPublisher(),
	})

	return &harness{
		engine: New(Params{
			Log:      zap.NewNop(),
			Clock:    clk,
			Licenses: licenses,
			Presence: tracker,
			Policy:   policy,
		}),
		licenses: licenses,
		presence: tracker,
		clock:    clk,
		admin:    principal.Principal{UserID: 1, Username: "root", Role: principal.RoleAdmin},
		owner:    principal.Principal{UserID: 2, Username: "alice", Role: principal.RoleUser},
	}
}

func (h *harness) create(t *testing.T, script string) *licensedomain.Response {
	t.Helper()
	resp, err := h.licenses.Create(context.Background(), h.owner, licensedomain.CreateRequest{
		ScriptName: script,
		ServerName: "Los Santos RP",
		ServerIP:   "10.0.0.1",
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) snapshot(t *testing.T, id string) *presencedomain.ServerStatus {
	t.Helper()
	licenseID, err := snowflake.ParseString(id)
	require.NoError(t, err)
	snap, err := h.presence.Snapshot(context.Background(), licenseID)
	require.NoError(t, err)
	return snap
}

func TestValidateIsPassive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lic := h.create(t, "esx_garage")

	for i := 0; i < 2; i++ {
		res, err := h.engine.Validate(ctx, lic.LicenseKey)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, "valid", res.Outcome())
		require.NotNil(t, res.License)
		assert.Equal(t, "Los Santos RP", res.License.ServerName)
		assert.Equal(t, 32, res.License.MaxPlayers)
		assert.Nil(t, res.License.ExpiresAt)
		assert.Equal(t, "alice", res.License.Owner)
		assert.Empty(t, res.License.ScriptName)
		assert.Equal(t, "127.0.0.1", res.System.ServerIP)
		assert.Equal(t, "1.0.0", res.System.APIVersion)
	}

	snap := h.snapshot(t, lic.ID)
	assert.False(t, snap.IsOnline)
	assert.Nil(t, snap.LastHeartbeat)
}

func TestValidateUnknownKey(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Validate(context.Background(), "FVM-2024-0000-0000-0000-0000")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, licensedomain.ReasonUnknownKey, res.Reason)
	assert.Equal(t, "invalid license key", res.Message())
	assert.Nil(t, res.License)
}

func TestValidateScriptMarksOnlineWithoutPlayers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lic := h.create(t, "esx_garage")

	_, err := h.engine.Heartbeat(ctx, lic.LicenseKey, 9, nil)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	res, err := h.engine.ValidateScript(ctx, lic.LicenseKey, "esx_garage")
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, "esx_garage", res.License.ScriptName)
	require.NotNil(t, res.System.ValidationTime)
	assert.True(t, res.System.ValidationTime.Equal(h.clock.Now()))

	snap := h.snapshot(t, lic.ID)
	assert.True(t, snap.IsOnline)
	assert.Equal(t, 9, snap.CurrentPlayers)
	require.NotNil(t, snap.LastHeartbeat)
	assert.False(t, snap.LastHeartbeat.Before(h.clock.Now()))
}

func TestValidateScriptWrongScriptLooksUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lic := h.create(t, "esx_garage")

	wrong, err := h.engine.ValidateScript(ctx, lic.LicenseKey, "wrong_script")
	require.NoError(t, err)
	unknown, err := h.engine.ValidateScript(ctx, "FVM-2024-0000-0000-0000-0000", "esx_garage")
	require.NoError(t, err)

	assert.Equal(t, unknown.Valid, wrong.Valid)
	assert.Equal(t, unknown.Reason, wrong.Reason)
	assert.Equal(t, unknown.Message(), wrong.Message())
	assert.False(t, h.snapshot(t, lic.ID).IsOnline)
}

func TestHeartbeatLastCountWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lic := h.create(t, "esx_garage")
	maxPlayers := 64

	res, err := h.engine.Heartbeat(ctx, lic.LicenseKey, 10, &maxPlayers)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	res, err = h.engine.Heartbeat(ctx, lic.LicenseKey, 4, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	snap := h.snapshot(t, lic.ID)
	assert.True(t, snap.IsOnline)
	assert.Equal(t, 4, snap.CurrentPlayers)
}

func TestDisabledAndExpiredReportsDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lic := h.create(t, "esx_garage")

	disabled := false
	past := baseTime.Add(-time.Hour)
	_, err := h.licenses.Update(ctx, h.admin, lic.ID, licensedomain.UpdateRequest{IsActive: &disabled, ExpiresAt: licensedomain.SetTime(&past)})
	require.NoError(t, err)

	res, err := h.engine.Validate(ctx, lic.LicenseKey)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, licensedomain.ReasonDisabled, res.Reason)
}

func TestExpiredLicenseRejectsHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lic := h.create(t, "esx_garage")

	expiry := baseTime.Add(time.Hour)
	_, err := h.licenses.Update(ctx, h.admin, lic.ID, licensedomain.UpdateRequest{ExpiresAt: licensedomain.SetTime(&expiry)})
	require.NoError(t, err)

	res, err := h.engine.Heartbeat(ctx, lic.LicenseKey, 3, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	h.clock.Advance(2 * time.Hour)
	res, err = h.engine.Heartbeat(ctx, lic.LicenseKey, 7, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, licensedomain.ReasonExpired, res.Reason)
	assert.Equal(t, 3, h.snapshot(t, lic.ID).CurrentPlayers)
}

func TestScenarioCreateValidateHeartbeatDisable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lic := h.create(t, "esx_garage")

	res, err := h.engine.Validate(ctx, lic.LicenseKey)
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, 32, res.License.MaxPlayers)

	_, err = h.engine.Heartbeat(ctx, lic.LicenseKey, 10, nil)
	require.NoError(t, err)
	snap := h.snapshot(t, lic.ID)
	assert.True(t, snap.IsOnline)
	assert.Equal(t, 10, snap.CurrentPlayers)
	lastBeat := *snap.LastHeartbeat

	disabled := false
	_, err = h.licenses.Update(ctx, h.admin, lic.ID, licensedomain.UpdateRequest{IsActive: &disabled})
	require.NoError(t, err)

	res, err = h.engine.Validate(ctx, lic.LicenseKey)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "license is disabled", res.Message())

	h.clock.Advance(time.Minute)
	res, err = h.engine.Heartbeat(ctx, lic.LicenseKey, 20, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)

	snap = h.snapshot(t, lic.ID)
	assert.Equal(t, 10, snap.CurrentPlayers)
	assert.True(t, snap.LastHeartbeat.Equal(lastBeat))
}

// deleteAfterLookup removes the license right after the ladder has read it,
// the window where an admin delete races a heartbeat.
type deleteAfterLookup struct {
	licensedomain.Service
	admin principal.Principal
}

func (d deleteAfterLookup) GetByKey(ctx context.Context, key string) (*licensedomain.LicenseRecord, error) {
	rec, err := d.Service.GetByKey(ctx, key)
	if err != nil || rec == nil {
		return rec, err
	}
	if err := d.Service.Delete(ctx, d.admin, rec.ID.String()); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d deleteAfterLookup) GetByKeyAndScript(ctx context.Context, key, scriptName string) (*licensedomain.LicenseRecord, error) {
	rec, err := d.Service.GetByKeyAndScript(ctx, key, scriptName)
	if err != nil || rec == nil {
		return rec, err
	}
	if err := d.Service.Delete(ctx, d.admin, rec.ID.String()); err != nil {
		return nil, err
	}
	return rec, nil
}

func TestHeartbeatRacingDeleteReportsUnknownKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	racing := New(Params{
		Log:      zap.NewNop(),
		Clock:    h.clock,
		Licenses: deleteAfterLookup{Service: h.licenses, admin: h.admin},
		Presence: h.presence,
		Policy:   config.NewStaticPolicyHolder(config.DefaultLicensePolicy()),
	})

	lic := h.create(t, "esx_garage")
	res, err := racing.Heartbeat(ctx, lic.LicenseKey, 7, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, licensedomain.ReasonUnknownKey, res.Reason)
	assert.Nil(t, h.snapshot(t, lic.ID), "no presence row without its license")

	lic = h.create(t, "esx_garage")
	res, err = racing.ValidateScript(ctx, lic.LicenseKey, "esx_garage")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, licensedomain.ReasonUnknownKey, res.Reason)
	assert.Nil(t, res.License)
	assert.Nil(t, h.snapshot(t, lic.ID))
}
