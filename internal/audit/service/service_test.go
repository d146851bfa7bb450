package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/audit/repository"
	"github.com/smallbiznis/licensehub/internal/clock"
	obscontext "github.com/smallbiznis/licensehub/internal/observability/context"
	"github.com/smallbiznis/licensehub/internal/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, clk
}

func TestAuditLogResolvesActorFromPrincipal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := principal.WithPrincipal(context.Background(), principal.Principal{UserID: 77, Username: "admin", Role: principal.RoleAdmin})
	ctx = obscontext.WithRequestID(ctx, "req-1")
	ctx = obscontext.WithClientIP(ctx, "10.0.0.9")

	target := "123"
	require.NoError(t, svc.AuditLog(ctx, auditdomain.ActionLicenseUpdate, auditdomain.TargetTypeLicense, &target, map[string]any{"fields": "is_active"}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	entry := resp.AuditLogs[0]
	assert.Equal(t, string(auditdomain.ActorTypeUser), entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "77", *entry.ActorID)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.9", *entry.IPAddress)
}

func TestAuditLogWithoutPrincipalIsSystem(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.AuditLog(context.Background(), auditdomain.ActionPresenceSweep, auditdomain.TargetTypeServerState, nil, nil))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.AuditLog(context.Background(), " ", "license", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.AuditLog(ctx, auditdomain.ActionLicenseCreate, auditdomain.TargetTypeLicense, nil, map[string]any{"n": i}))
		clk.Advance(time.Second)
	}

	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2
	first, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	assert.NotEmpty(t, first.NextPageToken)
	assert.True(t, first.AuditLogs[0].CreatedAt.After(first.AuditLogs[1].CreatedAt))

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 2)
	assert.True(t, second.AuditLogs[0].CreatedAt.Before(first.AuditLogs[1].CreatedAt))
}

func TestListRejectsInvalidInputs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := auditdomain.ListAuditLogRequest{}
	req.PageToken = "%%%"
	_, err := svc.List(ctx, req)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
