package fleetmetrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/principal"
	reportingdomain "github.com/smallbiznis/licensehub/internal/reporting/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reportingStub struct {
	counts reportingdomain.Counts
	err    error
	owners []*snowflake.ID
}

func (s *reportingStub) Counts(_ context.Context, ownerID *snowflake.ID) (reportingdomain.Counts, error) {
	s.owners = append(s.owners, ownerID)
	return s.counts, s.err
}

func (s *reportingStub) RecentLicenses(context.Context, *snowflake.ID, int) ([]reportingdomain.RecentLicense, error) {
	return nil, nil
}

func (s *reportingStub) ServerStatusBoard(context.Context, *snowflake.ID, int) ([]reportingdomain.ServerStatusEntry, error) {
	return nil, nil
}

func (s *reportingStub) Stats(context.Context, principal.Principal) (reportingdomain.Stats, error) {
	return reportingdomain.Stats{}, nil
}

type pusherStub struct {
	calls int
	err   error
}

func (p *pusherStub) Push(context.Context, *prometheus.Registry) error {
	p.calls++
	return p.err
}

func newTestCollector(rep reportingdomain.Service, pusher Pusher, clk clock.Clock) *Collector {
	cfg := config.Config{AppName: "licensehub", Environment: "test"}
	cfg.FleetMetrics.Interval = 30 * time.Second
	return NewCollector(Params{Config: cfg, Log: zap.NewNop(), Clock: clk, Reporting: rep, Pusher: pusher})
}

func TestCollectorRefreshSetsFleetGauges(t *testing.T) {
	rep := &reportingStub{counts: reportingdomain.Counts{
		ActiveUsers: 3, ActiveLicenses: 4, ActiveUnexpiredLicenses: 2, OnlineServers: 2, TotalPlayers: 47,
	}}
	pusher := &pusherStub{err: errors.New("sink down")}
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCollector(rep, pusher, clk)

	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, float64(3), testutil.ToFloat64(c.activeUsers))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.unexpired))
	assert.Equal(t, float64(47), testutil.ToFloat64(c.totalPlayers))
	assert.Equal(t, 1, pusher.calls)
	require.Len(t, rep.owners, 1)
	assert.Nil(t, rep.owners[0], "fleet gauges are never owner scoped")
}

func TestCollectorDueFollowsInterval(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCollector(&reportingStub{}, nil, clk)

	assert.True(t, c.Due())
	require.NoError(t, c.Refresh(context.Background()))
	assert.False(t, c.Due())

	clk.Advance(30 * time.Second)
	assert.True(t, c.Due())
}

func TestCollectorRefreshPropagatesReportingErrors(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCollector(&reportingStub{err: errors.New("db down")}, nil, clk)

	assert.Error(t, c.Refresh(context.Background()))
	assert.True(t, c.Due())
}

func TestRemoteWritePusherSendsSnappyProtobuf(t *testing.T) {
	var got prompb.WriteRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, got.Unmarshal(raw))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "licensehub_fleet_players"})
	registry.MustRegister(g)
	g.Set(12)

	p := NewRemoteWritePusher(srv.URL, "secret")
	p.now = func() time.Time { return time.UnixMilli(1714564800000) }
	require.NoError(t, p.Push(context.Background(), registry))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	require.Len(t, got.Timeseries, 1)
	assert.Equal(t, "__name__", got.Timeseries[0].Labels[0].Name)
	assert.Equal(t, "licensehub_fleet_players", got.Timeseries[0].Labels[0].Value)
	assert.Equal(t, 12.0, got.Timeseries[0].Samples[0].Value)
	assert.Equal(t, int64(1714564800000), got.Timeseries[0].Samples[0].Timestamp)
}

func TestRemoteWritePusherReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total"})
	registry.MustRegister(c)
	c.Inc()

	assert.Error(t, NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry))
}

func TestNewPusherSelection(t *testing.T) {
	cfg := config.Config{AppName: "licensehub"}
	assert.Nil(t, NewPusher(cfg, zap.NewNop()))

	cfg.FleetMetrics.Enabled = true
	assert.Nil(t, NewPusher(cfg, zap.NewNop()), "exporter missing")

	cfg.FleetMetrics.Exporter = ExporterRemoteWrite
	cfg.FleetMetrics.Endpoint = "not a url"
	assert.Nil(t, NewPusher(cfg, zap.NewNop()))

	cfg.FleetMetrics.Endpoint = "http://prometheus:9090/api/v1/write"
	assert.IsType(t, &RemoteWritePusher{}, NewPusher(cfg, zap.NewNop()))

	cfg.FleetMetrics.Exporter = ExporterPushgateway
	assert.IsType(t, &PushgatewayPusher{}, NewPusher(cfg, zap.NewNop()))

	cfg.FleetMetrics.Exporter = "statsd"
	assert.Nil(t, NewPusher(cfg, zap.NewNop()))
}
