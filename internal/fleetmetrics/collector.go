package fleetmetrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	reportingdomain "github.com/smallbiznis/licensehub/internal/reporting/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Collector mirrors the fleet-wide aggregates into gauges on a dedicated
// registry. The registry is served on /metrics and optionally pushed.
type Collector struct {
	registry  *prometheus.Registry
	reporting reportingdomain.Service
	pusher    Pusher
	clock     clock.Clock
	log       *zap.Logger
	interval  time.Duration

	activeUsers      prometheus.Gauge
	activeLicenses   prometheus.Gauge
	unexpired        prometheus.Gauge
	onlineServers    prometheus.Gauge
	totalPlayers     prometheus.Gauge
	lastRefreshGauge prometheus.Gauge

	mu          sync.Mutex
	lastRefresh time.Time
}

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Reporting reportingdomain.Service
	Pusher    Pusher `optional:"true"`
}

func NewCollector(p Params) *Collector {
	labels := prometheus.Labels{
		"service": defaultString(p.Config.AppName, "licensehub"),
		"env":     defaultString(p.Config.Environment, "development"),
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	}

	c := &Collector{
		registry:         prometheus.NewRegistry(),
		reporting:        p.Reporting,
		pusher:           p.Pusher,
		clock:            p.Clock,
		log:              p.Log.Named("fleetmetrics"),
		interval:         p.Config.FleetMetrics.Interval,
		activeUsers:      gauge("licensehub_fleet_active_users", "Active user accounts."),
		activeLicenses:   gauge("licensehub_fleet_active_licenses", "Licenses with is_active set."),
		unexpired:        gauge("licensehub_fleet_active_unexpired_licenses", "Active licenses that have not expired."),
		onlineServers:    gauge("licensehub_fleet_online_servers", "Servers currently reported online."),
		totalPlayers:     gauge("licensehub_fleet_players", "Players across online servers."),
		lastRefreshGauge: gauge("licensehub_fleet_last_refresh_timestamp_seconds", "Unix time of the last successful refresh."),
	}
	c.registry.MustRegister(
		c.activeUsers,
		c.activeLicenses,
		c.unexpired,
		c.onlineServers,
		c.totalPlayers,
		c.lastRefreshGauge,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Due reports whether the configured interval has elapsed since the last
// successful refresh.
func (c *Collector) Due() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRefresh.IsZero() || c.interval <= 0 {
		return true
	}
	return !c.clock.Now().Before(c.lastRefresh.Add(c.interval))
}

// Refresh loads fleet counts, updates the gauges and pushes when a pusher
// is configured. Push failures are logged and do not fail the refresh.
func (c *Collector) Refresh(ctx context.Context) error {
	if c == nil {
		return nil
	}
	counts, err := c.reporting.Counts(ctx, nil)
	if err != nil {
		return err
	}
	c.activeUsers.Set(float64(counts.ActiveUsers))
	c.activeLicenses.Set(float64(counts.ActiveLicenses))
	c.unexpired.Set(float64(counts.ActiveUnexpiredLicenses))
	c.onlineServers.Set(float64(counts.OnlineServers))
	c.totalPlayers.Set(float64(counts.TotalPlayers))

	now := c.clock.Now()
	c.lastRefreshGauge.Set(float64(now.Unix()))
	c.mu.Lock()
	c.lastRefresh = now
	c.mu.Unlock()

	if c.pusher != nil {
		if err := c.pusher.Push(ctx, c.registry); err != nil {
			c.log.Warn("fleet metrics push failed", zap.Error(err))
		}
	}
	return nil
}

func defaultString(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}
