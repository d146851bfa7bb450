package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/events"
	"github.com/smallbiznis/licensehub/internal/fleetmetrics"
	obsmetrics "github.com/smallbiznis/licensehub/internal/observability/metrics"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Presence presencedomain.Tracker
	AuditSvc auditdomain.Service
	Events   events.Publisher        `optional:"true"`
	Fleet    *fleetmetrics.Collector `optional:"true"`
	Config   Config                  `optional:"true"`
}

// Scheduler runs the background presence jobs on a fixed interval.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	presence presencedomain.Tracker
	auditSvc auditdomain.Service
	events   events.Publisher
	fleet    *fleetmetrics.Collector
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Presence == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	publisher := p.Events
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		presence: p.Presence,
		auditSvc: p.AuditSvc,
		events:   publisher,
		fleet:    p.Fleet,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	if s.isJobEnabled(JobStaleSweep) && s.cfg.StaleAfter > 0 {
		err = errors.Join(err, s.runJob(parent, JobStaleSweep, s.cfg.JobTimeout, s.StaleSweepJob))
	}
	if s.fleet != nil && s.isJobEnabled(JobFleetRefresh) && s.fleet.Due() {
		err = errors.Join(err, s.runJob(parent, JobFleetRefresh, s.cfg.JobTimeout, s.FleetRefreshJob))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if lag := tick.Sub(nextRun); lag > 0 {
				schedMetrics.ObserveRunLoopLag(lag)
			}
			nextRun = tick.Add(s.cfg.RunInterval)
		}
	}
}

// isJobEnabled treats an empty EnabledJobs list as all jobs enabled.
func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == jobName {
			return true
		}
	}
	return false
}

// StaleSweepJob moves servers that stopped heartbeating offline. Each
// license is flipped by a conditional update, so concurrent sweepers never
// report the same transition twice.
func (s *Scheduler) StaleSweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.StaleAfter)
	schedMetrics := obsmetrics.Scheduler()

	var swept []snowflake.ID
	for {
		ids, err := s.presence.MarkStale(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logJobError(ctx, run, "presence.sweep.failed", err, zap.Time("cutoff", cutoff))
			return err
		}
		swept = append(swept, ids...)
		run.AddProcessed(len(ids))
		schedMetrics.AddBatchProcessed(JobStaleSweep, obsmetrics.ResourcePresence, len(ids))
		schedMetrics.AddStaleTransitions(int64(len(ids)))
		if len(ids) < s.cfg.BatchSize {
			break
		}
	}
	if len(swept) == 0 {
		return nil
	}

	for _, id := range swept {
		evt := events.NewEvent(events.TypePresenceStale, id.String(), "", now, map[string]any{
			"cutoff": cutoff.Format(time.RFC3339),
		})
		if err := s.events.Publish(ctx, evt); err != nil {
			s.logJobError(ctx, run, "presence.stale.publish_failed", err, zap.String("license_id", id.String()))
		}
	}

	_ = s.auditSvc.AuditLog(ctx, auditdomain.ActionPresenceSweep, auditdomain.TargetTypeServerState, nil, map[string]any{
		"count":       len(swept),
		"cutoff":      cutoff.Format(time.RFC3339),
		"license_ids": idStrings(swept),
	})
	return nil
}

func (s *Scheduler) FleetRefreshJob(ctx context.Context) error {
	if err := s.fleet.Refresh(ctx); err != nil {
		s.logJobError(ctx, jobRunFromContext(ctx), "fleet.refresh.failed", err)
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobFleetRefresh, obsmetrics.ResourceFleetMetrics, 1)
	return nil
}

func idStrings(ids []snowflake.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
