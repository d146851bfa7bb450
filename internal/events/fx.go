package events

import (
	"context"
	"time"

	"github.com/smallbiznis/licensehub/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewPublisher wires the kafka publisher when events are enabled and falls
// back to a no-op publisher otherwise.
func NewPublisher(p Params) Publisher {
	log := p.Log.Named("events")
	cfg := p.Config.Events
	if !cfg.Enabled {
		return NewNoopPublisher()
	}
	pub, err := NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		log.Warn("kafka publisher disabled", zap.Error(err))
		return NewNoopPublisher()
	}
	log.Info("kafka publisher enabled", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pub.Close()
		},
	})
	return &loggingPublisher{next: pub, log: log}
}

// loggingPublisher never fails the caller; lifecycle events are best effort.
type loggingPublisher struct {
	next Publisher
	log  *zap.Logger
}

func (p *loggingPublisher) Publish(ctx context.Context, evt Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.next.Publish(ctx, evt); err != nil {
		p.log.Warn("publish license event failed",
			zap.String("event_type", evt.Type),
			zap.String("event_id", evt.ID),
			zap.String("license_id", evt.LicenseID),
			zap.Error(err),
		)
	}
	return nil
}

func (p *loggingPublisher) Close() error { return p.next.Close() }
