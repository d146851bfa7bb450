// Package validation answers the unauthenticated license checks made by game
// servers and records their presence.
package validation

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/audit/masking"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	licensedomain "github.com/smallbiznis/licensehub/internal/license/domain"
	"github.com/smallbiznis/licensehub/internal/observability/metrics"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	EndpointValidate       = "validate"
	EndpointValidateScript = "validate_script"
	EndpointHeartbeat      = "heartbeat"

	outcomeValid = "valid"
)

//go:generate mockgen -source=engine.go -destination=./mocks/mock_engine.go -package=mocks

type Engine interface {
	Validate(ctx context.Context, key string) (*Result, error)
	ValidateScript(ctx context.Context, key, scriptName string) (*Result, error)
	Heartbeat(ctx context.Context, key string, players int, maxPlayers *int) (*Result, error)
}

type LicenseInfo struct {
	ScriptName string     `json:"script_name,omitempty"`
	ServerName string     `json:"server_name"`
	MaxPlayers int        `json:"max_players"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Owner      string     `json:"owner"`
}

type SystemInfo struct {
	ServerIP       string     `json:"server_ip"`
	APIVersion     string     `json:"api_version"`
	ValidationTime *time.Time `json:"validation_time,omitempty"`
}

// Result is a validation decision. Business rejections are results, not
// errors; errors are reserved for storage failures.
type Result struct {
	Valid     bool
	Reason    licensedomain.Reason
	LicenseID snowflake.ID
	License   *LicenseInfo
	System    SystemInfo
}

// Message is the human text for a rejection.
func (r *Result) Message() string {
	return r.Reason.Message()
}

// Outcome is the low-cardinality label for metrics and logs.
func (r *Result) Outcome() string {
	if r.Valid {
		return outcomeValid
	}
	return string(r.Reason)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Licenses licensedomain.Service
	Presence presencedomain.Tracker
	Policy   *config.PolicyHolder
	Metrics  *metrics.Metrics `optional:"true"`
}

type engine struct {
	log      *zap.Logger
	clock    clock.Clock
	licenses licensedomain.Service
	presence presencedomain.Tracker
	policy   *config.PolicyHolder
	metrics  *metrics.Metrics
}

func New(p Params) Engine {
	return &engine{
		log:      p.Log.Named("validation.engine"),
		clock:    p.Clock,
		licenses: p.Licenses,
		presence: p.Presence,
		policy:   p.Policy,
		metrics:  p.Metrics,
	}
}

// Validate never touches presence.
func (e *engine) Validate(ctx context.Context, key string) (*Result, error) {
	rec, err := e.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	res := e.evaluate(rec)
	if res.Valid {
		res.License = licenseInfo(rec, false)
	}
	e.finish(ctx, EndpointValidate, key, res)
	return res, nil
}

// ValidateScript marks the server online on success. A script mismatch is
// reported exactly like an unknown key.
func (e *engine) ValidateScript(ctx context.Context, key, scriptName string) (*Result, error) {
	rec, err := e.licenses.GetByKeyAndScript(ctx, key, scriptName)
	if err != nil {
		return nil, err
	}
	res := e.evaluate(rec)
	if res.Valid {
		gone, err := e.applyHeartbeat(ctx, rec, nil)
		if err != nil {
			return nil, err
		}
		if gone {
			res = e.evaluate(nil)
			e.finish(ctx, EndpointValidateScript, key, res)
			return res, nil
		}
		now := e.clock.Now()
		res.License = licenseInfo(rec, true)
		res.System.ValidationTime = &now
	}
	e.finish(ctx, EndpointValidateScript, key, res)
	return res, nil
}

// Heartbeat records the reported player count. maxPlayers is accepted for
// compatibility and never stored.
func (e *engine) Heartbeat(ctx context.Context, key string, players int, maxPlayers *int) (*Result, error) {
	rec, err := e.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	res := e.evaluate(rec)
	if res.Valid {
		if players < 0 {
			players = 0
		}
		gone, err := e.applyHeartbeat(ctx, rec, &players)
		if err != nil {
			return nil, err
		}
		if gone {
			res = e.evaluate(nil)
			e.finish(ctx, EndpointHeartbeat, key, res)
			return res, nil
		}
		e.metrics.RecordHeartbeat(ctx, players)
		if maxPlayers != nil && *maxPlayers != rec.MaxPlayers {
			e.log.Debug("reported max players differs from license",
				zap.String("license_id", rec.ID.String()),
				zap.Int("reported", *maxPlayers),
				zap.Int("licensed", rec.MaxPlayers),
			)
		}
	}
	e.finish(ctx, EndpointHeartbeat, key, res)
	return res, nil
}

// applyHeartbeat reports gone when the license was deleted after the ladder
// passed; the caller then answers as for an unknown key.
func (e *engine) applyHeartbeat(ctx context.Context, rec *licensedomain.LicenseRecord, players *int) (bool, error) {
	err := e.presence.ApplyHeartbeat(ctx, rec.ID, players)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, presencedomain.ErrLicenseGone):
		e.log.Debug("license deleted during heartbeat", zap.String("license_id", rec.ID.String()))
		return true, nil
	default:
		return false, err
	}
}

func (e *engine) evaluate(rec *licensedomain.LicenseRecord) *Result {
	policy := e.policy.Get()
	res := &Result{
		System: SystemInfo{
			ServerIP:   policy.ServerIP,
			APIVersion: policy.APIVersion,
		},
	}
	if rec == nil {
		res.Reason = licensedomain.ReasonUnknownKey
		return res
	}
	res.LicenseID = rec.ID
	res.Reason = licensedomain.Evaluate(&rec.License, e.clock.Now())
	res.Valid = res.Reason == licensedomain.ReasonNone
	return res
}

func (e *engine) finish(ctx context.Context, endpoint, key string, res *Result) {
	e.metrics.RecordValidation(ctx, endpoint, res.Outcome())

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("validation.outcome", res.Outcome()))
	if res.LicenseID != 0 {
		span.SetAttributes(attribute.String("license.id", res.LicenseID.String()))
	}

	if !res.Valid {
		e.log.Debug("license rejected",
			zap.String("endpoint", endpoint),
			zap.String("license_key", masking.MaskLicenseKey(key)),
			zap.String("reason", string(res.Reason)),
		)
	}
}

func licenseInfo(rec *licensedomain.LicenseRecord, withScript bool) *LicenseInfo {
	info := &LicenseInfo{
		ServerName: rec.ServerName,
		MaxPlayers: rec.MaxPlayers,
		ExpiresAt:  rec.ExpiresAt,
		Owner:      rec.OwnerUsername,
	}
	if withScript {
		info.ScriptName = rec.ScriptName
	}
	return info
}
