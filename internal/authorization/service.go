package authorization

import (
	"context"
	"errors"

	"github.com/smallbiznis/licensehub/internal/principal"
)

const (
	ObjectLicense  = "license"
	ObjectStats    = "stats"
	ObjectUser     = "user"
	ObjectAuditLog = "audit_log"
	ObjectProfile  = "profile"
)

const (
	ActionLicenseView   = "license.view"
	ActionLicenseCreate = "license.create"
	ActionLicenseUpdate = "license.update"
	ActionLicenseDelete = "license.delete"

	ActionStatsView = "stats.view"

	ActionUserView   = "user.view"
	ActionUserCreate = "user.create"
	ActionUserUpdate = "user.update"
	ActionUserDelete = "user.delete"

	ActionAuditLogView = "audit_log.view"

	ActionProfileView = "profile.view"
)

// Service decides capability checks by role. Ownership of individual
// licenses is enforced by the license service.
type Service interface {
	Authorize(ctx context.Context, p principal.Principal, object, action string) error
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
