package domain

import "time"

// Reason is why a license is not usable. The zero value means usable.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonUnknownKey Reason = "unknown_key"
	ReasonDisabled   Reason = "disabled"
	ReasonExpired    Reason = "expired"
)

// Message is the human-readable text returned to game servers.
func (r Reason) Message() string {
	switch r {
	case ReasonUnknownKey:
		return "invalid license key"
	case ReasonDisabled:
		return "license is disabled"
	case ReasonExpired:
		return "license has expired"
	default:
		return ""
	}
}

// Evaluate runs the fixed ladder: existence, then the active flag, then
// expiry. A license that is both disabled and expired reports disabled.
func Evaluate(l *License, now time.Time) Reason {
	if l == nil {
		return ReasonUnknownKey
	}
	if !l.IsActive {
		return ReasonDisabled
	}
	if l.IsExpired(now) {
		return ReasonExpired
	}
	return ReasonNone
}

// IsExpired reports whether expires_at is set and not after now.
func (l *License) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Usable is is_active AND (no expiry OR expiry in the future).
func (l *License) Usable(now time.Time) bool {
	return Evaluate(l, now) == ReasonNone
}
