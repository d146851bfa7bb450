package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskLicenseKey keeps the public prefix and tag of a license key and the
// last group, e.g. FVM-2024-****-7Q2Z.
func MaskLicenseKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "-")
	if len(parts) < 4 {
		return MaskSecret(trimmed)
	}
	return strings.Join([]string{parts[0], parts[1], maskToken, parts[len(parts)-1]}, "-")
}
