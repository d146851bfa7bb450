package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskLicenseKey(t *testing.T) {
	assert.Equal(t, "FVM-2024-****-7Q2Z", MaskLicenseKey("FVM-2024-AB12-CD34-EF56-7Q2Z"))
	assert.Equal(t, "****cret", MaskLicenseKey("supersecret"))
	assert.Equal(t, "", MaskLicenseKey("  "))
}

func TestMaskSecretShortValues(t *testing.T) {
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****6789", MaskSecret("0123456789"))
}
