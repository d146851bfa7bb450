// Package keygen issues license keys of the form PREFIX-TAG-XXXX-XXXX-XXXX-XXXX.
package keygen

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/license/domain"
)

const (
	alphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	groups     = 4
	groupWidth = 4
)

var alphabetSize = big.NewInt(int64(len(alphabet)))

type generator struct {
	policy *config.PolicyHolder
}

// New returns a generator reading prefix and tag from the live policy.
func New(policy *config.PolicyHolder) domain.KeyGenerator {
	return &generator{policy: policy}
}

func (g *generator) Generate() (string, error) {
	p := g.policy.Get()
	return Generate(p.KeyPrefix, p.KeyTag)
}

// Generate draws each symbol uniformly from [A-Z0-9] using crypto/rand.
func Generate(prefix, tag string) (string, error) {
	var b strings.Builder
	b.Grow(len(prefix) + len(tag) + groups*(groupWidth+1) + 1)
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(tag)
	for i := 0; i < groups; i++ {
		b.WriteByte('-')
		for j := 0; j < groupWidth; j++ {
			n, err := rand.Int(rand.Reader, alphabetSize)
			if err != nil {
				return "", err
			}
			b.WriteByte(alphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// IsWellFormed checks the key grammar for the given prefix and tag.
func IsWellFormed(key, prefix, tag string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != groups+2 || parts[0] != prefix || parts[1] != tag {
		return false
	}
	for _, group := range parts[2:] {
		if len(group) != groupWidth {
			return false
		}
		for i := 0; i < len(group); i++ {
			if strings.IndexByte(alphabet, group[i]) < 0 {
				return false
			}
		}
	}
	return true
}
