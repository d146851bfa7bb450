package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LicensePolicy carries the tunables that shape issued licenses and the
// payloads returned to game servers.
type LicensePolicy struct {
	KeyPrefix         string `mapstructure:"keyPrefix"`
	KeyTag            string `mapstructure:"keyTag"`
	DefaultServerPort int    `mapstructure:"defaultServerPort"`
	DefaultMaxPlayers int    `mapstructure:"defaultMaxPlayers"`
	ServerIP          string `mapstructure:"serverIP"`
	APIVersion        string `mapstructure:"apiVersion"`
}

func DefaultLicensePolicy() LicensePolicy {
	return LicensePolicy{
		KeyPrefix:         "FVM",
		KeyTag:            "2024",
		DefaultServerPort: 30120,
		DefaultMaxPlayers: 32,
		ServerIP:          "127.0.0.1",
		APIVersion:        "1.0.0",
	}
}

type PolicyHolder struct {
	current atomic.Value // holds LicensePolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p LicensePolicy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("license")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/licensehub/config")
	v.AddConfigPath("/etc/licensehub")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LICENSEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLicensePolicy()
	v.SetDefault("license.keyPrefix", defaults.KeyPrefix)
	v.SetDefault("license.keyTag", defaults.KeyTag)
	v.SetDefault("license.defaultServerPort", defaults.DefaultServerPort)
	v.SetDefault("license.defaultMaxPlayers", defaults.DefaultMaxPlayers)
	v.SetDefault("license.serverIP", defaults.ServerIP)
	v.SetDefault("license.apiVersion", defaults.APIVersion)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var policy LicensePolicy
	if err := v.UnmarshalKey("license", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LicensePolicy
		if err := v.UnmarshalKey("license", &updated); err != nil {
			log.Printf("[license-policy] reload failed: %v", err)
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Printf("[license-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[license-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() LicensePolicy {
	return h.current.Load().(LicensePolicy)
}

func validatePolicy(p LicensePolicy) error {
	if strings.TrimSpace(p.KeyPrefix) == "" || strings.TrimSpace(p.KeyTag) == "" {
		return errors.New("license.keyPrefix and license.keyTag are required")
	}
	if p.DefaultServerPort <= 0 || p.DefaultServerPort > 65535 {
		return errors.New("license.defaultServerPort out of range")
	}
	if p.DefaultMaxPlayers <= 0 {
		return errors.New("license.defaultMaxPlayers must be positive")
	}
	if strings.TrimSpace(p.APIVersion) == "" {
		return errors.New("license.apiVersion cannot be empty")
	}
	return nil
}
