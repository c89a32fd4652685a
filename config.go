package goAuthenticator

import (
	"errors"
	"strings"
	"time"
)

// Config defines a public type used by goAuthenticator APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Registry RegistryConfig
	OTP      OTPConfig
	Push     PushConfig
	Store    StoreConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
REGISTRY CONFIG
====================================
*/

// RegistryConfig controls dispatch and the persist step shared by all factories.
type RegistryConfig struct {
	// PersistTimeout bounds the persist step; zero disables the bound.
	PersistTimeout time.Duration
	// CompensationTimeout bounds the compensating delete, which runs detached from the
	// caller's context so a cancelled build still cleans up.
	CompensationTimeout time.Duration
}

/*
====================================
OTP CONFIG
====================================
*/

// OTPConfig controls OTP URI validation and defaults.
type OTPConfig struct {
	Protocol         string
	Aliases          []string
	DefaultAlgorithm string
	DefaultDigits    int
	DefaultPeriod    int
	AllowedDigits    []int
	MinSecretBytes   int
}

/*
====================================
PUSH CONFIG
====================================
*/

// PushConfig controls push URI validation and the device details sent on registration.
type PushConfig struct {
	Protocol            string
	DeviceToken         string
	DeviceType          string
	CommunicationType   string
	RegistrationTimeout time.Duration
}

// StoreConfig defines key layout for the Redis store.
type StoreConfig struct {
	RedisPrefix string
}

// AuditConfig defines a public type used by goAuthenticator APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by goAuthenticator APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the configuration used when [Builder.WithConfig] is not called.
func DefaultConfig() Config {
	return Config{
		Registry: RegistryConfig{
			PersistTimeout:      10 * time.Second,
			CompensationTimeout: 5 * time.Second,
		},
		OTP: OTPConfig{
			Protocol:         "otpauth",
			Aliases:          []string{"otp"},
			DefaultAlgorithm: "SHA1",
			DefaultDigits:    6,
			DefaultPeriod:    30,
			AllowedDigits:    []int{6, 8},
			MinSecretBytes:   1,
		},
		Push: PushConfig{
			Protocol:            "pushauth",
			DeviceType:          "ios",
			CommunicationType:   "apns",
			RegistrationTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			RedisPrefix: "gam",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.OTP.Aliases = append([]string(nil), cfg.OTP.Aliases...)
	out.OTP.AllowedDigits = append([]int(nil), cfg.OTP.AllowedDigits...)
	return out
}

// Validate checks the configuration for values no factory can work with.
func (c *Config) Validate() error {
	if c.Registry.PersistTimeout < 0 {
		return errors.New("Registry.PersistTimeout must be >= 0")
	}
	if c.Registry.CompensationTimeout <= 0 {
		return errors.New("Registry.CompensationTimeout must be > 0")
	}

	if strings.TrimSpace(c.OTP.Protocol) == "" {
		return errors.New("OTP.Protocol must be set")
	}
	if _, err := hmacFunc(c.OTP.DefaultAlgorithm); err != nil {
		return errors.New("OTP.DefaultAlgorithm must be SHA1, SHA256 or SHA512")
	}
	if len(c.OTP.AllowedDigits) == 0 {
		return errors.New("OTP.AllowedDigits must not be empty")
	}
	defaultAllowed := false
	for _, d := range c.OTP.AllowedDigits {
		if d < 6 || d > 10 {
			return errors.New("OTP.AllowedDigits entries must be between 6 and 10")
		}
		if d == c.OTP.DefaultDigits {
			defaultAllowed = true
		}
	}
	if !defaultAllowed {
		return errors.New("OTP.DefaultDigits must be one of OTP.AllowedDigits")
	}
	if c.OTP.DefaultPeriod <= 0 {
		return errors.New("OTP.DefaultPeriod must be > 0")
	}
	if c.OTP.MinSecretBytes <= 0 {
		return errors.New("OTP.MinSecretBytes must be > 0")
	}

	if strings.TrimSpace(c.Push.Protocol) == "" {
		return errors.New("Push.Protocol must be set")
	}
	if c.Push.RegistrationTimeout < 0 {
		return errors.New("Push.RegistrationTimeout must be >= 0")
	}

	if c.Store.RedisPrefix == "" {
		return errors.New("Store.RedisPrefix must be set")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit.BufferSize must be > 0 when audit is enabled")
	}
	return nil
}
