package goAuthenticator

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "defaults valid",
			mutate:    func(*Config) {},
			wantValid: true,
		},
		{
			name: "persist timeout disabled valid",
			mutate: func(c *Config) {
				c.Registry.PersistTimeout = 0
			},
			wantValid: true,
		},
		{
			name: "persist timeout negative invalid",
			mutate: func(c *Config) {
				c.Registry.PersistTimeout = -time.Second
			},
			wantValid: false,
		},
		{
			name: "compensation timeout zero invalid",
			mutate: func(c *Config) {
				c.Registry.CompensationTimeout = 0
			},
			wantValid: false,
		},
		{
			name: "otp protocol blank invalid",
			mutate: func(c *Config) {
				c.OTP.Protocol = "  "
			},
			wantValid: false,
		},
		{
			name: "otp algorithm sha512 valid",
			mutate: func(c *Config) {
				c.OTP.DefaultAlgorithm = "sha512"
			},
			wantValid: true,
		},
		{
			name: "otp algorithm md5 invalid",
			mutate: func(c *Config) {
				c.OTP.DefaultAlgorithm = "MD5"
			},
			wantValid: false,
		},
		{
			name: "otp default digits not allowed invalid",
			mutate: func(c *Config) {
				c.OTP.DefaultDigits = 7
			},
			wantValid: false,
		},
		{
			name: "otp allowed digits out of range invalid",
			mutate: func(c *Config) {
				c.OTP.AllowedDigits = []int{4, 6}
			},
			wantValid: false,
		},
		{
			name: "otp allowed digits empty invalid",
			mutate: func(c *Config) {
				c.OTP.AllowedDigits = nil
			},
			wantValid: false,
		},
		{
			name: "otp period zero invalid",
			mutate: func(c *Config) {
				c.OTP.DefaultPeriod = 0
			},
			wantValid: false,
		},
		{
			name: "otp min secret zero invalid",
			mutate: func(c *Config) {
				c.OTP.MinSecretBytes = 0
			},
			wantValid: false,
		},
		{
			name: "push protocol blank invalid",
			mutate: func(c *Config) {
				c.Push.Protocol = ""
			},
			wantValid: false,
		},
		{
			name: "push registration timeout negative invalid",
			mutate: func(c *Config) {
				c.Push.RegistrationTimeout = -time.Second
			},
			wantValid: false,
		},
		{
			name: "redis prefix empty invalid",
			mutate: func(c *Config) {
				c.Store.RedisPrefix = ""
			},
			wantValid: false,
		},
		{
			name: "audit enabled without buffer invalid",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.BufferSize = 0
			},
			wantValid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneConfigCopiesSlices(t *testing.T) {
	cfg := DefaultConfig()
	clone := cloneConfig(cfg)
	clone.OTP.Aliases[0] = "changed"
	clone.OTP.AllowedDigits[0] = 10
	if cfg.OTP.Aliases[0] != "otp" || cfg.OTP.AllowedDigits[0] != 6 {
		t.Fatal("cloneConfig must not share slices")
	}
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OTP.DefaultPeriod = -1
	if _, err := New().WithConfig(cfg).WithOTP().Build(); err == nil {
		t.Fatal("expected Build to reject invalid config")
	}
}
