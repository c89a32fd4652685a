package goAuthenticator

import (
	"context"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// OTPFactory builds HOTP and TOTP mechanisms from otpauth URIs:
//
//	otpauth://totp/Example:alice?secret=JBSWY3DPEHPK3PXP&issuer=Example&digits=6&period=30
type OTPFactory struct {
	cfg      OTPConfig
	pipeline *pipeline
}

// NewOTPFactory returns a standalone factory that neither logs nor records metrics. Factories
// registered through [Builder.WithOTP] share the registry's logger, metrics and audit sink.
func NewOTPFactory(cfg OTPConfig) *OTPFactory {
	return newOTPFactory(cfg, defaultPipeline())
}

func newOTPFactory(cfg OTPConfig, p *pipeline) *OTPFactory {
	defaults := DefaultConfig().OTP
	if cfg.Protocol == "" {
		cfg.Protocol = defaults.Protocol
		if cfg.Aliases == nil {
			cfg.Aliases = defaults.Aliases
		}
	}
	if cfg.DefaultAlgorithm == "" {
		cfg.DefaultAlgorithm = defaults.DefaultAlgorithm
	}
	if cfg.DefaultDigits == 0 {
		cfg.DefaultDigits = defaults.DefaultDigits
	}
	if cfg.DefaultPeriod == 0 {
		cfg.DefaultPeriod = defaults.DefaultPeriod
	}
	if len(cfg.AllowedDigits) == 0 {
		cfg.AllowedDigits = defaults.AllowedDigits
	}
	if cfg.MinSecretBytes == 0 {
		cfg.MinSecretBytes = defaults.MinSecretBytes
	}
	return &OTPFactory{cfg: cfg, pipeline: p}
}

// SupportedProtocol implements [MechanismFactory].
func (f *OTPFactory) SupportedProtocol() string {
	return f.cfg.Protocol
}

// ProtocolAliases implements [ProtocolAliases].
func (f *OTPFactory) ProtocolAliases() []string {
	return append([]string(nil), f.cfg.Aliases...)
}

// Supports implements [MechanismFactory]. Only the scheme is inspected.
func (f *OTPFactory) Supports(uri *url.URL) bool {
	return schemeIs(uri, f.cfg.Protocol) || schemeIs(uri, f.cfg.Aliases...)
}

// Build implements [MechanismFactory].
func (f *OTPFactory) Build(ctx context.Context, uri *url.URL, store IdentityStore, model IdentityModel, onComplete CompletionFunc) {
	f.pipeline.start(ctx, buildSteps{
		protocol: f.cfg.Protocol,
		parse:    func() (*Mechanism, error) { return f.parse(uri) },
	}, store, model, onComplete)
}

func (f *OTPFactory) parse(uri *url.URL) (*Mechanism, error) {
	protocol := f.cfg.Protocol
	if uri == nil {
		return nil, malformed(protocol, "uri", "missing")
	}

	otp := &OTPMechanism{}
	switch OTPType(strings.ToLower(uri.Host)) {
	case OTPTypeTOTP:
		otp.Type = OTPTypeTOTP
	case OTPTypeHOTP:
		otp.Type = OTPTypeHOTP
	default:
		return nil, malformed(protocol, "type", "must be totp or hotp")
	}

	ref, err := parseLabel(protocol, uri)
	if err != nil {
		return nil, err
	}

	q := uri.Query()
	if issuer := strings.TrimSpace(q.Get("issuer")); issuer != "" {
		ref.Issuer = issuer
	}
	if ref.Issuer == "" {
		return nil, malformed(protocol, "issuer", "missing")
	}

	rawSecret := q.Get("secret")
	if strings.TrimSpace(rawSecret) == "" {
		return nil, malformed(protocol, "secret", "missing")
	}
	secret, err := decodeBase32Secret(rawSecret)
	if err != nil {
		return nil, malformed(protocol, "secret", "not base32")
	}
	if len(secret) < f.cfg.MinSecretBytes {
		return nil, malformed(protocol, "secret", "too short")
	}
	otp.Secret = secret

	otp.Algorithm = strings.ToUpper(f.cfg.DefaultAlgorithm)
	if v := strings.TrimSpace(q.Get("algorithm")); v != "" {
		if _, err := hmacFunc(v); err != nil {
			return nil, malformed(protocol, "algorithm", "unsupported")
		}
		otp.Algorithm = strings.ToUpper(v)
	}

	otp.Digits = f.cfg.DefaultDigits
	if v := strings.TrimSpace(q.Get("digits")); v != "" {
		digits, err := strconv.Atoi(v)
		if err != nil || !slices.Contains(f.cfg.AllowedDigits, digits) {
			return nil, malformed(protocol, "digits", "unsupported")
		}
		otp.Digits = digits
	}

	switch otp.Type {
	case OTPTypeTOTP:
		otp.Period = f.cfg.DefaultPeriod
		if v := strings.TrimSpace(q.Get("period")); v != "" {
			period, err := strconv.Atoi(v)
			if err != nil || period <= 0 {
				return nil, malformed(protocol, "period", "must be a positive integer")
			}
			otp.Period = period
		}
	case OTPTypeHOTP:
		if v := strings.TrimSpace(q.Get("counter")); v != "" {
			counter, err := strconv.ParseInt(v, 10, 64)
			if err != nil || counter < 0 {
				return nil, malformed(protocol, "counter", "must be a non-negative integer")
			}
			otp.Counter = counter
		}
	}

	return &Mechanism{
		Identity: ref,
		Kind:     KindOTP,
		OTP:      otp,
	}, nil
}

// parseLabel reads "Issuer:account" or "account" from the URI path. A literal ':' in the escaped
// path separates the parts, so escaped colons stay inside a component.
func parseLabel(protocol string, uri *url.URL) (IdentityRef, error) {
	raw := strings.TrimPrefix(uri.EscapedPath(), "/")
	if strings.TrimSpace(raw) == "" {
		return IdentityRef{}, malformed(protocol, "label", "missing")
	}

	var ref IdentityRef
	if issuer, account, ok := strings.Cut(raw, ":"); ok {
		var err error
		if ref.Issuer, err = unescapeLabelPart(issuer); err != nil {
			return IdentityRef{}, malformed(protocol, "label", "bad escape")
		}
		if ref.AccountName, err = unescapeLabelPart(account); err != nil {
			return IdentityRef{}, malformed(protocol, "label", "bad escape")
		}
	} else {
		// No literal separator: some generators escape it too.
		label := strings.TrimPrefix(uri.Path, "/")
		if issuer, account, ok := strings.Cut(label, ":"); ok {
			ref.Issuer = strings.TrimSpace(issuer)
			ref.AccountName = strings.TrimSpace(account)
		} else {
			ref.AccountName = strings.TrimSpace(label)
		}
	}
	if ref.AccountName == "" {
		return IdentityRef{}, malformed(protocol, "label", "missing account name")
	}
	return ref, nil
}

func unescapeLabelPart(s string) (string, error) {
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
