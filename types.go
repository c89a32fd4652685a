package goAuthenticator

import (
	"context"
	"net/url"
	"time"
)

// MechanismKind discriminates the [Mechanism] variants.
type MechanismKind uint8

const (
	// KindUnknown is the zero value and never persisted.
	KindUnknown MechanismKind = iota
	// KindOTP marks a HOTP/TOTP code generator.
	KindOTP
	// KindPush marks a push-authentication registration.
	KindPush
)

func (k MechanismKind) String() string {
	switch k {
	case KindOTP:
		return "otp"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// ParseMechanismKind maps the String form back to a kind.
func ParseMechanismKind(s string) MechanismKind {
	switch s {
	case "otp":
		return KindOTP
	case "push":
		return KindPush
	default:
		return KindUnknown
	}
}

// IdentityRef addresses an [Identity] by issuer and account name. Mechanisms hold it as a back
// reference; they never own the identity.
type IdentityRef struct {
	Issuer      string
	AccountName string
}

func (r IdentityRef) String() string {
	return r.Issuer + ":" + r.AccountName
}

// Valid reports whether both parts are set.
func (r IdentityRef) Valid() bool {
	return r.Issuer != "" && r.AccountName != ""
}

// Mechanism is a persisted authentication method owned by an identity. Exactly one of OTP and
// Push is set, matching Kind.
type Mechanism struct {
	ID        string
	Identity  IdentityRef
	Kind      MechanismKind
	Protocol  string
	CreatedAt time.Time

	OTP  *OTPMechanism
	Push *PushMechanism
}

// OTPType selects counter-based or time-based codes.
type OTPType string

const (
	// OTPTypeHOTP is RFC 4226 counter-based.
	OTPTypeHOTP OTPType = "hotp"
	// OTPTypeTOTP is RFC 6238 time-based.
	OTPTypeTOTP OTPType = "totp"
)

// OTPMechanism is the configuration of a code generator.
type OTPMechanism struct {
	Type      OTPType
	Secret    []byte
	Algorithm string
	Digits    int
	Period    int
	Counter   int64
}

// PushMechanism is the configuration of a push registration.
type PushMechanism struct {
	RegistrationEndpoint   string
	AuthenticationEndpoint string
	Secret                 []byte
	DeviceToken            string
	BackgroundColor        string
	ImageURL               string
}

// StoreHandle identifies a persisted mechanism record inside an [IdentityStore].
type StoreHandle string

// BuildResult is the terminal outcome of one build. Either Err is nil and both Mechanism and
// Handle are set, or Err is set and nothing was left persisted or associated.
type BuildResult struct {
	Mechanism *Mechanism
	Handle    StoreHandle
	Err       error
}

// Success reports whether the build persisted and associated a mechanism.
func (r BuildResult) Success() bool {
	return r.Err == nil && r.Mechanism != nil
}

// CompletionFunc receives the outcome of an accepted build exactly once.
type CompletionFunc func(BuildResult)

// IdentityStore is the durable write path for mechanisms.
//
// Delete must treat an unknown handle as already deleted. When Persist fails with a context
// deadline or cancellation the write may still have committed, so the registry calls Delete
// with StoreHandle(m.ID); stores whose handles are not mechanism IDs see an unknown handle and
// keep the record.
type IdentityStore interface {
	Persist(ctx context.Context, m *Mechanism) (StoreHandle, error)
	Delete(ctx context.Context, handle StoreHandle) error
}

// IdentityModel is the in-memory aggregate a persisted mechanism is associated with.
// Implementations must serialize InsertMechanism per identity.
type IdentityModel interface {
	FindIdentity(ref IdentityRef) (*Identity, bool)
	InsertMechanism(identity *Identity, m *Mechanism) error
}

// MechanismFactory validates and builds one kind of mechanism from a URI.
//
// Supports must be pure and look only at the URI. Build must invoke onComplete exactly once,
// after validation, persistence and association have fully resolved.
type MechanismFactory interface {
	Supports(uri *url.URL) bool
	SupportedProtocol() string
	Build(ctx context.Context, uri *url.URL, store IdentityStore, model IdentityModel, onComplete CompletionFunc)
}

// ProtocolAliases is implemented by factories that claim schemes besides SupportedProtocol.
// The registry uses it for the startup uniqueness check.
type ProtocolAliases interface {
	ProtocolAliases() []string
}
