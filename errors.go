package goAuthenticator

import (
	"errors"
	"strings"
)

var (
	// ErrUnsupportedMechanismKind is returned synchronously by [Registry.Build] when no
	// registered factory claims the URI.
	ErrUnsupportedMechanismKind = errors.New("unsupported mechanism kind")
	// ErrMalformedMechanismURI is matched by every [*MalformedURIError].
	ErrMalformedMechanismURI = errors.New("malformed mechanism uri")
	// ErrPersistenceFailed wraps identity store and push registration failures.
	ErrPersistenceFailed = errors.New("mechanism persistence failed")
	// ErrIdentityNotFound is reported when the target identity is missing at association time.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrModelAssociationFailed is reported when the identity model rejects a mechanism for any
	// reason other than a missing identity.
	ErrModelAssociationFailed = errors.New("mechanism model association failed")
	// ErrCompensationFailed is joined to the build error when the compensating delete fails.
	ErrCompensationFailed = errors.New("compensating delete failed")
	// ErrInvalidBuildRequest is returned synchronously for nil collaborators.
	ErrInvalidBuildRequest = errors.New("invalid build request")
	// ErrDuplicateProtocol is returned by [Builder.Build] when two factories claim one protocol.
	ErrDuplicateProtocol = errors.New("duplicate mechanism protocol")
	// ErrDuplicateMechanism is returned by [MemoryIdentityModel.InsertMechanism] for a repeated
	// mechanism ID.
	ErrDuplicateMechanism = errors.New("duplicate mechanism")
	// ErrMechanismNotFound is returned by store lookups for missing records.
	ErrMechanismNotFound = errors.New("mechanism not found")
	// ErrRegistryNotReady is returned when a nil or closed registry is used.
	ErrRegistryNotReady = errors.New("registry not initialized")
	// ErrNotCounterBased is returned when a HOTP-only operation is applied to another mechanism.
	ErrNotCounterBased = errors.New("mechanism is not counter based")
	// ErrBuildPanicked is reported when a factory panics during a build.
	ErrBuildPanicked = errors.New("mechanism build panicked")
)

// MalformedURIError identifies the URI field that failed validation.
type MalformedURIError struct {
	Protocol string
	Field    string
	Reason   string
}

func (e *MalformedURIError) Error() string {
	var b strings.Builder
	b.WriteString(ErrMalformedMechanismURI.Error())
	if e.Protocol != "" {
		b.WriteString(" (")
		b.WriteString(e.Protocol)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Field)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Is reports whether target is [ErrMalformedMechanismURI].
func (e *MalformedURIError) Is(target error) bool {
	return target == ErrMalformedMechanismURI
}

func malformed(protocol, field, reason string) error {
	return &MalformedURIError{Protocol: protocol, Field: field, Reason: reason}
}

// IsUserFixable reports whether err came from URI input the user can correct by re-scanning or
// re-entering it, as opposed to an environment failure worth retrying later.
func IsUserFixable(err error) bool {
	return errors.Is(err, ErrMalformedMechanismURI) || errors.Is(err, ErrUnsupportedMechanismKind)
}
