package goAuthenticator

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var errEmptyOTPSecret = errors.New("empty otp secret")

// Code returns the code for now (TOTP) or for the stored counter (HOTP).
func (o *OTPMechanism) Code(now time.Time) (string, error) {
	if o == nil || len(o.Secret) == 0 {
		return "", errEmptyOTPSecret
	}
	return hotpCode(o.Secret, o.counterAt(now), o.Digits, o.Algorithm)
}

// Verify checks code against the window [-skew, +skew] around the current step and returns the
// matching counter. For HOTP the window starts at the stored counter and only looks ahead.
func (o *OTPMechanism) Verify(code string, now time.Time, skew int) (bool, int64, error) {
	if o == nil || len(o.Secret) == 0 {
		return false, 0, errEmptyOTPSecret
	}

	trimmed := strings.TrimSpace(code)
	if len(trimmed) != o.Digits || !isNumericString(trimmed) {
		return false, 0, nil
	}

	base := o.counterAt(now)
	lo := -skew
	if o.Type == OTPTypeHOTP {
		lo = 0
	}
	for step := lo; step <= skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotpCode(o.Secret, counter, o.Digits, o.Algorithm)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

func (o *OTPMechanism) counterAt(now time.Time) int64 {
	if o.Type == OTPTypeHOTP {
		return o.Counter
	}
	return now.Unix() / int64(o.Period)
}

// ProvisionURI renders the mechanism back into an otpauth URI for the given identity.
func (o *OTPMechanism) ProvisionURI(protocol string, identity IdentityRef) string {
	if protocol == "" {
		protocol = "otpauth"
	}
	label := escapeLabelPart(identity.Issuer) + ":" + escapeLabelPart(identity.AccountName)

	v := url.Values{}
	v.Set("secret", base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(o.Secret))
	v.Set("issuer", identity.Issuer)
	v.Set("digits", strconv.Itoa(o.Digits))
	v.Set("algorithm", strings.ToUpper(o.Algorithm))
	if o.Type == OTPTypeHOTP {
		v.Set("counter", strconv.FormatInt(o.Counter, 10))
	} else {
		v.Set("period", strconv.Itoa(o.Period))
	}

	return protocol + "://" + string(o.Type) + "/" + label + "?" + v.Encode()
}

// escapeLabelPart escapes a label component so a ':' inside it cannot be read as the
// issuer/account separator.
func escapeLabelPart(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ":", "%3A")
}

func decodeBase32Secret(s string) ([]byte, error) {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	cleaned = strings.TrimRight(cleaned, "=")
	if cleaned == "" {
		return nil, errEmptyOTPSecret
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(cleaned)
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	code := bin % mod
	return fmt.Sprintf("%0*d", digits, code), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported otp algorithm")
	}
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
