package push

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a signed registration message.
const DefaultTTL = 2 * time.Minute

var (
	ErrMissingSecret    = errors.New("push registration secret missing")
	ErrMissingChallenge = errors.New("push registration challenge missing")
	ErrInvalidMessage   = errors.New("invalid push registration message")
)

// Registration is everything needed to register one device for one push mechanism.
type Registration struct {
	Endpoint           string
	MessageID          string
	LoadBalancerCookie string
	Secret             []byte
	Challenge          []byte
	MechanismUID       string
	DeviceID           string
	DeviceType         string
	CommunicationType  string
}

// Claims is the payload of the signed registration message.
type Claims struct {
	Response          string `json:"response"`
	MechanismUID      string `json:"mechanismUid"`
	DeviceID          string `json:"deviceId"`
	DeviceType        string `json:"deviceType"`
	CommunicationType string `json:"communicationType"`
	jwt.RegisteredClaims
}

// ChallengeResponse is base64(HMAC-SHA256(secret, challenge)).
func ChallengeResponse(secret, challenge []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(challenge)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign returns the registration message for reg, issued at now.
func Sign(reg Registration, now time.Time) (string, error) {
	if len(reg.Secret) == 0 {
		return "", ErrMissingSecret
	}
	if len(reg.Challenge) == 0 {
		return "", ErrMissingChallenge
	}

	claims := Claims{
		Response:          ChallengeResponse(reg.Secret, reg.Challenge),
		MechanismUID:      reg.MechanismUID,
		DeviceID:          reg.DeviceID,
		DeviceType:        reg.DeviceType,
		CommunicationType: reg.CommunicationType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DefaultTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(reg.Secret)
}

// Parse verifies a registration message against secret and returns its claims. It is the
// server half of [Sign] and is used by tests and by registration endpoints written in Go.
func Parse(tokenStr string, secret []byte) (*Claims, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidMessage, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidMessage
	}
	return claims, nil
}
