package goAuthenticator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goAuthenticator/internal/stores"
)

var errInvalidMechanism = errors.New("mechanism is not persistable")

type otpPayload struct {
	Type      string `json:"type"`
	Secret    []byte `json:"secret"`
	Algorithm string `json:"algorithm"`
	Digits    int    `json:"digits"`
	Period    int    `json:"period,omitempty"`
	Counter   int64  `json:"counter,omitempty"`
}

type pushPayload struct {
	RegistrationEndpoint   string `json:"registration_endpoint"`
	AuthenticationEndpoint string `json:"authentication_endpoint"`
	Secret                 []byte `json:"secret"`
	DeviceToken            string `json:"device_token"`
	BackgroundColor        string `json:"background_color,omitempty"`
	ImageURL               string `json:"image_url,omitempty"`
}

func mechanismToRecord(m *Mechanism) (*stores.MechanismRecord, error) {
	if m == nil || m.ID == "" || !m.Identity.Valid() {
		return nil, errInvalidMechanism
	}

	var (
		payload []byte
		err     error
	)
	switch m.Kind {
	case KindOTP:
		if m.OTP == nil {
			return nil, errInvalidMechanism
		}
		payload, err = json.Marshal(otpPayload{
			Type:      string(m.OTP.Type),
			Secret:    m.OTP.Secret,
			Algorithm: m.OTP.Algorithm,
			Digits:    m.OTP.Digits,
			Period:    m.OTP.Period,
			Counter:   m.OTP.Counter,
		})
	case KindPush:
		if m.Push == nil {
			return nil, errInvalidMechanism
		}
		payload, err = json.Marshal(pushPayload{
			RegistrationEndpoint:   m.Push.RegistrationEndpoint,
			AuthenticationEndpoint: m.Push.AuthenticationEndpoint,
			Secret:                 m.Push.Secret,
			DeviceToken:            m.Push.DeviceToken,
			BackgroundColor:        m.Push.BackgroundColor,
			ImageURL:               m.Push.ImageURL,
		})
	default:
		return nil, errInvalidMechanism
	}
	if err != nil {
		return nil, err
	}

	return &stores.MechanismRecord{
		ID:          m.ID,
		Issuer:      m.Identity.Issuer,
		AccountName: m.Identity.AccountName,
		Kind:        m.Kind.String(),
		Protocol:    m.Protocol,
		CreatedAt:   m.CreatedAt.UnixNano(),
		Payload:     payload,
	}, nil
}

func recordToMechanism(r *stores.MechanismRecord) (*Mechanism, error) {
	m := &Mechanism{
		ID:        r.ID,
		Identity:  IdentityRef{Issuer: r.Issuer, AccountName: r.AccountName},
		Kind:      ParseMechanismKind(r.Kind),
		Protocol:  r.Protocol,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
	switch m.Kind {
	case KindOTP:
		var p otpPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode otp mechanism %s: %w", r.ID, err)
		}
		m.OTP = &OTPMechanism{
			Type:      OTPType(p.Type),
			Secret:    p.Secret,
			Algorithm: p.Algorithm,
			Digits:    p.Digits,
			Period:    p.Period,
			Counter:   p.Counter,
		}
	case KindPush:
		var p pushPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode push mechanism %s: %w", r.ID, err)
		}
		m.Push = &PushMechanism{
			RegistrationEndpoint:   p.RegistrationEndpoint,
			AuthenticationEndpoint: p.AuthenticationEndpoint,
			Secret:                 p.Secret,
			DeviceToken:            p.DeviceToken,
			BackgroundColor:        p.BackgroundColor,
			ImageURL:               p.ImageURL,
		}
	default:
		return nil, fmt.Errorf("mechanism %s has unknown kind %q", r.ID, r.Kind)
	}
	return m, nil
}
