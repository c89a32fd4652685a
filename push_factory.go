package goAuthenticator

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MrEthical07/goAuthenticator/push"
)

// PushRegistrar delivers a device registration to the push server. [push.HTTPRegistrar]
// is the default implementation.
type PushRegistrar interface {
	Register(ctx context.Context, reg push.Registration) error
}

// PushFactory builds push mechanisms from pushauth URIs:
//
//	pushauth://push/Example:alice?r=<b64url>&a=<b64url>&s=<b64>&c=<b64>&m=<id>&l=<b64>&issuer=Example
//
// Its persist step registers the device with the server before writing the store, so a
// registration failure leaves nothing persisted.
type PushFactory struct {
	cfg       PushConfig
	registrar PushRegistrar
	pipeline  *pipeline
}

// NewPushFactory returns a standalone factory. cfg.DeviceToken must be set.
func NewPushFactory(cfg PushConfig, registrar PushRegistrar) (*PushFactory, error) {
	return newPushFactory(cfg, registrar, defaultPipeline())
}

func newPushFactory(cfg PushConfig, registrar PushRegistrar, p *pipeline) (*PushFactory, error) {
	if registrar == nil {
		return nil, errors.New("push registrar required")
	}
	if strings.TrimSpace(cfg.DeviceToken) == "" {
		return nil, errors.New("Push.DeviceToken required")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = DefaultConfig().Push.Protocol
	}
	return &PushFactory{cfg: cfg, registrar: registrar, pipeline: p}, nil
}

// SupportedProtocol implements [MechanismFactory].
func (f *PushFactory) SupportedProtocol() string {
	return f.cfg.Protocol
}

// Supports implements [MechanismFactory]. Only the scheme is inspected.
func (f *PushFactory) Supports(uri *url.URL) bool {
	return schemeIs(uri, f.cfg.Protocol)
}

// pushEnrollment is the transient part of a pushauth URI. It is sent to the server and never
// stored.
type pushEnrollment struct {
	messageID string
	challenge []byte
	lbCookie  string
}

// Build implements [MechanismFactory].
func (f *PushFactory) Build(ctx context.Context, uri *url.URL, store IdentityStore, model IdentityModel, onComplete CompletionFunc) {
	var enrollment pushEnrollment
	f.pipeline.start(ctx, buildSteps{
		protocol: f.cfg.Protocol,
		parse: func() (*Mechanism, error) {
			mech, e, err := f.parse(uri)
			enrollment = e
			return mech, err
		},
		persist: func(ctx context.Context, store IdentityStore, m *Mechanism) (StoreHandle, error) {
			if err := f.register(ctx, m, enrollment); err != nil {
				return "", err
			}
			return store.Persist(ctx, m)
		},
	}, store, model, onComplete)
}

func (f *PushFactory) register(ctx context.Context, m *Mechanism, e pushEnrollment) error {
	if f.cfg.RegistrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RegistrationTimeout)
		defer cancel()
	}
	err := f.registrar.Register(ctx, push.Registration{
		Endpoint:           m.Push.RegistrationEndpoint,
		MessageID:          e.messageID,
		LoadBalancerCookie: e.lbCookie,
		Secret:             m.Push.Secret,
		Challenge:          e.challenge,
		MechanismUID:       m.ID,
		DeviceID:           m.Push.DeviceToken,
		DeviceType:         f.cfg.DeviceType,
		CommunicationType:  f.cfg.CommunicationType,
	})
	if err != nil {
		return fmt.Errorf("push registration: %w", err)
	}
	return nil
}

func (f *PushFactory) parse(uri *url.URL) (*Mechanism, pushEnrollment, error) {
	protocol := f.cfg.Protocol
	var enrollment pushEnrollment
	if uri == nil {
		return nil, enrollment, malformed(protocol, "uri", "missing")
	}
	if !strings.EqualFold(uri.Host, "push") {
		return nil, enrollment, malformed(protocol, "type", "must be push")
	}

	ref, err := parseLabel(protocol, uri)
	if err != nil {
		return nil, enrollment, err
	}
	q := uri.Query()
	if issuer := strings.TrimSpace(q.Get("issuer")); issuer != "" {
		ref.Issuer = issuer
	}
	if ref.Issuer == "" {
		return nil, enrollment, malformed(protocol, "issuer", "missing")
	}

	regEndpoint, err := decodeEndpoint(protocol, "r", q.Get("r"))
	if err != nil {
		return nil, enrollment, err
	}
	authEndpoint, err := decodeEndpoint(protocol, "a", q.Get("a"))
	if err != nil {
		return nil, enrollment, err
	}

	secret, err := decodeRequiredBase64(protocol, "s", q.Get("s"))
	if err != nil {
		return nil, enrollment, err
	}
	challenge, err := decodeRequiredBase64(protocol, "c", q.Get("c"))
	if err != nil {
		return nil, enrollment, err
	}

	enrollment.messageID = strings.TrimSpace(q.Get("m"))
	if enrollment.messageID == "" {
		return nil, enrollment, malformed(protocol, "m", "missing")
	}
	enrollment.challenge = challenge

	if v := q.Get("l"); v != "" {
		cookie, err := decodeBase64(v)
		if err != nil {
			return nil, enrollment, malformed(protocol, "l", "not base64")
		}
		enrollment.lbCookie = string(cookie)
	}

	pm := &PushMechanism{
		RegistrationEndpoint:   regEndpoint,
		AuthenticationEndpoint: authEndpoint,
		Secret:                 secret,
		DeviceToken:            f.cfg.DeviceToken,
	}
	if v := strings.TrimPrefix(strings.TrimSpace(q.Get("b")), "#"); v != "" {
		if _, err := hex.DecodeString(v); err != nil || len(v) != 6 {
			return nil, enrollment, malformed(protocol, "b", "not a hex colour")
		}
		pm.BackgroundColor = "#" + strings.ToLower(v)
	}
	if v := strings.TrimSpace(q.Get("image")); v != "" {
		if _, err := url.ParseRequestURI(v); err != nil {
			return nil, enrollment, malformed(protocol, "image", "not a url")
		}
		pm.ImageURL = v
	}

	return &Mechanism{
		Identity: ref,
		Kind:     KindPush,
		Push:     pm,
	}, enrollment, nil
}

func decodeEndpoint(protocol, field, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", malformed(protocol, field, "missing")
	}
	decoded, err := decodeBase64(raw)
	if err != nil {
		return "", malformed(protocol, field, "not base64")
	}
	endpoint, err := url.Parse(string(decoded))
	if err != nil || (endpoint.Scheme != "https" && endpoint.Scheme != "http") || endpoint.Host == "" {
		return "", malformed(protocol, field, "not an http endpoint")
	}
	return endpoint.String(), nil
}

func decodeRequiredBase64(protocol, field, raw string) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, malformed(protocol, field, "missing")
	}
	out, err := decodeBase64(raw)
	if err != nil || len(out) == 0 {
		return nil, malformed(protocol, field, "not base64")
	}
	return out, nil
}

// decodeBase64 accepts URL-safe and standard alphabets, padded or not. Query decoding turns
// '+' into ' ', so spaces are restored first.
func decodeBase64(raw string) ([]byte, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "+")
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
