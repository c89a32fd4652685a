package goAuthenticator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type factoryConstructor func(cfg Config, p *pipeline) (MechanismFactory, error)

// Builder assembles a [Registry].
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config    Config
	logger    *slog.Logger
	auditSink AuditSink

	factories []factoryConstructor

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithLogger sets the structured logger shared by the registry and built-in factories.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets the sink audit events are dispatched to when Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the build latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithOTP registers the built-in [OTPFactory] configured from Config.OTP.
func (b *Builder) WithOTP() *Builder {
	b.factories = append(b.factories, func(cfg Config, p *pipeline) (MechanismFactory, error) {
		return newOTPFactory(cfg.OTP, p), nil
	})
	return b
}

// WithPush registers the built-in [PushFactory] configured from Config.Push.
func (b *Builder) WithPush(registrar PushRegistrar) *Builder {
	b.factories = append(b.factories, func(cfg Config, p *pipeline) (MechanismFactory, error) {
		return newPushFactory(cfg.Push, registrar, p)
	})
	return b
}

// WithFactory registers a caller-supplied factory. It is consulted after every factory
// registered before it.
func (b *Builder) WithFactory(f MechanismFactory) *Builder {
	b.factories = append(b.factories, func(Config, *pipeline) (MechanismFactory, error) {
		if f == nil {
			return nil, errors.New("nil mechanism factory")
		}
		return f, nil
	})
	return b
}

// Build validates the configuration, instantiates the factories in registration order and
// rejects overlapping protocols with [ErrDuplicateProtocol]. A Builder can be built once.
func (b *Builder) Build() (*Registry, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(b.factories) == 0 {
		return nil, errors.New("at least one mechanism factory must be registered")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	metrics := NewMetrics(cfg.Metrics)
	audit := newAuditDispatcher(cfg.Audit, b.auditSink)
	p := newPipeline(cfg.Registry, logger, metrics, audit)

	factories := make([]MechanismFactory, 0, len(b.factories))
	claimed := make(map[string]string, len(b.factories))
	for _, construct := range b.factories {
		f, err := construct(cfg, p)
		if err != nil {
			audit.Close()
			return nil, err
		}
		if err := claimProtocols(claimed, f); err != nil {
			audit.Close()
			return nil, err
		}
		factories = append(factories, f)
	}

	b.built = true

	return &Registry{
		factories: factories,
		logger:    logger,
		metrics:   metrics,
		audit:     audit,
	}, nil
}

func claimProtocols(claimed map[string]string, f MechanismFactory) error {
	primary := strings.ToLower(strings.TrimSpace(f.SupportedProtocol()))
	if primary == "" {
		return errors.New("mechanism factory reports an empty protocol")
	}
	protocols := []string{primary}
	if aliases, ok := f.(ProtocolAliases); ok {
		for _, a := range aliases.ProtocolAliases() {
			protocols = append(protocols, strings.ToLower(strings.TrimSpace(a)))
		}
	}
	for _, p := range protocols {
		if p == "" {
			continue
		}
		if owner, ok := claimed[p]; ok {
			return fmt.Errorf("%w: %q claimed by %q and %q", ErrDuplicateProtocol, p, owner, primary)
		}
		claimed[p] = primary
	}
	return nil
}
