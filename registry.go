package goAuthenticator

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
)

// Registry dispatches a mechanism URI to the first registered factory that supports it.
//
// Registry holds no per-build state; it is safe for concurrent use once returned by
// [Builder.Build]. Factories are consulted in registration order.
type Registry struct {
	factories []MechanismFactory
	logger    *slog.Logger
	metrics   *Metrics
	audit     *auditDispatcher
	closed    atomic.Bool
}

// Factories returns the registered factories in selection order.
func (r *Registry) Factories() []MechanismFactory {
	if r == nil {
		return nil
	}
	out := make([]MechanismFactory, len(r.factories))
	copy(out, r.factories)
	return out
}

// FactoryFor returns the first factory whose Supports reports true for uri.
func (r *Registry) FactoryFor(uri *url.URL) (MechanismFactory, bool) {
	if r == nil || uri == nil {
		return nil, false
	}
	for _, f := range r.factories {
		if f.Supports(uri) {
			return f, true
		}
	}
	return nil, false
}

// Supports reports whether some registered factory claims rawURI.
func (r *Registry) Supports(rawURI string) bool {
	uri, err := ParseMechanismURI(rawURI)
	if err != nil {
		return false
	}
	_, ok := r.FactoryFor(uri)
	return ok
}

// Build validates the request, selects a factory and starts the build.
//
// A non-nil return means the build never started and onComplete will not be called: the URI
// was empty or unparseable ([ErrMalformedMechanismURI]), a collaborator was nil
// ([ErrInvalidBuildRequest]), or no factory claims the URI ([ErrUnsupportedMechanismKind]).
// None of these touch the store or the model. A nil return means onComplete will be invoked
// exactly once, from another goroutine, after the build has fully resolved.
func (r *Registry) Build(ctx context.Context, rawURI string, store IdentityStore, model IdentityModel, onComplete CompletionFunc) error {
	if r == nil || r.closed.Load() {
		return ErrRegistryNotReady
	}
	if store == nil || model == nil || onComplete == nil {
		return ErrInvalidBuildRequest
	}

	uri, err := ParseMechanismURI(rawURI)
	if err != nil {
		r.metrics.Inc(MetricBuildMalformed)
		return err
	}

	factory, ok := r.FactoryFor(uri)
	if !ok {
		r.metrics.Inc(MetricBuildUnsupported)
		r.logger.Debug("no mechanism factory for uri", slog.String("scheme", uri.Scheme))
		return ErrUnsupportedMechanismKind
	}

	factory.Build(ctx, uri, store, model, onComplete)
	return nil
}

// BuildAsync is Build with the completion delivered on a one-shot channel. The channel is
// buffered so an abandoned result never blocks the build goroutine.
func (r *Registry) BuildAsync(ctx context.Context, rawURI string, store IdentityStore, model IdentityModel) (<-chan BuildResult, error) {
	ch := make(chan BuildResult, 1)
	if err := r.Build(ctx, rawURI, store, model, func(res BuildResult) {
		ch <- res
	}); err != nil {
		return nil, err
	}
	return ch, nil
}

// BuildWait starts a build and waits for its completion. When ctx ends first the build keeps
// running to completion and ctx.Err() is returned.
func (r *Registry) BuildWait(ctx context.Context, rawURI string, store IdentityStore, model IdentityModel) (*Mechanism, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := r.BuildAsync(ctx, rawURI, store, model)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Mechanism, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MetricsSnapshot returns the registry's counters.
func (r *Registry) MetricsSnapshot() MetricsSnapshot {
	if r == nil {
		return MetricsSnapshot{}
	}
	return r.metrics.Snapshot()
}

// AuditDropped returns the number of audit events dropped under backpressure.
func (r *Registry) AuditDropped() uint64 {
	if r == nil {
		return 0
	}
	return r.audit.Dropped()
}

// Close flushes the audit dispatcher and rejects further builds. Builds already started still
// complete.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	if r.closed.CompareAndSwap(false, true) {
		r.audit.Close()
	}
}

// ParseMechanismURI parses rawURI and requires a scheme.
func ParseMechanismURI(rawURI string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURI)
	if trimmed == "" {
		return nil, malformed("", "uri", "empty")
	}
	uri, err := url.Parse(trimmed)
	if err != nil {
		return nil, malformed("", "uri", "unparseable")
	}
	if uri.Scheme == "" {
		return nil, malformed("", "scheme", "missing")
	}
	return uri, nil
}

func schemeIs(uri *url.URL, protocols ...string) bool {
	if uri == nil {
		return false
	}
	for _, p := range protocols {
		if strings.EqualFold(uri.Scheme, p) {
			return true
		}
	}
	return false
}
