package goAuthenticator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	buildPending uint32 = iota
	buildSucceeded
	buildFailed
)

// completion delivers a build outcome at most once. The first resolve moves the state out of
// pending; later calls are ignored.
type completion struct {
	state atomic.Uint32
	fn    CompletionFunc
}

func newCompletion(fn CompletionFunc) *completion {
	return &completion{fn: fn}
}

func (c *completion) resolve(res BuildResult) bool {
	next := buildFailed
	if res.Success() {
		next = buildSucceeded
	}
	if !c.state.CompareAndSwap(buildPending, next) {
		return false
	}
	c.fn(res)
	return true
}

// buildSteps is what a factory contributes to one build. parse validates the URI and returns
// an unidentified mechanism; persist writes it (and performs any server round-trip).
type buildSteps struct {
	protocol string
	parse    func() (*Mechanism, error)
	persist  func(ctx context.Context, store IdentityStore, m *Mechanism) (StoreHandle, error)
}

// pipeline runs the validate, construct, persist, associate and report steps shared by every
// built-in factory.
type pipeline struct {
	cfg     RegistryConfig
	logger  *slog.Logger
	metrics *Metrics
	audit   *auditDispatcher
	now     func() time.Time
	newID   func() string
}

func newPipeline(cfg RegistryConfig, logger *slog.Logger, metrics *Metrics, audit *auditDispatcher) *pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &pipeline{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		audit:   audit,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

func defaultPipeline() *pipeline {
	return newPipeline(DefaultConfig().Registry, nil, nil, nil)
}

func persistToStore(ctx context.Context, store IdentityStore, m *Mechanism) (StoreHandle, error) {
	return store.Persist(ctx, m)
}

// start runs the build on its own goroutine and reports through onComplete exactly once.
func (p *pipeline) start(ctx context.Context, steps buildSteps, store IdentityStore, model IdentityModel, onComplete CompletionFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	done := newCompletion(onComplete)
	go func() {
		done.resolve(p.runRecovered(ctx, steps, store, model))
	}()
}

// buildState records how far a build got so a recovered panic can undo what it left behind.
type buildState struct {
	protocol     string
	stage        string
	mech         *Mechanism
	handle       StoreHandle
	associated   bool
	compensation string
}

func (p *pipeline) runRecovered(ctx context.Context, steps buildSteps, store IdentityStore, model IdentityModel) (res BuildResult) {
	st := &buildState{protocol: steps.protocol}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.logger.Error("mechanism build panicked",
			slog.String("protocol", steps.protocol),
			slog.String("stage", st.stage),
			slog.Any("panic", r),
		)
		if st.associated {
			// Persisted and associated; only reporting was cut short.
			res = BuildResult{Mechanism: st.mech, Handle: st.handle}
			return
		}

		err := fmt.Errorf("%w: %v", ErrBuildPanicked, r)
		switch {
		case st.handle != "":
			st.compensation = "applied"
			if cerr := p.undoRecovered(func() error { return p.compensate(ctx, store, st.handle, st.mech) }); cerr != nil {
				st.compensation = "failed"
				err = errors.Join(err, ErrCompensationFailed, cerr)
			}
		case st.stage == stagePersist && st.mech != nil:
			_ = p.undoRecovered(func() error {
				p.discardUncertain(ctx, store, st.mech)
				return nil
			})
		}
		res = p.fail(ctx, st, err)
	}()
	return p.run(ctx, steps, store, model, st)
}

// undoRecovered runs an undo step after a recovered panic. A panic inside undo is returned as
// an error.
func (p *pipeline) undoRecovered(undo func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("undo after panic panicked", slog.Any("panic", r))
			err = fmt.Errorf("undo panicked: %v", r)
		}
	}()
	return undo()
}

func (p *pipeline) run(ctx context.Context, steps buildSteps, store IdentityStore, model IdentityModel, st *buildState) BuildResult {
	start := p.now()
	p.metrics.Inc(MetricBuildStarted)
	defer func() {
		p.metrics.Observe(MetricBuildLatency, p.now().Sub(start))
	}()

	st.stage = stageValidate
	mech, err := steps.parse()
	if err != nil {
		if !errors.Is(err, ErrMalformedMechanismURI) {
			err = &MalformedURIError{Protocol: steps.protocol, Field: "uri", Reason: err.Error()}
		}
		return p.fail(ctx, st, err)
	}

	// Construct.
	mech.ID = p.newID()
	mech.Protocol = steps.protocol
	mech.CreatedAt = p.now().UTC()
	st.mech = mech

	st.stage = stagePersist
	handle, err := p.persist(ctx, steps, store, mech)
	if err != nil {
		if isUncertainPersist(err) {
			p.discardUncertain(ctx, store, mech)
		}
		return p.fail(ctx, st, errors.Join(ErrPersistenceFailed, err))
	}
	st.handle = handle

	st.stage = stageAssociate
	if err := associate(model, mech); err != nil {
		st.compensation = "applied"
		if cerr := p.compensate(ctx, store, handle, mech); cerr != nil {
			st.compensation = "failed"
			err = errors.Join(err, ErrCompensationFailed, cerr)
		}
		return p.fail(ctx, st, err)
	}
	st.associated = true
	st.stage = stageComplete

	p.metrics.recordOutcome(nil)
	p.emitAudit(st, auditEventBuildSucceeded, nil)
	p.logger.Debug("mechanism built",
		slog.String("protocol", steps.protocol),
		slog.String("mechanism_id", mech.ID),
		slog.String("identity", mech.Identity.String()),
	)
	return BuildResult{Mechanism: mech, Handle: handle}
}

func (p *pipeline) persist(ctx context.Context, steps buildSteps, store IdentityStore, mech *Mechanism) (StoreHandle, error) {
	pctx := ctx
	if p.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.cfg.PersistTimeout)
		defer cancel()
	}
	persist := steps.persist
	if persist == nil {
		persist = persistToStore
	}
	handle, err := persist(pctx, store, mech)
	if err != nil {
		return "", err
	}
	if handle == "" {
		return "", errors.New("identity store returned an empty handle")
	}
	return handle, nil
}

// isUncertainPersist reports whether a persist gave up waiting, in which case the store may
// still have committed the record.
func isUncertainPersist(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// discardUncertain deletes a record a persist may have committed after it stopped waiting. No
// handle was returned, so the mechanism ID stands in for it (see [IdentityStore]). It never
// touches compensation metrics: there may be nothing to undo.
func (p *pipeline) discardUncertain(ctx context.Context, store IdentityStore, mech *Mechanism) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CompensationTimeout)
	defer cancel()

	if err := store.Delete(cctx, StoreHandle(mech.ID)); err != nil {
		p.logger.Warn("cleanup after interrupted persist failed; record may be orphaned",
			slog.String("mechanism_id", mech.ID),
			slog.String("identity", mech.Identity.String()),
			slog.Any("error", err),
		)
	}
}

func associate(model IdentityModel, mech *Mechanism) error {
	identity, ok := model.FindIdentity(mech.Identity)
	if !ok || identity == nil {
		return ErrIdentityNotFound
	}
	if err := model.InsertMechanism(identity, mech); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrIdentityNotFound
		}
		return errors.Join(ErrModelAssociationFailed, err)
	}
	return nil
}

// compensate removes a record persisted by a build whose association failed. It runs detached
// from ctx cancellation so the store and model cannot diverge when the caller gives up.
func (p *pipeline) compensate(ctx context.Context, store IdentityStore, handle StoreHandle, mech *Mechanism) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CompensationTimeout)
	defer cancel()

	if err := store.Delete(cctx, handle); err != nil {
		p.metrics.Inc(MetricCompensationFailed)
		p.logger.Error("compensating delete failed; orphaned mechanism record",
			slog.String("mechanism_id", mech.ID),
			slog.String("handle", string(handle)),
			slog.String("identity", mech.Identity.String()),
			slog.Any("error", err),
		)
		return err
	}
	p.metrics.Inc(MetricCompensationApplied)
	if p.audit != nil {
		p.audit.record(newBuildRecord(p.now().UTC(), auditEventCompensated, stageCompensate, mech.Protocol, mech, nil))
	}
	return nil
}

func (p *pipeline) fail(ctx context.Context, st *buildState, err error) BuildResult {
	p.metrics.recordOutcome(err)
	p.emitAudit(st, auditEventBuildFailed, err)

	level := slog.LevelWarn
	if errors.Is(err, ErrMalformedMechanismURI) {
		level = slog.LevelDebug
	}
	p.logger.Log(ctx, level, "mechanism build failed",
		slog.String("protocol", st.protocol),
		slog.String("stage", st.stage),
		slog.Any("error", err),
	)
	return BuildResult{Err: err}
}

func (p *pipeline) emitAudit(st *buildState, eventType string, err error) {
	if p.audit == nil {
		return
	}
	r := newBuildRecord(p.now().UTC(), eventType, st.stage, st.protocol, st.mech, err)
	r.compensation = st.compensation
	p.audit.record(r)
}
