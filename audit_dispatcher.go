package goAuthenticator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Build stages reported in audit metadata.
const (
	stageValidate   = "validate"
	stagePersist    = "persist"
	stageAssociate  = "associate"
	stageCompensate = "compensate"
	stageComplete   = "complete"
)

// buildRecord is what the pipeline hands to the audit worker for one build step. It copies the
// mechanism's identifying fields so later changes to the returned mechanism never reach a
// queued record. Secrets are never copied.
type buildRecord struct {
	at           time.Time
	eventType    string
	stage        string
	protocol     string
	identity     IdentityRef
	mechanismID  string
	kind         MechanismKind
	err          error
	compensation string
}

func newBuildRecord(at time.Time, eventType, stage, protocol string, mech *Mechanism, err error) buildRecord {
	r := buildRecord{
		at:        at,
		eventType: eventType,
		stage:     stage,
		protocol:  protocol,
		err:       err,
	}
	if mech != nil {
		r.identity = mech.Identity
		r.mechanismID = mech.ID
		r.kind = mech.Kind
	}
	return r
}

// event renders the record for sinks. Errors are reduced to their sentinel and the name of the
// failing URI field; URI values never appear.
func (r buildRecord) event() AuditEvent {
	ev := AuditEvent{
		Timestamp:   r.at,
		EventType:   r.eventType,
		Issuer:      r.identity.Issuer,
		AccountName: r.identity.AccountName,
		MechanismID: r.mechanismID,
		Protocol:    r.protocol,
		Success:     r.err == nil,
		Metadata:    map[string]string{"stage": r.stage},
	}
	if r.kind != KindUnknown {
		ev.Kind = r.kind.String()
	}
	if r.compensation != "" {
		ev.Metadata["compensation"] = r.compensation
	}
	if r.err == nil {
		return ev
	}

	ev.Error = auditErrorCode(r.err)
	ev.Metadata["user_fixable"] = strconv.FormatBool(IsUserFixable(r.err))
	var malformedErr *MalformedURIError
	if errors.As(r.err, &malformedErr) && malformedErr.Field != "" {
		ev.Metadata["field"] = malformedErr.Field
	}
	return ev
}

// auditErrorCode reduces err to its taxonomy sentinel so that URI contents and secrets never
// reach audit sinks.
func auditErrorCode(err error) string {
	for _, kind := range []error{
		ErrBuildPanicked,
		ErrMalformedMechanismURI,
		ErrPersistenceFailed,
		ErrIdentityNotFound,
		ErrModelAssociationFailed,
	} {
		if errors.Is(err, kind) {
			if errors.Is(err, ErrCompensationFailed) {
				return kind.Error() + "; " + ErrCompensationFailed.Error()
			}
			return kind.Error()
		}
	}
	return "mechanism build failed"
}

// auditDispatcher moves build records off the build goroutine and delivers them to the sink in
// order. With DropIfFull a full queue drops the record; otherwise the build waits for space.
type auditDispatcher struct {
	sink       AuditSink
	dropIfFull bool
	queue      chan buildRecord
	done       chan struct{}
	wg         sync.WaitGroup
	dropped    atomic.Uint64
	closeOnce  sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan buildRecord, cfg.BufferSize),
		done:       make(chan struct{}),
	}
	d.wg.Add(1)
	go d.deliver()
	return d
}

func (d *auditDispatcher) deliver() {
	defer d.wg.Done()

	for {
		select {
		case r := <-d.queue:
			d.sink.Emit(context.Background(), r.event())
		case <-d.done:
			for {
				select {
				case r := <-d.queue:
					d.sink.Emit(context.Background(), r.event())
				default:
					return
				}
			}
		}
	}
}

// record queues r. Records arriving after Close are discarded.
func (d *auditDispatcher) record(r buildRecord) {
	if d == nil {
		return
	}
	select {
	case <-d.done:
		return
	default:
	}

	if d.dropIfFull {
		select {
		case d.queue <- r:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- r:
	case <-d.done:
	}
}

// Close drains queued records and stops the worker.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many records a full queue discarded.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
