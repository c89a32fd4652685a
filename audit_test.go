package goAuthenticator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &captureSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func buildAuditTestRegistry(t *testing.T, cfg Config, sink AuditSink) *Registry {
	t.Helper()

	r, err := New().
		WithConfig(cfg).
		WithOTP().
		WithPush(&fakeRegistrar{}).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func collectAuditEvents(sink *captureSink, n int) []AuditEvent {
	events := make([]AuditEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev := <-sink.events:
			events = append(events, ev)
		case <-timeout:
			return events
		}
	}
	return events
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = false

	sink := &countingSink{}
	r := buildAuditTestRegistry(t, cfg, sink)

	if _, err := r.BuildWait(context.Background(), scenarioAURI, newMemStore(), newModelWith(t, aliceRef)); err != nil {
		t.Fatalf("BuildWait: %v", err)
	}
	r.Close()

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditEnabledSinkReceivesEventWithFields(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 16
	cfg.Audit.DropIfFull = true

	sink := newCaptureSink(8)
	r := buildAuditTestRegistry(t, cfg, sink)

	m, err := r.BuildWait(context.Background(), scenarioAURI, newMemStore(), newModelWith(t, aliceRef))
	if err != nil {
		t.Fatalf("BuildWait: %v", err)
	}

	events := collectAuditEvents(sink, 1)
	if len(events) != 1 {
		t.Fatal("expected audit event to be received")
	}
	ev := events[0]
	if ev.EventType != auditEventBuildSucceeded || !ev.Success {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Issuer != "Example" || ev.AccountName != "alice" || ev.MechanismID != m.ID {
		t.Fatalf("event does not describe the mechanism: %+v", ev)
	}
	if ev.Kind != "otp" || ev.Protocol != "otpauth" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected kind or protocol: %+v", ev)
	}
}

func TestAuditCompensationEmitsEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 16
	cfg.Audit.DropIfFull = false

	sink := newCaptureSink(8)
	r := buildAuditTestRegistry(t, cfg, sink)

	if _, err := r.BuildWait(context.Background(), scenarioAURI, newMemStore(), NewIdentityModel()); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}

	events := collectAuditEvents(sink, 2)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != auditEventCompensated || events[1].EventType != auditEventBuildFailed {
		t.Fatalf("unexpected event order: %s, %s", events[0].EventType, events[1].EventType)
	}
	if events[1].Success || events[1].Error != ErrIdentityNotFound.Error() {
		t.Fatalf("unexpected failure event: %+v", events[1])
	}
	if events[0].Metadata["stage"] != stageCompensate {
		t.Fatalf("unexpected compensation metadata: %v", events[0].Metadata)
	}
	md := events[1].Metadata
	if md["stage"] != stageAssociate || md["compensation"] != "applied" || md["user_fixable"] != "false" {
		t.Fatalf("unexpected failure metadata: %v", md)
	}
}

func TestAuditMalformedURIMetadataNamesField(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 4

	sink := newCaptureSink(4)
	r := buildAuditTestRegistry(t, cfg, sink)

	uri := "otpauth://totp/Example:alice?secret=JBSWY3DPEHPK3PXP&algorithm=MD5"
	if _, err := r.BuildWait(context.Background(), uri, newMemStore(), newModelWith(t, aliceRef)); !errors.Is(err, ErrMalformedMechanismURI) {
		t.Fatalf("expected ErrMalformedMechanismURI, got %v", err)
	}

	events := collectAuditEvents(sink, 1)
	if len(events) != 1 {
		t.Fatal("expected one audit event")
	}
	md := events[0].Metadata
	if md["stage"] != stageValidate || md["user_fixable"] != "true" || md["field"] != "algorithm" {
		t.Fatalf("unexpected metadata: %v", md)
	}
	if _, ok := md["compensation"]; ok {
		t.Fatalf("validation failure must not report compensation: %v", md)
	}
	if events[0].MechanismID != "" || events[0].Kind != "" {
		t.Fatalf("validation failure has no mechanism: %+v", events[0])
	}
}

func TestAuditRecordCopiesMechanismFields(t *testing.T) {
	m := testOTPMechanism("m-1")
	r := newBuildRecord(time.Unix(0, 0).UTC(), auditEventBuildSucceeded, stageComplete, "otpauth", m, nil)
	m.Identity = IdentityRef{Issuer: "Changed", AccountName: "later"}
	m.ID = "m-2"

	ev := r.event()
	if ev.Issuer != "Example" || ev.AccountName != "alice" || ev.MechanismID != "m-1" {
		t.Fatalf("record must not follow later mechanism changes: %+v", ev)
	}
	if !ev.Success || ev.Kind != "otp" || ev.Metadata["stage"] != stageComplete {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, ok := ev.Metadata["user_fixable"]; ok {
		t.Fatalf("success must not carry user_fixable: %v", ev.Metadata)
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.record(buildRecord{eventType: "e1"})
	dispatcher.record(buildRecord{eventType: "e2"})

	start := time.Now()
	dispatcher.record(buildRecord{eventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.record(buildRecord{eventType: "e1"})
	dispatcher.record(buildRecord{eventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.record(buildRecord{eventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   auditEventBuildSucceeded,
		Issuer:      "Example",
		AccountName: "alice",
		MechanismID: "m-1",
		Success:     true,
	}
	sink.Emit(context.Background(), event)

	if !buf.Contains("mechanism_build_succeeded") {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains("\"mechanism_id\":\"m-1\"") {
		t.Fatal("expected JSON log line to contain mechanism id")
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, &countingSink{})

	dispatcher.record(buildRecord{eventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.record(buildRecord{eventType: "e2"})
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 32
	cfg.Audit.DropIfFull = false

	sink := newCaptureSink(32)
	r := buildAuditTestRegistry(t, cfg, sink)

	secretNeedles := []string{"JBSWY3DPEHPK3PXP", "push-shared-secret", "Y2hhbGxlbmdlLWJ5dGVz"}
	uris := []string{
		scenarioAURI,
		"otpauth://totp/Example:alice?secret=JBSWY3DPEHPK3PXP&algorithm=MD5",
		pushURI(""),
	}
	for _, uri := range uris {
		_, _ = r.BuildWait(context.Background(), uri, newMemStore(), newModelWith(t, aliceRef))
	}

	events := collectAuditEvents(sink, len(uris))
	if len(events) == 0 {
		t.Fatal("expected at least one audit event")
	}

	for _, ev := range events {
		for _, needle := range secretNeedles {
			if stringContains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in audit error field: %q", needle)
			}
			for k, v := range ev.Metadata {
				if stringContains(k, needle) || stringContains(v, needle) {
					t.Fatalf("sensitive value leaked in audit metadata: %q", needle)
				}
			}
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return stringContains(string(b.buf), v)
}

func stringContains(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	if len(sub) > len(s) {
		return false
	}
	for i := 0; i <= len(s)-len(sub); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
