package goAuthenticator

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

const (
	auditEventBuildSucceeded = "mechanism_build_succeeded"
	auditEventBuildFailed    = "mechanism_build_failed"
	auditEventCompensated    = "mechanism_compensated"
)

// AuditEvent records the outcome of one mechanism build step.
type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	Issuer      string            `json:"issuer,omitempty"`
	AccountName string            `json:"account_name,omitempty"`
	MechanismID string            `json:"mechanism_id,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink delivers events on a buffered channel.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
