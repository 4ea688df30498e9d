// Package audit carries the security event trail emitted by the engine:
// sign-ins, rotations, reuse detections, resets, enrollment changes.
// Events are forwarded asynchronously so a slow sink never stalls an
// authentication request.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one audit record. Token material and digests never appear in
// events; ids and error text only.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Subject   string            `json:"subject,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent stamps a fresh event with a unique id and the given time.
func NewEvent(now time.Time, eventType string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: now,
		Type:      eventType,
	}
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops all events.
type NoOpSink struct{}

// Emit implements Sink.
func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink forwards events into a buffered channel for the embedding
// service to drain.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

// Emit implements Sink.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the drain side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a JSONWriterSink over w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Emit implements Sink.
func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
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

// ZapSink logs events through a zap logger; failures log at warn, reuse
// detections at error, everything else at info.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a ZapSink over the given logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Emit implements Sink.
func (s *ZapSink) Emit(_ context.Context, event Event) {
	if s == nil || s.logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.Time("at", event.Timestamp),
		zap.String("subject", event.Subject),
		zap.String("session_id", event.SessionID),
		zap.Bool("success", event.Success),
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch {
	case event.Type == TypeRefreshReuse:
		s.logger.Error(event.Type, fields...)
	case !event.Success:
		s.logger.Warn(event.Type, fields...)
	default:
		s.logger.Info(event.Type, fields...)
	}
}

// Event types emitted by the engine.
const (
	TypeSignUp            = "signup"
	TypeSignIn            = "signin"
	TypeSignOut           = "signout"
	TypeRefresh           = "refresh"
	TypeRefreshReuse      = "refresh_reuse_detected"
	TypePasswordChange    = "password_change"
	TypePasswordReset     = "password_reset"
	TypeResetRequest      = "password_reset_request"
	TypeAccountValidation = "account_validation"
	TypeOTPProvision      = "otp_provision"
	TypeOTPActivate       = "otp_activate"
	TypeOTPDisable        = "otp_disable"
)
