package rentauth

import (
	"context"
	"io"
	"log/slog"

	internalaudit "github.com/MrEthical07/rentauth/internal/audit"
)

// Audit event types.
const (
	AuditLogin          = "login"
	AuditRefresh        = "refresh"
	AuditLogout         = "logout"
	AuditSessionExpired = "session_expired"
	AuditAccessDenied   = "access_denied"
	AuditHydrate        = "hydrate"
	AuditInvalidated    = "invalidated"
)

// AuditEvent is one recorded session or access decision.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink discards events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards events to a buffered channel.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// SlogSink logs events at Info.
type SlogSink = internalaudit.SlogSink

func NewChannelSink(buffer int) *ChannelSink { return internalaudit.NewChannelSink(buffer) }

func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return internalaudit.NewJSONWriterSink(w) }

func NewSlogSink(logger *slog.Logger) *SlogSink { return internalaudit.NewSlogSink(logger) }

func (m *Manager) emitAudit(ctx context.Context, event AuditEvent) {
	if m.audit == nil {
		return
	}
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = userAgentFromContext(ctx)
	}
	m.audit.Emit(ctx, event)
}

func (m *Manager) auditSession(ctx context.Context, eventType string, user userRef, err error) {
	ev := AuditEvent{
		EventType: eventType,
		UserID:    user.id,
		Role:      user.role,
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = Classify(err).String()
	}
	m.emitAudit(ctx, ev)
}

// AuditDropped returns the number of audit events dropped under backpressure.
func (m *Manager) AuditDropped() uint64 {
	if m == nil {
		return 0
	}
	return m.audit.Dropped()
}
