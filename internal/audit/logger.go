package audit

import (
	"context"

	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/rs/zerolog/log"
)

// Operations recorded for state-machine transitions. HTTP requests are
// recorded with their method as the operation.
const (
	OpRequestCreated  = "request.created"
	OpRequestApproved = "request.approved"
	OpRequestDenied   = "request.denied"
	OpRequestExpired  = "request.expired"
	OpRequestConsumed = "request.consumed"
	OpGrantActivated  = "grant.activated"
	OpGrantRevoked    = "grant.revoked"
)

// Logger writes structured audit entries.
type Logger struct {
	store storage.AuditStore
	clock clock.Clock
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.AuditStore, clk clock.Clock) *Logger {
	return &Logger{store: store, clock: clk}
}

// LogRequest records an API request to the audit log. Failures are logged
// and otherwise ignored.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.Timestamp = l.clock.Now().UTC()
	if err := l.store.WriteAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn().Err(err).Str("operation", entry.Operation).Msg("audit write failed")
	}
}

// Record writes a transition event. subject is the request or grant ID and
// principalID the actor, empty for timer-driven transitions.
func (l *Logger) Record(ctx context.Context, operation, subject, principalID string, metadata map[string]any) {
	if l == nil {
		return
	}
	l.LogRequest(ctx, &models.AuditEntry{
		Operation:   operation,
		Path:        subject,
		PrincipalID: principalID,
		Status:      "ok",
		Metadata:    metadata,
	})
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
