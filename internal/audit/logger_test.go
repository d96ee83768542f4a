package audit

import (
	"context"
	"testing"
	"time"

	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStampsClockTime(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := NewLogger(storage.NewMemoryBackend(), clk)

	l.Record(ctx, OpRequestCreated, "req-1", "alice", map[string]any{"resource": "social"})
	clk.Advance(time.Minute)
	l.Record(ctx, OpRequestExpired, "req-1", "", nil)

	entries, err := l.Query(ctx, storage.AuditFilter{Path: "req-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first
	assert.Equal(t, OpRequestExpired, entries[0].Operation)
	assert.Equal(t, clk.Now(), entries[0].Timestamp)
	assert.Empty(t, entries[0].PrincipalID)
	assert.Equal(t, OpRequestCreated, entries[1].Operation)
	assert.Equal(t, "alice", entries[1].PrincipalID)
	assert.Equal(t, "ok", entries[1].Status)
	assert.Equal(t, "social", entries[1].Metadata["resource"])
}

func TestQueryFiltersByPrincipal(t *testing.T) {
	ctx := context.Background()
	l := NewLogger(storage.NewMemoryBackend(), clock.Fake(time.Now()))

	l.LogRequest(ctx, &models.AuditEntry{Operation: "POST", Path: "/v1/requests", PrincipalID: "alice", ResponseCode: 201})
	l.LogRequest(ctx, &models.AuditEntry{Operation: "GET", Path: "/v1/requests/pending", PrincipalID: "bob", ResponseCode: 200})

	entries, err := l.Query(ctx, storage.AuditFilter{PrincipalID: "bob"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/v1/requests/pending", entries[0].Path)
}

func TestNilLoggerRecordIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Record(context.Background(), OpGrantRevoked, "g-1", "", nil)
	})
}
