package shared

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	sql  string
	args []any
	err  error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func TestAuditLoggerRecordFillsDefaults(t *testing.T) {
	db := &recordingExecer{}
	logger := NewAuditLogger(db)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	err := logger.Record(context.Background(), AuditLog{ActorID: 7, Action: "override.set", Entity: "principal", EntityID: "42", Meta: map[string]any{"effect": "DENY"}})
	require.NoError(t, err)
	require.Contains(t, db.sql, "access_audit_logs")
	require.Len(t, db.args, 7)
	require.NotEqual(t, uuid.Nil, db.args[0])
	require.Equal(t, fixed, db.args[6])

	var meta map[string]any
	require.NoError(t, json.Unmarshal(db.args[5].([]byte), &meta))
	require.Equal(t, "DENY", meta["effect"])
}

func TestAuditLoggerRejectsIncompleteRecords(t *testing.T) {
	logger := NewAuditLogger(&recordingExecer{})
	require.Error(t, logger.Record(context.Background(), AuditLog{Action: "role.save"}))

	var nilLogger *AuditLogger
	require.Error(t, nilLogger.Record(context.Background(), AuditLog{Action: "a", Entity: "b", EntityID: "c"}))
}

func TestAuditLoggerPropagatesExecErrors(t *testing.T) {
	boom := errors.New("insert failed")
	logger := NewAuditLogger(&recordingExecer{err: boom})
	err := logger.Record(context.Background(), AuditLog{Action: "a", Entity: "b", EntityID: "c"})
	require.ErrorIs(t, err, boom)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	require.False(t, ok)

	id, ok := PrincipalFromContext(ContextWithPrincipal(context.Background(), 12))
	require.True(t, ok)
	require.Equal(t, int64(12), id)

	_, ok = PrincipalFromContext(ContextWithPrincipal(context.Background(), -1))
	require.False(t, ok)
}
