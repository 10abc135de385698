package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/metrics"
	"github.com/identra/identra/internal/store/memory"
)

func TestRecordPersistsEntry(t *testing.T) {
	db := memory.New()
	l := audit.NewDBLogger(db, nil, metrics.New())

	l.Record(context.Background(), audit.Event{
		ClientID: "web-app",
		Action:   audit.ActionTokenIssued,
		Success:  true,
		Metadata: map[string]any{"grant_type": "authorization_code"},
	})

	entries := db.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionTokenIssued, entries[0].Action)
	assert.Equal(t, "web-app", entries[0].ClientID)
	assert.True(t, entries[0].Success)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestRecordSurvivesStoreFailure(t *testing.T) {
	db := memory.New()
	db.FailAuditWrites(true)
	l := audit.NewDBLogger(db, nil, metrics.New())

	// Must not panic or block; failure falls back to the log.
	l.Record(context.Background(), audit.Event{
		Action:  audit.ActionLogin,
		Success: true,
	})
	assert.Empty(t, db.AuditEntries())
}

func TestThrottledActionIsCapped(t *testing.T) {
	db := memory.New()
	l := audit.NewDBLogger(db, nil, metrics.New())

	for i := 0; i < 500; i++ {
		l.Record(context.Background(), audit.Event{
			Action:  audit.ActionLoginFailed,
			Success: false,
		})
	}
	// Burst is 100; the long tail is dropped.
	assert.LessOrEqual(t, len(db.AuditEntries()), 110)
	assert.NotEmpty(t, db.AuditEntries())
}

func TestUnthrottledActionAlwaysRecorded(t *testing.T) {
	db := memory.New()
	l := audit.NewDBLogger(db, nil, metrics.New())

	for i := 0; i < 200; i++ {
		l.Record(context.Background(), audit.Event{
			Action:  audit.ActionTokenIssued,
			Success: true,
		})
	}
	assert.Len(t, db.AuditEntries(), 200)
}
