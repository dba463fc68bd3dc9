package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"credx/core/events"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

type stubEvent struct {
	record events.Record
}

func (s stubEvent) EventType() string     { return s.record.Type }
func (s stubEvent) Record() events.Record { return s.record }

func TestEmitPersistsRecords(t *testing.T) {
	j := New(setupTestDB(t), nil)
	clock := time.Unix(1_700_000_000, 0)
	j.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	j.Emit(stubEvent{record: events.Record{Type: events.TypeCreditBorrowed, Attributes: map[string]string{"owner": "cx1alice", "amount": "1200"}}})
	j.Emit(stubEvent{record: events.Record{Type: events.TypeAutoRepaid, Attributes: map[string]string{"owner": "cx1alice", "repaid": "100"}}})
	j.Emit(stubEvent{record: events.Record{Type: events.TypeCreditBorrowed, Attributes: map[string]string{"owner": "cx1bob"}}})

	rows, err := j.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "cx1bob", rows[0].Owner, "newest first")

	rows, err = j.List(context.Background(), Query{Owner: "cx1alice", Type: events.TypeAutoRepaid})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "100", rows[0].Decode()["repaid"])

	rows, err = j.List(context.Background(), Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestEmitBoundsAppendWithDeadline(t *testing.T) {
	db := setupTestDB(t)
	var remaining []time.Duration
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("journal_test:deadline", func(tx *gorm.DB) {
		if deadline, ok := tx.Statement.Context.Deadline(); ok {
			remaining = append(remaining, time.Until(deadline))
		} else {
			remaining = append(remaining, -1)
		}
	}))

	j := New(db, nil)
	j.SetAppendTimeout(time.Minute)
	j.Emit(stubEvent{record: events.Record{Type: events.TypeCreditBorrowed, Attributes: map[string]string{"owner": "cx1alice"}}})

	require.Len(t, remaining, 1)
	require.Greater(t, remaining[0], time.Duration(0), "emit must carry a deadline")
	require.LessOrEqual(t, remaining[0], time.Minute)

	j.SetAppendTimeout(0)
	require.Equal(t, defaultAppendTimeout, j.appendTimeout)
}

func TestEventRecordJSON(t *testing.T) {
	j := New(setupTestDB(t), nil)
	row, err := j.Append(context.Background(), events.Record{Type: events.TypeLoanSettled, Attributes: map[string]string{"owner": "cx1alice", "burned": "1100"}})
	require.NoError(t, err)

	data, err := json.Marshal(row)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, events.TypeLoanSettled, decoded["type"])
	require.Equal(t, map[string]any{"owner": "cx1alice", "burned": "1100"}, decoded["attributes"])
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
