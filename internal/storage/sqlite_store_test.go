package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SwitchLogNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	from := 0
	require.NoError(t, s.RecordSwitch(ctx, SwitchRecord{SubscriptionID: "sub1", ToIndex: 0, Reason: "initial_activation", SwitchedAt: base}))
	require.NoError(t, s.RecordSwitch(ctx, SwitchRecord{SubscriptionID: "sub1", FromIndex: &from, ToIndex: 2, Reason: "better_node_available", SwitchedAt: base.Add(time.Minute)}))
	require.NoError(t, s.RecordSwitch(ctx, SwitchRecord{SubscriptionID: "sub2", ToIndex: 1, Reason: "manual_switch", SwitchedAt: base.Add(2 * time.Minute)}))

	got, err := s.RecentSwitches(ctx, "sub1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "better_node_available", got[0].Reason)
	require.NotNil(t, got[0].FromIndex)
	assert.Equal(t, 0, *got[0].FromIndex)
	assert.Nil(t, got[1].FromIndex)

	all, err := s.RecentSwitches(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "sub2", all[0].SubscriptionID)
}

func TestSQLiteStore_RecentTests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordTest(ctx, TestRecord{
			SubscriptionID: "sub1",
			NodeIndex:      3,
			Success:        i%2 == 0,
			LatencyMS:      int64(100 + i),
			TestType:       "batch",
			TestedAt:       now.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.RecentTests(ctx, "sub1", 3, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(104), got[0].LatencyMS)
	assert.Equal(t, int64(103), got[1].LatencyMS)
}

func TestSQLiteStore_QueueSnapshotReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveQueue(ctx, "sub1", []QueueRecord{
		{NodeIndex: 0, Score: 500},
		{NodeIndex: 1, Score: 700},
	}))
	require.NoError(t, s.SaveQueue(ctx, "sub1", []QueueRecord{
		{NodeIndex: 1, Score: 650},
		{NodeIndex: 4, Score: 900},
	}))

	got, err := s.LoadQueue(ctx, "sub1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].NodeIndex)
	assert.Equal(t, 1, got[1].NodeIndex)
	assert.Equal(t, 650.0, got[1].Score)

	other, err := s.LoadQueue(ctx, "sub2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestNopStore(t *testing.T) {
	var s Store = NopStore{}
	ctx := context.Background()
	assert.NoError(t, s.RecordTest(ctx, TestRecord{}))
	got, err := s.RecentSwitches(ctx, "x", 5)
	assert.NoError(t, err)
	assert.Empty(t, got)
}
