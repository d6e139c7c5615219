package journal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
		tcpostgres.WithSQLDriver("pgx"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(terminateCtx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, Config{
		Logger: logger.NewTest(),
		DSN:    dsn,
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestAggregator_Journal_Open(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		store, err := Open(context.Background(), Config{})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "logger is required")

		store, err = Open(context.Background(), Config{Logger: logger.NewTest()})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "dsn is required")
	})
}

func TestAggregator_Journal_RecordRecent(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Type: EventDeposit, OccurredAt: base, Actor: "alice", Assets: "100", Shares: "100"},
		{Type: EventPush, OccurredAt: base.Add(time.Minute), Vault: "vault-a", Assets: "50"},
		{Type: EventRefresh, OccurredAt: base.Add(2 * time.Minute), Assets: "150", Detail: "prev=100"},
	}
	for _, ev := range events {
		require.NoError(t, store.Record(ctx, ev))
	}

	t.Run("returns newest first", func(t *testing.T) {
		got, err := store.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, EventRefresh, got[0].Type)
		require.Equal(t, EventPush, got[1].Type)
		require.Equal(t, EventDeposit, got[2].Type)

		require.Equal(t, "alice", got[2].Actor)
		require.Equal(t, "100", got[2].Assets)
		require.Equal(t, "vault-a", got[1].Vault)
		require.Equal(t, "prev=100", got[0].Detail)
		require.NotEqual(t, uuid.Nil, got[0].ID)
		require.True(t, got[0].OccurredAt.Equal(base.Add(2*time.Minute)))
	})

	t.Run("respects the limit", func(t *testing.T) {
		got, err := store.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, EventRefresh, got[0].Type)
	})

	t.Run("defaults a non-positive limit", func(t *testing.T) {
		got, err := store.Recent(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
	})

	t.Run("preserves an explicit event id", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, store.Record(ctx, Event{
			ID:         id,
			Type:       EventWithdraw,
			OccurredAt: base.Add(time.Hour),
			Actor:      "bob",
		}))
		got, err := store.Recent(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, id, got[0].ID)
	})
}

func TestAggregator_Journal_Nop(t *testing.T) {
	t.Parallel()

	var j Nop
	require.NoError(t, j.Record(context.Background(), Event{Type: EventDeposit}))
	got, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Nil(t, got)
	j.Close()
}
