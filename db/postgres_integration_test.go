//go:build integration

package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresContainer starts a PostgreSQL container for testing.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgresql://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func TestIntegration_Connection(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	database, err := New(ctx, dsn)
	require.NoError(t, err)
	defer database.Close()

	var one int
	require.NoError(t, database.QueryRow(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
}

func TestIntegration_TransactionReuseAndAfterCommit(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	database, err := New(ctx, dsn)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Exec(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY)"))

	var committed []string
	err = database.WithTransaction(ctx, func(txCtx context.Context) error {
		require.True(t, InTransaction(txCtx))
		if err := database.Exec(txCtx, "INSERT INTO items VALUES ('a')"); err != nil {
			return err
		}
		// Nested call reuses the ambient transaction.
		return database.WithTransaction(txCtx, func(innerCtx context.Context) error {
			database.OnAfterCommit(innerCtx, func(context.Context) error {
				committed = append(committed, "inner")
				return nil
			})
			return database.Exec(innerCtx, "INSERT INTO items VALUES ('b')")
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"inner"}, committed, "after-commit runs once on the outermost commit")

	var count int
	require.NoError(t, database.QueryRow(ctx, "SELECT count(*) FROM items").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestIntegration_RollbackSkipsAfterCommit(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	database, err := New(ctx, dsn)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Exec(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY)"))

	ran := false
	err = database.WithTransaction(ctx, func(txCtx context.Context) error {
		database.OnAfterCommit(txCtx, func(context.Context) error {
			ran = true
			return nil
		})
		if err := database.Exec(txCtx, "INSERT INTO items VALUES ('a')"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.False(t, ran)

	var count int
	require.NoError(t, database.QueryRow(ctx, "SELECT count(*) FROM items").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestIntegration_RealtimeLog(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	database, err := New(ctx, dsn)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.EnsureRealtimeLog(ctx))

	received := make(chan *LogEntry, 1)
	listener := NewListener(database.Pool())
	listener.OnEvent(func(entry *LogEntry) {
		received <- entry
	})
	listener.Start()
	defer listener.Stop()
	time.Sleep(500 * time.Millisecond)

	entry := &LogEntry{
		ResourceType: "collection",
		Resource:     "posts",
		Operation:    "create",
		RecordID:     "p1",
		Locale:       "en",
		Payload:      map[string]any{"changed": []any{"title"}},
	}
	err = database.WithTransaction(ctx, func(txCtx context.Context) error {
		return database.AppendLog(txCtx, entry)
	})
	require.NoError(t, err)
	assert.Greater(t, entry.Seq, int64(0))

	select {
	case got := <-received:
		assert.Equal(t, entry.Seq, got.Seq)
		assert.Equal(t, "posts", got.Resource)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	seq, err := database.MaxSeq(ctx, "collection", "posts")
	require.NoError(t, err)
	assert.Equal(t, entry.Seq, seq)
}

func TestIntegration_RolledBackLogWritesNothing(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	database, err := New(ctx, dsn)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.EnsureRealtimeLog(ctx))

	err = database.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := database.AppendLog(txCtx, &LogEntry{
			ResourceType: "collection", Resource: "posts", Operation: "create", RecordID: "p1",
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	seq, err := database.MaxSeq(ctx, "collection", "posts")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}
