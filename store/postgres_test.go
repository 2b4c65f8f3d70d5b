package store_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/ashiato/store"
	"github.com/ashita-ai/ashiato/tracing/export"
)

// testPG is shared by the postgres tests; nil when no Docker host is
// available, in which case those tests skip.
var testPG *store.Postgres

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ashiato",
			"POSTGRES_PASSWORD": "ashiato",
			"POSTGRES_DB":       "ashiato",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container unavailable, skipping postgres tests: %v\n", err)
		os.Exit(m.Run())
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://ashiato:ashiato@%s:%s/ashiato?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testPG, err = store.OpenPostgres(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if err := testPG.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testPG.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requirePostgres(t *testing.T) *store.Postgres {
	t.Helper()
	if testPG == nil {
		t.Skip("postgres container not available")
	}
	return testPG
}

func TestPostgresCreateAndGetTrace(t *testing.T) {
	pg := requirePostgres(t)
	ctx := context.Background()

	// timestamptz stores microseconds.
	start := time.Date(2026, 4, 1, 9, 0, 0, 123456000, time.UTC)
	root := storedRecord("pg-trace-roundtrip", "span-root", nil, start)
	child := storedRecord("pg-trace-roundtrip", "span-child", ptr("span-root"), start.Add(50*time.Millisecond))
	child.Name = "step 0"
	child.SpanType = "step"

	require.NoError(t, pg.CreateSpan(ctx, root))
	require.NoError(t, pg.CreateSpan(ctx, child))

	got, err := pg.GetTrace(ctx, "pg-trace-roundtrip")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "span-root", got[0].SpanID)
	assert.Nil(t, got[0].ParentSpanID)
	assert.Equal(t, "llm generation", got[0].Name)
	assert.Equal(t, map[string]any{"model": "gpt-4o", "streaming": true}, got[0].Attributes)
	assert.Equal(t, map[string]any{"prompt": "hello"}, got[0].Input)
	assert.True(t, got[0].StartedAt.Equal(start))
	assert.Nil(t, got[0].EndedAt)

	require.NotNil(t, got[1].ParentSpanID)
	assert.Equal(t, "span-root", *got[1].ParentSpanID)
	assert.Equal(t, "step", got[1].SpanType)
}

func TestPostgresUpdatePreservesCreatedAt(t *testing.T) {
	pg := requirePostgres(t)
	ctx := context.Background()

	created := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	rec := storedRecord("pg-trace-update", "span-1", nil, created)
	require.NoError(t, pg.CreateSpan(ctx, rec))

	ended := created.Add(2 * time.Second)
	rec.Output = map[string]any{"text": "done"}
	rec.EndedAt = &ended
	rec.CreatedAt = created.Add(time.Hour)
	rec.UpdatedAt = ptr(created.Add(3 * time.Second))
	require.NoError(t, pg.UpdateSpan(ctx, rec))

	got, err := pg.GetTrace(ctx, "pg-trace-update")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.True(t, got[0].CreatedAt.Equal(created))
	assert.Equal(t, map[string]any{"text": "done"}, got[0].Output)
	require.NotNil(t, got[0].EndedAt)
	assert.True(t, got[0].EndedAt.Equal(ended))
	require.NotNil(t, got[0].UpdatedAt)
}

func TestPostgresInsertBatchDedupes(t *testing.T) {
	pg := requirePostgres(t)
	ctx := context.Background()

	start := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	open := storedRecord("pg-batch-trace", "span-a", nil, start)
	closed := open
	closed.Output = map[string]any{"text": "final"}
	closed.EndedAt = ptr(start.Add(time.Second))
	closed.UpdatedAt = ptr(start.Add(time.Second))
	other := storedRecord("pg-batch-trace", "span-b", ptr("span-a"), start.Add(100*time.Millisecond))

	// One batch may carry both the create and the end of the same span; the
	// last record for a span key wins.
	affected, err := pg.InsertBatch(ctx, []export.Record{open, other, closed})
	require.NoError(t, err)
	assert.EqualValues(t, 2, affected)

	got, err := pg.GetTrace(ctx, "pg-batch-trace")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "span-a", got[0].SpanID)
	assert.Equal(t, map[string]any{"text": "final"}, got[0].Output)
	require.NotNil(t, got[0].EndedAt)
}

func TestPostgresInsertBatchRedelivery(t *testing.T) {
	pg := requirePostgres(t)
	ctx := context.Background()

	start := time.Date(2026, 4, 3, 8, 0, 0, 0, time.UTC)
	batch := []export.Record{
		storedRecord("pg-redeliver-trace", "span-a", nil, start),
		storedRecord("pg-redeliver-trace", "span-b", ptr("span-a"), start.Add(time.Millisecond)),
	}

	affected, err := pg.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, affected)

	affected, err = pg.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, affected)

	got, err := pg.GetTrace(ctx, "pg-redeliver-trace")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	affected, err = pg.InsertBatch(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestPostgresGetTraceNotFound(t *testing.T) {
	pg := requirePostgres(t)

	_, err := pg.GetTrace(context.Background(), "pg-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresListTraces(t *testing.T) {
	pg := requirePostgres(t)
	ctx := context.Background()

	// Future timestamps keep these traces at the head of the list no matter
	// what the other tests inserted.
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	older := storedRecord("pg-list-older", "root-a", nil, base)
	olderChild := storedRecord("pg-list-older", "child-a", ptr("root-a"), base.Add(100*time.Millisecond))
	olderEnd := base.Add(time.Second)
	olderChild.EndedAt = &olderEnd
	newer := storedRecord("pg-list-newer", "root-b", nil, base.Add(time.Minute))
	newer.Name = "workflow run"

	_, err := pg.InsertBatch(ctx, []export.Record{older, olderChild, newer})
	require.NoError(t, err)

	got, err := pg.ListTraces(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "pg-list-newer", got[0].TraceID)
	assert.Equal(t, "workflow run", got[0].RootName)
	assert.Equal(t, 1, got[0].SpanCount)
	assert.Nil(t, got[0].EndedAt)

	assert.Equal(t, "pg-list-older", got[1].TraceID)
	assert.Equal(t, "llm generation", got[1].RootName)
	assert.Equal(t, "generation", got[1].RootType)
	assert.Equal(t, 2, got[1].SpanCount)
	require.NotNil(t, got[1].EndedAt)
	assert.True(t, got[1].EndedAt.Equal(olderEnd))
}
