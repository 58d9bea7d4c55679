package pgstore_test

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/feothyuth/claude-orchestrator/internal/store/pgstore"
)

// Shared testcontainer bookkeeping: one container per package run, one
// schema per test for isolation, so pgstore integration tests don't each
// pay the PostgreSQL startup cost.
var (
	sharedHost    string
	sharedPort    int
	containerOnce sync.Once
	containerErr  error
)

func sharedContainer(t *testing.T) (host string, port int) {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared PostgreSQL testcontainer for pgstore tests")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		mappedHost, err := pgContainer.Host(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to resolve container host: %w", err)
			return
		}
		mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
		if err != nil {
			containerErr = fmt.Errorf("failed to resolve mapped port: %w", err)
			return
		}
		sharedHost = mappedHost
		sharedPort = mappedPort.Int()
	})
	require.NoError(t, containerErr)
	return sharedHost, sharedPort
}

// newTestAdapter spins up (or reuses) a PostgreSQL testcontainer, creates a
// uniquely-named schema for the calling test, runs pgstore's own migrations
// against it, and registers cleanup to drop the schema.
func newTestAdapter(t *testing.T) *pgstore.Adapter {
	t.Helper()
	ctx := context.Background()

	host, port := sharedContainer(t)
	const user, pass, dbname = "test", "test", "test"
	schema := generateSchemaName(t)

	adminDSN := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, pass, dbname)
	admin, err := stdsql.Open("pgx", adminDSN)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	_ = admin.Close()

	t.Cleanup(func() {
		cleanup, err := stdsql.Open("pgx", adminDSN)
		if err != nil {
			t.Logf("pgstore test: could not connect to drop schema %s: %v", schema, err)
			return
		}
		defer func() { _ = cleanup.Close() }()
		_, _ = cleanup.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	})

	cfg := pgstore.Config{
		Host:            host,
		Port:            port,
		User:            user,
		Password:        pass,
		Database:        dbname,
		SSLMode:         "disable",
		SearchPath:      schema,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}
	adapter, err := pgstore.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

// generateSchemaName builds test_<sanitized test name>_<random hex>, kept
// under PostgreSQL's 63-char identifier limit.
func generateSchemaName(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}
