package sqldb

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antimoltbook/verifier/internal"
	"github.com/antimoltbook/verifier/lib/review"
	"github.com/antimoltbook/verifier/lib/review/reviewtest"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func init() {
	internal.UnbreakDocker()
}

func mustConfig(t *testing.T, dsn string) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(Config{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}

	return data
}

func TestSQLiteMemory(t *testing.T) {
	reviewtest.Common(t, Factory{dialect: dialectSQLite}, mustConfig(t, ":memory:"))
}

func TestSQLiteFile(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "review.db")
	f := Factory{dialect: dialectSQLite}

	reviewtest.Common(t, f, mustConfig(t, dsn))

	// migrations are idempotent across restarts
	repo, err := f.Build(t.Context(), mustConfig(t, dsn))
	if err != nil {
		t.Fatalf("reopening migrated database: %v", err)
	}
	defer repo.Close()

	if _, err := repo.List(t.Context(), "anyone", 10, time.Time{}); err != nil {
		t.Fatal(err)
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("VERIFIER_TEST_POSTGRES_DSN")

	if dsn == "" {
		if os.Getenv("DONT_USE_NETWORK") != "" {
			t.Skip("test requires network egress")
			return
		}

		testcontainers.SkipIfProviderIsNotHealthy(t)

		req := testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     "verifier",
				"POSTGRES_PASSWORD": "verifier",
				"POSTGRES_DB":       "verifier",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		}
		pgC, err := testcontainers.GenericContainer(t.Context(), testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		testcontainers.CleanupContainer(t, pgC)
		if err != nil {
			t.Fatal(err)
		}

		containerIP, err := pgC.ContainerIP(t.Context())
		if err != nil {
			t.Fatal(err)
		}

		dsn = fmt.Sprintf("postgres://verifier:verifier@%s:5432/verifier?sslmode=disable", containerIP)
	}

	reviewtest.Common(t, Factory{dialect: dialectPostgres}, mustConfig(t, dsn))
}

func TestFactoryValid(t *testing.T) {
	for _, tt := range []struct {
		name string
		cfg  json.RawMessage
		err  error
	}{
		{name: "no parameters", cfg: nil, err: ErrMissingDSN},
		{name: "empty dsn", cfg: json.RawMessage(`{"dsn": ""}`), err: ErrMissingDSN},
		{name: "not json", cfg: json.RawMessage(`}`), err: review.ErrBadConfig},
		{name: "ok", cfg: json.RawMessage(`{"dsn": ":memory:"}`)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := (Factory{dialect: dialectSQLite}).Valid(tt.cfg); !errors.Is(err, tt.err) {
				t.Errorf("want: %v, got: %v", tt.err, err)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{"sqlite", "postgres"} {
		if _, ok := review.Get(name); !ok {
			t.Errorf("backend %q is not registered", name)
		}
	}
}

func TestRebind(t *testing.T) {
	const query = `SELECT a FROM t WHERE b = ? AND c > ? LIMIT ?`

	if got := dialectSQLite.rebind(query); got != query {
		t.Errorf("sqlite should keep ? placeholders, got %q", got)
	}

	if got, want := dialectPostgres.rebind(query), `SELECT a FROM t WHERE b = $1 AND c > $2 LIMIT $3`; got != want {
		t.Errorf("postgres: want %q, got %q", want, got)
	}

	if got := dialectPostgres.lockRows("SELECT 1"); got != "SELECT 1 FOR UPDATE" {
		t.Errorf("postgres lock: got %q", got)
	}
}

func TestNanos(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 12345, time.UTC)

	if got := fromNanos(nanos(now)); !got.Equal(now) {
		t.Errorf("round trip: want %s, got %s", now, got)
	}

	if nanos(time.Time{}) != math.MinInt64 {
		t.Error("zero time should sort before everything")
	}

	if nanos(time.Date(2999, time.January, 1, 0, 0, 0, 0, time.UTC)) != math.MaxInt64 {
		t.Error("far future should clamp to the largest value")
	}

	if !fromNanos(0).IsZero() {
		t.Error("0 should read back as the zero time")
	}
}
