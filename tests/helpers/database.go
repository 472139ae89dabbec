package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/cratefm/crate/internal/database"
	"github.com/docker/docker/api/types/container"
	"github.com/labstack/gommon/random"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	User     = "postgres"
	Password = "postgres"
)

// SpawnPostgres starts a disposable PostgreSQL container for the test and returns the
// config needed to connect to it. The container is terminated when the test completes.
// Tests using this helper are skipped when running with -short.
func SpawnPostgres(t *testing.T) database.Config {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	ctx := context.Background()
	dbName := "crate_" + random.String(8, random.Lowercase)
	postgresC, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(dbName),
		postgres.WithUsername(User),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
			hostConfig.Tmpfs = map[string]string{"/var/lib/postgresql/data": "rw"}
		}),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %s", err)
	}
	t.Cleanup(func() {
		if err := postgresC.Terminate(ctx); err != nil {
			t.Logf("WARNING: failed to terminate postgres container: %s", err)
		}
	})

	host, err := postgresC.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres container host: %s", err)
	}
	port, err := postgresC.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get postgres container port: %s", err)
	}

	return database.Config{
		Enabled:         true,
		User:            User,
		Password:        Password,
		Name:            dbName,
		Host:            host,
		Port:            port.Port(),
		SSLMode:         "disable",
		ConnectAttempts: 5,
	}
}
