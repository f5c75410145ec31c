// Package testing provides testcontainers-based PostgreSQL setup for the
// integration tests. Containers are ephemeral; each suite gets a clean
// server and creates its own databases.
package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerCleanup terminates a test container; always call it in defer.
type ContainerCleanup func()

// PostgresConfig holds configuration for the PostgreSQL testcontainer.
type PostgresConfig struct {
	// Image is the Docker image to use (default: "postgres:17")
	Image string
	// Username is the superuser username (default: "postgres")
	Username string
	// Password is the superuser password (default: "postgres")
	Password string
	// Database is the default database to create (default: "postgres")
	Database string
	// StartupTimeout is the maximum wait for readiness (default: 60s)
	StartupTimeout time.Duration
}

// DefaultPostgresConfig returns the default configuration.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Image:          "postgres:17",
		Username:       "postgres",
		Password:       "postgres",
		Database:       "postgres",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupPostgres starts a PostgreSQL container and returns its connection
// string plus a cleanup function. The suite creates the catalog and work
// databases itself; both stores can share one server in tests because the
// isolation the service needs is per-database, not per-server.
func SetupPostgres(ctx context.Context, config *PostgresConfig) (string, ContainerCleanup, error) {
	if config == nil {
		defaultConfig := DefaultPostgresConfig()
		config = &defaultConfig
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":        config.Username,
			"POSTGRES_PASSWORD":    config.Password,
			"POSTGRES_DB":          config.Database,
			"POSTGRES_INITDB_ARGS": "--auth-host=scram-sha-256",
		},
		// PostgreSQL logs readiness twice during startup; wait for the second.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(config.StartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("warning: failed to terminate PostgreSQL container: %v\n", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.Username, config.Password, host, port.Port(), config.Database)
	return connStr, cleanup, nil
}

// DSNForDatabase rewrites a connection string returned by SetupPostgres to
// point at another database on the same server.
func DSNForDatabase(connStr, database string) string {
	// The connection string always ends with "/<db>?sslmode=disable".
	for i := len(connStr) - 1; i >= 0; i-- {
		if connStr[i] == '/' {
			return connStr[:i+1] + database + "?sslmode=disable"
		}
	}
	return connStr
}
