package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5"
)

// Throwaway PostgreSQL container used when TEST_POSTGRES=1.
const (
	postgresContainerName = "sandboxd-test-postgres"
	postgresPort          = "5433" // off the default port to avoid a local server
	postgresUser          = "sandboxd"
	postgresPassword      = "sandboxd"
	postgresDB            = "sandboxd_test"
	postgresImage         = "postgres:16-alpine"
)

// PostgresDSN returns the DSN of the test container.
func PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresPort, postgresDB)
}

// PostgresEnabled reports whether TEST_POSTGRES=1 is set.
func PostgresEnabled() bool {
	return os.Getenv("TEST_POSTGRES") == "1"
}

// StartPostgres replaces any previous test container with a fresh one and
// waits until it accepts connections. The returned cleanup keeps the
// container around when the run failed.
func StartPostgres() (cleanup func(success bool), err error) {
	_ = docker("rm", "-f", postgresContainerName)

	err = docker("run", "-d",
		"--name", postgresContainerName,
		"-p", postgresPort+":5432",
		"-e", "POSTGRES_USER="+postgresUser,
		"-e", "POSTGRES_PASSWORD="+postgresPassword,
		"-e", "POSTGRES_DB="+postgresDB,
		postgresImage,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	if err := waitForPostgres(30 * time.Second); err != nil {
		return nil, err
	}

	return func(success bool) {
		if !success {
			fmt.Fprintf(os.Stderr, "\nPostgreSQL container %s kept for debugging: psql %s\n\n", postgresContainerName, PostgresDSN())
			return
		}
		if err := docker("rm", "-f", postgresContainerName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove postgres container: %v\n", err)
		}
	}, nil
}

func docker(args ...string) error {
	cmd := exec.Command("docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker %s: %w: %s", args[0], err, stderr.String())
	}
	return nil
}

// waitForPostgres pings until the server answers a query; the port opens
// before initdb has finished.
func waitForPostgres(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var lastErr error
	for ctx.Err() == nil {
		conn, err := pgx.Connect(ctx, PostgresDSN())
		if err == nil {
			lastErr = conn.Ping(ctx)
			_ = conn.Close(ctx)
			if lastErr == nil {
				return nil
			}
		} else {
			lastErr = err
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("postgres not ready on port %s: %w", postgresPort, lastErr)
}
