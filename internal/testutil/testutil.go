//go:build integration

// Package testutil provides helpers for integration tests that need the
// backing services: the test Redis container and a Postgres database.
package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RedisAddr returns the address of the test Redis instance (IP:port).
// It first checks NETPILOT_TEST_REDIS_ADDR, then discovers the Docker
// container IP.
func RedisAddr() string {
	if addr := os.Getenv("NETPILOT_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	ip := redisContainerIP()
	if ip == "" {
		return ""
	}
	return ip + ":6379"
}

func redisContainerIP() string {
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"netpilot-test-redis").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoRedis skips the test if the test Redis instance is not reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set NETPILOT_TEST_REDIS_ADDR or start the netpilot-test-redis container")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
}

// FlushDB flushes a specific Redis database.
func FlushDB(t *testing.T, addr string, db int) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}

// RedisClient returns a redis client for the specified DB, closed on cleanup.
func RedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()
	addr := RedisAddr()
	if addr == "" {
		t.Fatal("test Redis not available")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	t.Cleanup(func() { client.Close() })
	return client
}

// WaitForRedis waits until Redis is ready, up to timeout.
func WaitForRedis(timeout time.Duration) error {
	addr := RedisAddr()
	if addr == "" {
		return fmt.Errorf("Redis address not available")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		client := redis.NewClient(&redis.Options{Addr: addr})
		err := client.Ping(ctx).Err()
		client.Close()
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("Redis not ready after %v", timeout)
}

// PostgresURL returns the test database URL from NETPILOT_TEST_POSTGRES_URL.
func PostgresURL() string {
	return os.Getenv("NETPILOT_TEST_POSTGRES_URL")
}

// SkipIfNoPostgres skips the test unless a reachable test database is
// configured. Tests are expected to use a throwaway database; schema
// migration is idempotent but test data is not cleaned up automatically.
func SkipIfNoPostgres(t *testing.T) string {
	t.Helper()

	url := PostgresURL()
	if url == "" {
		t.Skip("test Postgres not available: set NETPILOT_TEST_POSTGRES_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Skipf("test Postgres config invalid: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("test Postgres not reachable: %v", err)
	}
	return url
}

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustEnv returns the value of an environment variable or fails the test.
func MustEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("required environment variable %s not set", key)
	}
	return v
}
