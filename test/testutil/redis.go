package testutil

import (
	"context"
	"strconv"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// StartLocalRedisServer starts redis-server without persistence.
// Params: test handle.
// Returns: server address; server stops on test cleanup.
func StartLocalRedisServer(tb testing.TB) string {
	tb.Helper()
	return startServer(tb, serverSpec{
		binary: "redis-server",
		args: func(port int, dataDir string) []string {
			return []string{
				"--port", strconv.Itoa(port),
				"--bind", "127.0.0.1",
				"--save", "",
				"--appendonly", "no",
				"--dir", dataDir,
			}
		},
		address: loopback,
		ping: func(addr string) error {
			client := redis.NewClient(&redis.Options{Addr: addr})
			defer client.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			return client.Ping(ctx).Err()
		},
	})
}
