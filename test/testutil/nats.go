package testutil

import (
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// StartLocalNATSServer starts nats-server with JetStream stored under a temp dir.
// Params: test handle.
// Returns: client URL; server stops on test cleanup.
func StartLocalNATSServer(tb testing.TB) string {
	tb.Helper()
	return startServer(tb, serverSpec{
		binary: "nats-server",
		args: func(port int, dataDir string) []string {
			return []string{"-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", dataDir}
		},
		address: func(port int) string { return "nats://" + loopback(port) },
		ping: func(url string) error {
			nc, err := nats.Connect(url, nats.Timeout(500*time.Millisecond))
			if err != nil {
				return err
			}
			nc.Close()
			return nil
		},
	})
}
