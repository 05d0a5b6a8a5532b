package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"
)

const (
	readyTimeout = 8 * time.Second
	stopTimeout  = 5 * time.Second
)

// serverSpec describes one throwaway backend binary.
type serverSpec struct {
	binary  string
	args    func(port int, dataDir string) []string
	address func(port int) string
	ping    func(address string) error
}

// startServer runs the binary on a free loopback port and waits until ping succeeds.
// Params: test handle and server description.
// Returns: reachable address; process is stopped by test cleanup. Skips when binary is missing.
func startServer(tb testing.TB, spec serverSpec) string {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}
	cmd := exec.Command(spec.binary, spec.args(port, tb.TempDir())...)
	if err := cmd.Start(); err != nil {
		tb.Skipf("%s is required for integration test: %v", spec.binary, err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	tb.Cleanup(func() { stopProcess(cmd, exited) })

	address := spec.address(port)
	deadline := time.Now().Add(readyTimeout)
	for {
		err := spec.ping(address)
		if err == nil {
			return address
		}
		select {
		case <-exited:
			tb.Fatalf("%s exited before becoming ready at %s", spec.binary, address)
		default:
		}
		if time.Now().After(deadline) {
			tb.Fatalf("%s did not become ready at %s: %v", spec.binary, address, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// stopProcess sends SIGTERM and kills the process if it outlives stopTimeout.
func stopProcess(cmd *exec.Cmd, exited <-chan struct{}) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(stopTimeout):
		_ = cmd.Process.Kill()
		<-exited
	}
}

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

func loopback(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
