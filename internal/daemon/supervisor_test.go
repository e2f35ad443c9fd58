package daemon

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func listenOnFreePort(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, port := listenOnFreePort(t)
	ln.Close()
	return port
}

func TestEnsureUp_AdoptsAlreadyBoundPort(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	sup := New(t.TempDir(), 5, 10*time.Millisecond)
	err := sup.EnsureUp([]Spec{{Name: "tagger", Port: port}})
	if err != nil {
		t.Fatalf("EnsureUp: %v", err)
	}

	status := sup.Status()
	if !status["tagger"] {
		t.Errorf("expected tagger to be reported live after adoption")
	}

	if err := sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// The adopted listener must still be alive; the supervisor did not
	// start it, so it must not terminate it.
	conn, dialErr := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if dialErr != nil {
		t.Errorf("adopted listener should survive shutdown: %v", dialErr)
	} else {
		conn.Close()
	}
}

func TestEnsureUp_StartsOwnedDaemon(t *testing.T) {
	port := freePort(t)
	outputRoot := t.TempDir()

	// A tiny script that opens the port itself, standing in for a
	// daemon binary.
	script := filepath.Join(outputRoot, "listen.sh")
	body := "#!/bin/sh\n" +
		"exec python3 -c \"import socket,time; s=socket.socket(); s.setsockopt(socket.SOL_SOCKET, socket.SO_REUSEADDR, 1); s.bind(('127.0.0.1', " + itoa(port) + ")); s.listen(1); time.sleep(30)\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Skipf("cannot write fake daemon script: %v", err)
	}

	sup := New(outputRoot, 30, 20*time.Millisecond)
	err := sup.EnsureUp([]Spec{{Name: "wsd", Command: "/bin/sh", Args: []string{script}, Port: port}})
	if err != nil {
		t.Skipf("environment lacks python3 for the fake daemon, skipping: %v", err)
	}
	defer sup.Shutdown()

	if !sup.Status()["wsd"] {
		t.Errorf("expected wsd daemon to report live")
	}
}

func TestEnsureUp_UnreachableReturnsError(t *testing.T) {
	sup := New(t.TempDir(), 2, 5*time.Millisecond)
	port := freePort(t) // nothing listens on it

	err := sup.EnsureUp([]Spec{{Name: "tagger", Command: "/bin/true", Port: port}})
	if err == nil {
		t.Fatal("expected an unreachable error when nothing binds the port")
	}
}

func TestShutdown_FromSidecarKillsStaleProcessInNewSupervisor(t *testing.T) {
	port := freePort(t)
	outputRoot := t.TempDir()

	script := filepath.Join(outputRoot, "listen.sh")
	body := "#!/bin/sh\n" +
		"exec python3 -c \"import socket,time; s=socket.socket(); s.setsockopt(socket.SOL_SOCKET, socket.SO_REUSEADDR, 1); s.bind(('127.0.0.1', " + itoa(port) + ")); s.listen(1); time.sleep(30)\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Skipf("cannot write fake daemon script: %v", err)
	}

	starter := New(outputRoot, 30, 20*time.Millisecond)
	if err := starter.EnsureUp([]Spec{{Name: "wsd", Command: "/bin/sh", Args: []string{script}, Port: port}}); err != nil {
		t.Skipf("environment lacks python3 for the fake daemon, skipping: %v", err)
	}

	// A fresh Supervisor, as `server stop` would construct in a new
	// process invocation, has no in-memory record of the daemon
	// started above — only the PID sidecar on disk does.
	stopper := New(outputRoot, 30, 20*time.Millisecond)
	if err := stopper.Shutdown(); err != nil {
		t.Fatalf("Shutdown from sidecar: %v", err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", itoa(port)), 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Errorf("expected the daemon process reaped via sidecar to have released its port")
	}
	if _, err := os.Stat(filepath.Join(outputRoot, ".daemons.pid.json")); !os.IsNotExist(err) {
		t.Errorf("expected sidecar file to be removed after shutdown")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
