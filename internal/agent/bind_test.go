package agent

import (
	"errors"
	"net"
	"testing"
)

func TestBindLocalExactPort(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	ln, got, err := bindLocal("127.0.0.1", port)
	if err != nil {
		t.Fatalf("bindLocal: %v", err)
	}
	defer ln.Close()
	if got != port {
		t.Fatalf("expected %d, got %d", port, got)
	}
}

func TestBindLocalFallsBackWhenInUse(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()
	port := held.Addr().(*net.TCPAddr).Port

	ln, got, err := bindLocal("127.0.0.1", port)
	if err != nil {
		t.Fatalf("bindLocal: %v", err)
	}
	defer ln.Close()
	if got == port || got == 0 {
		t.Fatalf("expected a different ephemeral port, got %d", got)
	}
}

func TestBindLocalOtherErrorsAreReported(t *testing.T) {
	_, _, err := bindLocal("203.0.113.1", 4000)
	if err == nil {
		t.Fatal("expected error binding a foreign address")
	}
	var bindErr *BindError
	if !errors.As(err, &bindErr) || bindErr.Port != 4000 {
		t.Fatalf("expected BindError for 4000, got %v", err)
	}
	if isAddrInUse(err) {
		t.Fatal("foreign address error misclassified as in use")
	}
}
