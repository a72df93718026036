package agent

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// BindError is a local listener failure that is not recovered by falling
// back to an ephemeral port.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listen for port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// bindLocal listens on host:port, falling back to an OS-assigned port when
// the exact port is taken. It returns the port actually bound.
func bindLocal(host string, port int) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if !isAddrInUse(err) {
			return nil, 0, &BindError{Port: port, Err: err}
		}
		ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, &BindError{Port: port, Err: err}
		}
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, 0, &BindError{Port: port, Err: fmt.Errorf("unexpected listener address %T", ln.Addr())}
	}
	return ln, addr.Port, nil
}
