package proxy

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ProtectedDialer returns a dialer whose sockets carry mark, so a policy
// route can send them around the tun device. A zero mark leaves sockets
// untouched.
func ProtectedDialer(mark int, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if mark == 0 {
		return d
	}
	d.Control = func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		})
		if err != nil {
			return err
		}
		return serr
	}
	return d
}
