//go:build !linux

package proxy

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// ProtectedDialer returns a plain dialer; socket marks exist on Linux only.
func ProtectedDialer(mark int, timeout time.Duration) *net.Dialer {
	if mark != 0 {
		zap.S().Warnf("socket mark %d ignored on this platform", mark)
	}
	return &net.Dialer{Timeout: timeout}
}
