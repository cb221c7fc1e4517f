//go:build !linux && !darwin

package ipc

import (
	"fmt"
	"net"
	"runtime"
)

func peerPID(*net.UnixConn) (int32, error) {
	return 0, fmt.Errorf("peer credentials not supported on %s", runtime.GOOS)
}
