//go:build unix

// Socket buffer tuning for the reference UDP transport (§3 DOMAIN STACK):
// grounded on the teacher's direct golang.org/x/sys/unix syscall access
// pattern (internal/linux/defs_amd64.go, internal/asm/amd64/exec.go use
// unix constants and raw syscalls rather than going through a higher-level
// wrapper).

package ptcp

import (
	"net"

	"golang.org/x/sys/unix"
)

// TuneUDPBuffers raises a UDP socket's kernel send/receive buffers, useful
// when a multiplexer is expected to carry many concurrent connections
// through one socket. Best-effort: a failure here does not stop the
// transport from working, just from getting the bigger buffers.
func TuneUDPBuffers(conn *net.UDPConn, bytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes); e != nil {
			sockErr = e
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
	})
	if err != nil {
		return err
	}
	return sockErr
}
