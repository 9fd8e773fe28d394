//go:build !unix

package ptcp

import "net"

// TuneUDPBuffers is a no-op outside unix: there is no portable syscall
// path for kernel socket buffer sizing on the remaining build targets.
func TuneUDPBuffers(conn *net.UDPConn, bytes int) error {
	return nil
}
