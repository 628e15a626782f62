//go:build !unix

package tftpd

import "syscall"

// reusePortControl is a no-op on platforms without SO_REUSEPORT (§4.5); the
// server still binds, it just can't be restarted while the old socket lingers
// in TIME_WAIT.
func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
