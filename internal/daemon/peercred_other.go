//go:build !linux

package daemon

import (
	"errors"
	"net"
)

// peerCredentials is unavailable without SO_PEERCRED; callers are then
// unidentified and every authorization check fails.
func peerCredentials(net.Conn) (pid, uid, gid int, err error) {
	return 0, 0, 0, errors.New("peer credentials not supported on this platform")
}
