//go:build !linux

package edgehost

import "net"

// peerCreds holds whatever identity the platform reports for a Unix-domain
// peer. Nil fields were unavailable.
type peerCreds struct {
	pid *int
	uid *int
}

// peerCredentials reports no credentials on platforms without SO_PEERCRED.
func peerCredentials(c net.Conn) peerCreds {
	return peerCreds{}
}
