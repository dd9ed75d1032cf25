//go:build linux

package edgehost

import (
	"net"
	"syscall"
)

// peerCreds holds whatever identity the platform reports for a Unix-domain
// peer. Nil fields were unavailable.
type peerCreds struct {
	pid *int
	uid *int
}

// peerCredentials reads SO_PEERCRED off a Unix-domain connection.
func peerCredentials(c net.Conn) peerCreds {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return peerCreds{}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return peerCreds{}
	}
	var creds *syscall.Ucred
	ctrlErr := raw.Control(func(fd uintptr) {
		creds, _ = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if ctrlErr != nil || creds == nil {
		return peerCreds{}
	}
	pid := int(creds.Pid)
	uid := int(creds.Uid)
	return peerCreds{pid: &pid, uid: &uid}
}
