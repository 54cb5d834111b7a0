//go:build linux

package server

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/meshguard/meshguard/internal/domain"
)

// peerProcess reads SO_PEERCRED from the Unix socket and resolves the
// caller's executable path from /proc. The pid, uid, and gid come from the
// kernel and cannot be spoofed by the caller; the path is best-effort since
// the process may exit or re-exec between accept and readlink.
func peerProcess(conn net.Conn) (*domain.ProcessInfo, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to access raw connection: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("failed to control raw connection: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("SO_PEERCRED failed: %w", credErr)
	}

	proc := &domain.ProcessInfo{
		PID: int(cred.Pid),
		UID: int(cred.Uid),
		GID: int(cred.Gid),
	}
	if path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", cred.Pid)); err == nil {
		proc.Path = path
	}
	return proc, nil
}
