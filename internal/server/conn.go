package server

import (
	"context"
	"net"

	"github.com/meshguard/meshguard/internal/domain"
)

type peerKey struct{}

// connContext attaches the kernel-reported peer credentials to every request
// context for the connection. Extraction happens once at accept time; a
// caller cannot influence it after connecting.
func connContext(ctx context.Context, c net.Conn) context.Context {
	proc, err := peerProcess(c)
	if err != nil {
		return ctx
	}
	return context.WithValue(ctx, peerKey{}, proc)
}

// peerFromContext returns the connection's peer credentials, or nil when the
// platform or socket type provides none.
func peerFromContext(ctx context.Context) *domain.ProcessInfo {
	proc, _ := ctx.Value(peerKey{}).(*domain.ProcessInfo)
	return proc
}
