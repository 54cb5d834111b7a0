//go:build !linux

package server

import (
	"fmt"
	"net"

	"github.com/meshguard/meshguard/internal/domain"
)

// peerProcess is unsupported off Linux; unix attestation requires
// SO_PEERCRED. Requests on such platforms are denied per request rather than
// failing the listener.
func peerProcess(net.Conn) (*domain.ProcessInfo, error) {
	return nil, fmt.Errorf("peer credentials are not supported on this platform")
}
