package torrent

import (
	"github.com/dannyzb/ratched/dialer"
)

type (
	Dialer        = dialer.T
	NetworkDialer = dialer.WithNetwork
)

// DefaultDialerForNetwork is HandshakeManager.DialAndAdd's fallback dialer
// for network ("tcp4" or "tcp6") when Config.Dialer is nil.
func DefaultDialerForNetwork(network string) NetworkDialer {
	return dialer.NewTCP(network)
}
