package torrent

import (
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/ratched/mse"
)

// Config holds the ambient, process-wide settings a Client is constructed
// with: timeouts, encryption policy, and callback hooks. Mirrors the
// teacher's convention of one big Config struct passed to NewClient rather
// than many constructor parameters.
type Config struct {
	// KeepAliveTimeout is how long a connection may go without a useful
	// outbound message before we send a keep-alive.
	KeepAliveTimeout time.Duration

	// HandshakeTimeout bounds the BitTorrent protocol handshake exchange
	// (spec.md §4.I phase 3-5; Open Question 1 makes this configurable).
	HandshakeTimeout time.Duration
	// BitfieldHandshakeTimeout bounds waiting for the post-handshake
	// bitfield/have-all/have-none message (spec.md §4.I phase 9).
	BitfieldHandshakeTimeout time.Duration

	// HeaderObfuscationPolicy controls whether MSE obfuscation is
	// preferred, required, or disabled for both outgoing and incoming
	// connections (spec.md §4.I.1).
	HeaderObfuscationPolicy HeaderObfuscationPolicy

	// CryptoProvides advertises which encryption methods (plaintext, RC4)
	// we offer when we initiate the handshake; as the responder we select
	// from the methods the peer offers instead.
	CryptoProvides mse.CryptoMethod

	DisableUTP bool
	DisableTCP bool

	Seed bool

	// NoUpload disables serving piece data to any peer, mirroring the
	// teacher's config knob of the same name (spec.md §4.J upload gating).
	NoUpload bool

	// MaxUnchokedUpload is the global cap on simultaneously unchoked peers
	// across every Torrent, distributed by the Client's
	// choke.ResourceManager (spec.md §4.J). choke.Unlimited disables the
	// cap.
	MaxUnchokedUpload uint32

	// UnchokeInterval is how often the Client's unchoke scheduler re-runs
	// (spec.md §4.J periodic cycling).
	UnchokeInterval time.Duration

	Callbacks Callbacks

	Logger log.Logger

	// Dialer overrides HandshakeManager.DialAndAdd's outbound dialer; nil
	// falls back to DefaultDialerForNetwork (plain TCP, Happy Eyeballs
	// fallback disabled since the peer layer already tries addresses
	// sequentially).
	Dialer Dialer
}

type HeaderObfuscationPolicy struct {
	RequirePreferred bool // Whether the value of Preferred is a strict requirement.
	Preferred        bool // Whether header obfuscation is preferred.
}

func DefaultConfig() *Config {
	return &Config{
		KeepAliveTimeout:         2 * time.Minute,
		HandshakeTimeout:         60 * time.Second,
		BitfieldHandshakeTimeout: 120 * time.Second,
		CryptoProvides:           mse.AllSupportedCrypto,
		MaxUnchokedUpload:        7,
		UnchokeInterval:          10 * time.Second,
		Logger:                   log.Default,
	}
}
