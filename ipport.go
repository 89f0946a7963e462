package torrent

import (
	"bytes"
	"errors"
	"hash/crc32"
	"net"

	pp "github.com/dannyzb/ratched/peer_protocol"
)

// IpPort is a comparable (net.IP, port) pair, used as a peer identity for
// dedup, priority and callback events.
type IpPort struct {
	IP   net.IP
	Port uint16
}

func (me IpPort) String() string {
	return net.JoinHostPort(me.IP.String(), itoa(int(me.Port)))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func tryIpPortFromNetAddr(addr PeerRemoteAddr) (IpPort, bool) {
	if addr == nil {
		return IpPort{}, false
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return IpPort{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return IpPort{}, false
	}
	port, err := parsePort(portStr)
	if err != nil {
		return IpPort{}, false
	}
	return IpPort{ip, port}, true
}

func parsePort(s string) (uint16, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("invalid port")
		}
		n = n*10 + int(c-'0')
	}
	if n > 0xffff {
		return 0, errors.New("port out of range")
	}
	return uint16(n), nil
}

// peerPriority is the BEP 40 canonical peer priority: a symmetric function
// of two endpoints used to order otherwise-equal peers deterministically,
// for example to break ties when deciding who initiates encryption or who
// a resource manager should prefer.
type peerPriority uint32

// bep40Priority computes the canonical priority for the (our, their) pair
// per BEP 40: mask each IP to its class-appropriate significant bits, XOR
// the two (lower-valued IP's bytes first), and CRC32 the result.
func bep40Priority(remote, local IpPort) (peerPriority, error) {
	ri := maskIP(remote.IP)
	li := maskIP(local.IP)
	if ri == nil || li == nil {
		return 0, errors.New("unsupported address family")
	}
	var a, b []byte
	if bytes.Compare(ri, li) <= 0 {
		a, b = ri, li
	} else {
		a, b = li, ri
	}
	xored := make([]byte, len(a))
	for i := range xored {
		xored[i] = a[i] ^ b[i]
	}
	return peerPriority(crc32.ChecksumIEEE(xored)), nil
}

func maskIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32))
	}
	if v6 := ip.To16(); v6 != nil {
		return v6.Mask(net.CIDRMask(64, 128))
	}
	return nil
}

// PeerRequestEvent is delivered through Callbacks when a request is sent to
// or deleted from a peer.
type PeerRequestEvent struct {
	Peer    *Peer
	Request Request
}

// PeerMessageEvent is delivered for notable inbound messages, e.g. a chunk
// that satisfied an outstanding request.
type PeerMessageEvent struct {
	Peer    *Peer
	Message *pp.Message
}

// ReceivedUsefulDataEvent fires once per chunk that advanced download
// progress (as opposed to a redundant or unintended chunk).
type ReceivedUsefulDataEvent struct {
	Peer    *Peer
	Message *pp.Message
}

// Callbacks lets a Client observer hook into connection lifecycle and
// request/chunk events without subclassing Peer.
type Callbacks struct {
	PeerClosed        []func(*Peer)
	SentRequest        []func(PeerRequestEvent)
	DeletedRequest     []func(PeerRequestEvent)
	ReceivedRequested   []func(PeerMessageEvent)
	ReceivedUsefulData []func(ReceivedUsefulDataEvent)
}
