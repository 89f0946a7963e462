// Package handshake implements the per-connection handshake state machine:
// optional proxy CONNECT, MSE key exchange and obfuscated sync, and the
// BitTorrent handshake proper. The peer's first message after the handshake
// (bitfield or keep-alive) is not read here; bytes already buffered past the
// handshake are handed back in Success.Residual.
// Grounded on original_source/src/protocol/handshake.cc/.h and
// handshake_manager.cc/.h, using the mse package for the encryption phases.
package handshake

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dannyzb/ratched/mse"
	pp "github.com/dannyzb/ratched/peer_protocol"
)

const protocolString = "BitTorrent protocol"

// Mode selects which side of the handshake this state machine plays.
type Mode int

const (
	Outgoing Mode = iota
	Incoming
)

// EncryptionPolicy controls whether this side attempts MSE obfuscation.
type EncryptionPolicy int

const (
	EncryptionDisabled EncryptionPolicy = iota
	EncryptionPreferred
	EncryptionRequired
)

// Config bounds one handshake attempt.
type Config struct {
	Mode             Mode
	Policy           EncryptionPolicy
	CryptoProvide    mse.CryptoMethod
	InfoHash         [20]byte // known for outgoing; discovered for incoming
	PeerID           [20]byte
	Extensions       pp.ExtensionBits
	LookupInfoHash   func(obfuscated [20]byte) ([20]byte, bool) // incoming only
	ProxyAddr        string // non-empty to CONNECT through a proxy first
	Timeout          time.Duration
	BitfieldTimeout  time.Duration
}

// Outcome is the tagged-sum handshake result (spec.md §9 REDESIGN FLAGS):
// exactly one of Success, Retryable or Fatal is non-nil/true.
type Outcome struct {
	Success   *Success
	Retryable *Retryable
	Fatal     error
}

type Success struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions pp.ExtensionBits
	Encrypted  bool
	CryptoUsed mse.CryptoMethod

	// Residual is any buffered bytes read past the handshake (e.g. the start
	// of the bitfield message) that the caller must treat as if freshly
	// read from the socket.
	Residual []byte

	// Bitfield is the peer's initial piece set. Run does not read that
	// message and always leaves Bitfield nil; the caller reads it itself,
	// starting from Residual.
	Bitfield *pp.Message
}

// Retryable indicates failure before BitTorrent bytes were seen: the caller
// may retry once in the opposite encryption mode.
type Retryable struct {
	Reason error
}

// Run drives the handshake to completion over conn, returning exactly one
// populated field of Outcome.
func Run(conn net.Conn, cfg Config) Outcome {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BitfieldTimeout == 0 {
		cfg.BitfieldTimeout = 120 * time.Second
	}
	conn.SetDeadline(time.Now().Add(cfg.Timeout))

	if cfg.ProxyAddr != "" {
		if err := doProxyConnect(conn, cfg.ProxyAddr); err != nil {
			return Outcome{Retryable: &Retryable{err}}
		}
	}

	r := bufio.NewReader(conn)

	btSeen := false
	var cryptoUsed mse.CryptoMethod
	var encrypted bool
	var rc4enc, rc4dec cipherStream

	if cfg.Policy != EncryptionDisabled {
		result, err := runMSE(conn, r, cfg)
		if err != nil {
			if btSeen {
				return Outcome{Fatal: err}
			}
			return Outcome{Retryable: &Retryable{err}}
		}
		if result != nil {
			encrypted = true
			cryptoUsed = result.method
			rc4enc, rc4dec = result.enc, result.dec
		}
	} else if cfg.Policy == EncryptionRequired {
		return Outcome{Fatal: errors.New("handshake: encryption required but disabled")}
	}

	writeBT := func(b []byte) error {
		if rc4enc != nil {
			out := make([]byte, len(b))
			rc4enc.XORKeyStream(out, b)
			b = out
		}
		_, err := conn.Write(b)
		return err
	}
	readExactly := func(n int) ([]byte, error) {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if rc4dec != nil {
			rc4dec.XORKeyStream(buf, buf)
		}
		return buf, nil
	}

	header := buildHeader(cfg.InfoHash, cfg.PeerID, cfg.Extensions)
	if cfg.Mode == Outgoing {
		if err := writeBT(header); err != nil {
			return Outcome{Retryable: &Retryable{err}}
		}
	}

	lenByte, err := readExactly(1)
	if err != nil {
		return Outcome{Retryable: &Retryable{err}}
	}
	if int(lenByte[0]) != len(protocolString) {
		return Outcome{Fatal: fmt.Errorf("handshake: bad protocol string length %d", lenByte[0])}
	}
	btSeen = true
	protoBytes, err := readExactly(len(protocolString))
	if err != nil {
		return Outcome{Fatal: err}
	}
	if string(protoBytes) != protocolString {
		return Outcome{Fatal: fmt.Errorf("handshake: not BitTorrent (got %q)", protoBytes)}
	}
	reservedBytes, err := readExactly(8)
	if err != nil {
		return Outcome{Fatal: err}
	}
	var reserved pp.ExtensionBits
	copy(reserved[:], reservedBytes)
	infoHashBytes, err := readExactly(20)
	if err != nil {
		return Outcome{Fatal: err}
	}
	var infoHash [20]byte
	copy(infoHash[:], infoHashBytes)
	if cfg.Mode == Outgoing && infoHash != cfg.InfoHash {
		return Outcome{Fatal: errors.New("handshake: info-hash mismatch")}
	}
	peerIDBytes, err := readExactly(20)
	if err != nil {
		return Outcome{Fatal: err}
	}
	var peerID [20]byte
	copy(peerID[:], peerIDBytes)
	if peerID == cfg.PeerID {
		return Outcome{Fatal: errors.New("handshake: self-connection")}
	}

	if cfg.Mode == Incoming {
		if err := writeBT(buildHeader(infoHash, cfg.PeerID, cfg.Extensions)); err != nil {
			return Outcome{Fatal: err}
		}
	}

	conn.SetDeadline(time.Now().Add(cfg.BitfieldTimeout))

	var residual bytes.Buffer
	if n := r.Buffered(); n > 0 {
		b, _ := r.Peek(n)
		residual.Write(b) // best effort: drain whatever's already buffered
	}

	return Outcome{Success: &Success{
		InfoHash:   infoHash,
		PeerID:     peerID,
		Extensions: reserved,
		Encrypted:  encrypted,
		CryptoUsed: cryptoUsed,
		Residual:   residual.Bytes(),
	}}
}

func buildHeader(infoHash, peerID [20]byte, ext pp.ExtensionBits) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(protocolString)))
	buf.WriteString(protocolString)
	buf.Write(ext[:])
	buf.Write(infoHash[:])
	buf.Write(peerID[:])
	return buf.Bytes()
}

func doProxyConnect(conn net.Conn, addr string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.0\r\n\r\n", addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}
	r := bufio.NewReader(conn)
	var seen bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		seen.WriteByte(b)
		if bytes.HasSuffix(seen.Bytes(), []byte("\r\n\r\n")) {
			return nil
		}
		if seen.Len() > 1<<16 {
			return errors.New("handshake: proxy reply too long")
		}
	}
}

type cipherStream interface {
	XORKeyStream(dst, src []byte)
}

type mseResult struct {
	method   mse.CryptoMethod
	enc, dec cipherStream
}

// runMSE performs the MSE key exchange and obfuscated synchronization
// (spec.md §4.I phases 2-6). Returns nil, nil if this side decided to skip
// straight to plaintext (Policy == EncryptionPreferred and negotiation
// determined plaintext is acceptable) -- a simplification of the original's
// dual-mode probing collapsed into one attempt per Run call, with retry
// handled by the caller re-invoking Run with the opposite policy.
func runMSE(conn net.Conn, r *bufio.Reader, cfg Config) (*mseResult, error) {
	ke, err := mse.NewKeyExchange(rand.Reader)
	if err != nil {
		return nil, err
	}
	pad := make([]byte, 0)
	if _, err := conn.Write(append(append([]byte{}, ke.Public[:]...), pad...)); err != nil {
		return nil, err
	}

	peerPublic := make([]byte, mse.KeyLen)
	if _, err := io.ReadFull(r, peerPublic); err != nil {
		return nil, err
	}
	secret := ke.Secret(peerPublic)

	if cfg.Mode == Outgoing {
		req1 := mse.Req1(secret)
		if _, err := conn.Write(req1[:]); err != nil {
			return nil, err
		}
		skey := cfg.InfoHash
		req23 := mse.Req2Req3(skey[:], secret)
		if _, err := conn.Write(req23[:]); err != nil {
			return nil, err
		}
		if err := writeNegotiation(conn, cfg.CryptoProvide); err != nil {
			return nil, err
		}
		vc, cryptoSelect, err := readNegotiationResponse(r, secret, cfg, false)
		if err != nil {
			return nil, err
		}
		_ = vc
		if cryptoSelect != mse.CryptoMethodRC4 {
			return nil, nil
		}
		enc, dec := deriveCiphers(secret, cfg.InfoHash[:], cfg.Mode == Incoming)
		return &mseResult{method: cryptoSelect, enc: enc, dec: dec}, nil
	}

	// Incoming: locate HASH('req1', S) in the plaintext stream, then read
	// the obfuscated skey and look up which download it names.
	if err := syncOn(r, mse.Req1(secret)); err != nil {
		return nil, err
	}
	obfBuf := make([]byte, 20)
	if _, err := io.ReadFull(r, obfBuf); err != nil {
		return nil, err
	}
	var obf [20]byte
	copy(obf[:], obfBuf)
	deob := mse.DeobfuscateHash(obf, secret)
	if cfg.LookupInfoHash == nil {
		return nil, errors.New("handshake: no info-hash lookup configured for incoming MSE")
	}
	skey, ok := cfg.LookupInfoHash(deob)
	if !ok {
		return nil, errors.New("handshake: unknown download (obfuscated skey mismatch)")
	}
	cfg.InfoHash = skey

	if err := readNegotiationRequest(r, secret, &cfg); err != nil {
		return nil, err
	}
	selected := selectCrypto(cfg)
	if err := writeNegotiationReply(conn, secret, cfg.InfoHash[:], selected); err != nil {
		return nil, err
	}
	if selected != mse.CryptoMethodRC4 {
		return nil, nil
	}
	enc, dec := deriveCiphers(secret, cfg.InfoHash[:], true)
	return &mseResult{method: selected, enc: enc, dec: dec}, nil
}

func selectCrypto(cfg Config) mse.CryptoMethod {
	if cfg.Policy == EncryptionRequired || cfg.CryptoProvide&mse.CryptoMethodPlaintext == 0 {
		return mse.CryptoMethodRC4
	}
	return mse.CryptoMethodPlaintext
}

func deriveCiphers(secret, skey []byte, incoming bool) (enc, dec cipherStream) {
	encKey := mse.EncryptKey(secret, skey, incoming)
	decKey := mse.DecryptKey(secret, skey, incoming)
	e, _ := mse.NewRC4(encKey)
	d, _ := mse.NewRC4(decKey)
	return e, d
}

func syncOn(r *bufio.Reader, needle [20]byte) error {
	var window bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		window.WriteByte(b)
		buf := window.Bytes()
		if len(buf) > 20 {
			buf = buf[len(buf)-20:]
			window.Reset()
			window.Write(buf)
		}
		if bytes.Equal(buf, needle[:]) {
			return nil
		}
		if window.Len() > (512+20)*2 {
			return errors.New("handshake: encryption sync failed")
		}
	}
}

// writeNegotiation writes VC + crypto_provide + padC-len(0) + padC + ia-len(0)
// for the initiator.
func writeNegotiation(conn net.Conn, provide mse.CryptoMethod) error {
	var buf bytes.Buffer
	buf.Write(mse.VCMarker[:])
	writeUint32(&buf, uint32(provide))
	writeUint16(&buf, 0) // padC length
	writeUint16(&buf, 0) // IA length
	_, err := conn.Write(buf.Bytes())
	return err
}

// readNegotiationResponse reads the responder's VC + crypto_select + padD
// for the initiator side.
func readNegotiationResponse(r *bufio.Reader, secret []byte, cfg Config, _ bool) (vc [8]byte, cryptoSelect mse.CryptoMethod, err error) {
	if err = syncOnReader(r, mse.VCMarker); err != nil {
		return
	}
	sel, err := readUint32(r)
	if err != nil {
		return
	}
	cryptoSelect = mse.CryptoMethod(sel)
	padLen, err := readUint16(r)
	if err != nil {
		return
	}
	if padLen > 0 {
		if _, err = io.CopyN(io.Discard, r, int64(padLen)); err != nil {
			return
		}
	}
	return
}

// readNegotiationRequest reads the initiator's VC + crypto_provide + padC +
// IA-length + IA for the responder side, storing the negotiated provide
// bitmask back onto cfg.
func readNegotiationRequest(r *bufio.Reader, secret []byte, cfg *Config) error {
	if err := syncOnReader(r, mse.VCMarker); err != nil {
		return err
	}
	provide, err := readUint32(r)
	if err != nil {
		return err
	}
	cfg.CryptoProvide = mse.CryptoMethod(provide)
	padLen, err := readUint16(r)
	if err != nil {
		return err
	}
	if padLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(padLen)); err != nil {
			return err
		}
	}
	iaLen, err := readUint16(r)
	if err != nil {
		return err
	}
	if iaLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(iaLen)); err != nil {
			return err
		}
	}
	return nil
}

func writeNegotiationReply(conn net.Conn, secret, skey []byte, selected mse.CryptoMethod) error {
	var buf bytes.Buffer
	buf.Write(mse.VCMarker[:])
	writeUint32(&buf, uint32(selected))
	writeUint16(&buf, 0) // padD length
	_, err := conn.Write(buf.Bytes())
	return err
}

func syncOnReader(r *bufio.Reader, needle [8]byte) error {
	var window bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		window.WriteByte(b)
		buf := window.Bytes()
		if len(buf) > 8 {
			buf = buf[len(buf)-8:]
			window.Reset()
			window.Write(buf)
		}
		if bytes.Equal(buf, needle[:]) {
			return nil
		}
		if window.Len() > (512+8)*2 {
			return errors.New("handshake: VC sync failed")
		}
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func readUint16(r *bufio.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}
