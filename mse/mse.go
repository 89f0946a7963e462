// Package mse implements BitTorrent Message Stream Encryption: a
// Diffie-Hellman key exchange followed by RC4-obfuscated framing, used to
// disguise the peer wire protocol from simple traffic classifiers. None of
// this is cryptographically strong by design (spec.md §1 Non-goals: "no
// attempt at cryptographic novelty") -- it's a bit-exact reimplementation of
// the wire scheme, grounded on
// original_source/src/protocol/handshake_encryption.cc/.h.
package mse

import (
	"crypto/rc4"
	"crypto/sha1"
	"io"
	"math/big"
)

// CryptoMethod is the crypto_provide/crypto_select bitmask exchanged during
// MSE negotiation.
type CryptoMethod uint32

const (
	CryptoMethodPlaintext CryptoMethod = 1 << 0
	CryptoMethodRC4       CryptoMethod = 1 << 1

	AllSupportedCrypto = CryptoMethodPlaintext | CryptoMethodRC4
)

// dhPrime is the 768-bit MSE Diffie-Hellman modulus; dhGenerator is 2. Both
// values are taken verbatim from the original implementation so our key
// exchange interoperates byte-for-byte with it.
var dhPrime = new(big.Int).SetBytes([]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xC9, 0x0F, 0xDA, 0xA2,
	0x21, 0x68, 0xC2, 0x34, 0xC4, 0xC6, 0x62, 0x8B, 0x80, 0xDC, 0x1C, 0xD1,
	0x29, 0x02, 0x4E, 0x08, 0x8A, 0x67, 0xCC, 0x74, 0x02, 0x0B, 0xBE, 0xA6,
	0x3B, 0x13, 0x9B, 0x22, 0x51, 0x4A, 0x08, 0x79, 0x8E, 0x34, 0x04, 0xDD,
	0xEF, 0x95, 0x19, 0xB3, 0xCD, 0x3A, 0x43, 0x1B, 0x30, 0x2B, 0x0A, 0x6D,
	0xF2, 0x5F, 0x14, 0x37, 0x4F, 0xE1, 0x35, 0x6D, 0x6D, 0x51, 0xC2, 0x45,
	0xE4, 0x85, 0xB5, 0x76, 0x62, 0x5E, 0x7E, 0xC6, 0xF4, 0x4C, 0x42, 0xE9,
	0xA6, 0x3A, 0x36, 0x21, 0x00, 0x00, 0x00, 0x00, 0x00, 0x09, 0x05, 0x63,
})

var dhGenerator = big.NewInt(2)

const KeyLen = 96 // bytes in a DH public/secret value (768 bits)

// VCMarker is the 8 zero bytes used to synchronize after the key exchange.
var VCMarker = [8]byte{}

// KeyExchange holds one side's Diffie-Hellman private exponent and computes
// the shared secret once the peer's public value arrives.
type KeyExchange struct {
	private *big.Int
	Public  [KeyLen]byte
}

// NewKeyExchange generates a fresh private exponent and computes the
// corresponding public value (g^x mod p).
func NewKeyExchange(randSource io.Reader) (*KeyExchange, error) {
	private, err := randBigInt(randSource, dhPrime)
	if err != nil {
		return nil, err
	}
	pub := new(big.Int).Exp(dhGenerator, private, dhPrime)
	ke := &KeyExchange{private: private}
	putPadded(ke.Public[:], pub)
	return ke, nil
}

func randBigInt(r io.Reader, max *big.Int) (*big.Int, error) {
	buf := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(buf)
	return n.Mod(n, max), nil
}

func putPadded(dst []byte, v *big.Int) {
	b := v.Bytes()
	if len(b) > len(dst) {
		b = b[len(b)-len(dst):]
	}
	copy(dst[len(dst)-len(b):], b)
}

// Secret computes the shared secret S = (peerPublic)^private mod p, given
// the peer's public value.
func (ke *KeyExchange) Secret(peerPublic []byte) []byte {
	y := new(big.Int).SetBytes(peerPublic)
	s := new(big.Int).Exp(y, ke.private, dhPrime)
	out := make([]byte, KeyLen)
	putPadded(out, s)
	return out
}

// sha1Salt computes SHA1(salt || data...), matching the original's
// sha1_salt(salt, salt_len, data...) helper used for every MSE hash.
func sha1Salt(salt string, data ...[]byte) [20]byte {
	h := sha1.New()
	io.WriteString(h, salt)
	for _, d := range data {
		h.Write(d)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Req1 computes HASH('req1', S), the value the initiator sends first to let
// the responder locate the start of the encrypted stream.
func Req1(secret []byte) [20]byte {
	return sha1Salt("req1", secret)
}

// Req2Req3 computes HASH('req2', SKEY) XOR HASH('req3', S): the obfuscated
// infohash the initiator sends next.
func Req2Req3(skey, secret []byte) [20]byte {
	req2 := sha1Salt("req2", skey)
	req3 := sha1Salt("req3", secret)
	var out [20]byte
	for i := range out {
		out[i] = req2[i] ^ req3[i]
	}
	return out
}

// DeobfuscateHash XORs an incoming req2^req3 value with HASH('req3', S) to
// recover HASH('req2', SKEY), the value to compare against known infohashes.
func DeobfuscateHash(obfuscated [20]byte, secret []byte) [20]byte {
	req3 := sha1Salt("req3", secret)
	var out [20]byte
	for i := range out {
		out[i] = obfuscated[i] ^ req3[i]
	}
	return out
}

// cryptoKey derives the RC4 key for one direction, HASH(salt|S|SKEY), where
// salt is "keyA" (data the initiator encrypts) or "keyB" (data the
// responder encrypts). DecryptKey/EncryptKey pick the salt from the
// incoming flag, matching initialize_decrypt/initialize_encrypt's
// incoming-dependent salt swap.
func cryptoKey(salt string, secret, skey []byte) [20]byte {
	return sha1Salt(salt, secret, skey)
}

// NewRC4 builds an RC4 cipher from a derived key and discards the first
// 1024 bytes of keystream, as the original does for every direction's
// cipher before it's used to encrypt or decrypt real data.
func NewRC4(key [20]byte) (*rc4.Cipher, error) {
	c, err := rc4.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	discard := make([]byte, 1024)
	c.XORKeyStream(discard, discard)
	return c, nil
}

// DecryptKey derives this side's receive-direction RC4 key: "keyA" if we're
// the handshake initiator's peer decrypting what they encrypted with keyA
// (i.e. we are incoming), "keyB" otherwise.
func DecryptKey(secret, skey []byte, incoming bool) [20]byte {
	if incoming {
		return cryptoKey("keyA", secret, skey)
	}
	return cryptoKey("keyB", secret, skey)
}

// EncryptKey derives this side's send-direction RC4 key, the mirror image
// of DecryptKey.
func EncryptKey(secret, skey []byte, incoming bool) [20]byte {
	if incoming {
		return cryptoKey("keyB", secret, skey)
	}
	return cryptoKey("keyA", secret, skey)
}
