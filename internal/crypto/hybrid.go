// Package crypto implements the per-connection hybrid encryption engine.
//
// Every outbound packet is encrypted with a fresh AES-256-CTR key and IV,
// which are wrapped with the peer's RSA public key (OAEP-SHA256) and shipped
// ahead of the ciphertext. Until a peer key arrives via the key-exchange
// packet, encryption degrades to plaintext so the handshake itself can flow.
//
// The counter-mode stream carries no integrity tag; a tampered frame decrypts
// to garbage rather than failing. Downstream handlers must tolerate that.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tecnosam/voicebox/internal/protocol"
)

const (
	rsaKeyBits = 2048

	// SymKeySize is the per-message AES key size (AES-256).
	SymKeySize = 32
	// IVSize is the per-message counter-mode IV size.
	IVSize = 16
)

// Encryptor holds one connection's keypair and, once the key exchange has
// happened, the peer's public key. One instance per connection; a keypair
// shared across connections would leak a device-wide secret across sessions.
type Encryptor struct {
	mu       sync.Mutex
	priv     *rsa.PrivateKey
	peerKey  *rsa.PublicKey
	identity []byte

	logger *logrus.Logger
}

// NewEncryptor returns an Encryptor with no key material yet. The keypair is
// generated lazily on the first PublicIdentity call.
func NewEncryptor(logger *logrus.Logger) *Encryptor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Encryptor{logger: logger}
}

// PublicIdentity returns this side's public key in PEM-encoded PKIX form,
// generating the keypair on first use. The value is stable for the
// connection's lifetime.
func (e *Encryptor) PublicIdentity() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.identity != nil {
		return e.identity, nil
	}

	if e.priv == nil {
		priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("generating keypair: %w", err)
		}
		e.priv = priv
	}

	der, err := x509.MarshalPKIXPublicKey(&e.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}

	e.identity = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return e.identity, nil
}

// Keyed reports whether the peer's public key has been established. Callers
// that must not ship plaintext (audio broadcast) check this before sending.
func (e *Encryptor) Keyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerKey != nil
}

// SetPeerKey parses a PEM-encoded PKIX public key and stores it as the
// peer's key. Subsequent Encrypt calls switch from plaintext to hybrid mode.
func (e *Encryptor) SetPeerKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return errors.New("crypto: peer key is not valid PEM")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parsing peer key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported peer key type %T", pub)
	}

	e.mu.Lock()
	e.peerKey = rsaPub
	e.mu.Unlock()
	return nil
}

// HandleIncoming is the key-exchange interceptor. It must run before any
// application handler so a key-exchange packet never reaches application
// logic. All other packets pass through unchanged.
func (e *Encryptor) HandleIncoming(pkt protocol.Packet) protocol.Packet {
	if pkt.Type != protocol.TypeKeyExchange {
		return pkt
	}

	if err := e.SetPeerKey(pkt.Payload); err != nil {
		e.logger.WithError(err).Warn("Discarding malformed key exchange packet")
		return pkt
	}

	e.logger.Debug("Peer public key established")
	return pkt
}

// Encrypt encrypts payload for the peer. With no peer key established it
// returns payload unchanged: an insecure but deliberate degrade-to-plaintext
// window that lasts until the key exchange completes.
//
// Wire form: key_len(u32 BE) || RSA-OAEP(iv || aes_key) || AES-CTR ciphertext.
// Key and IV are freshly generated per call and never reused.
func (e *Encryptor) Encrypt(payload []byte) ([]byte, error) {
	e.mu.Lock()
	peerKey := e.peerKey
	e.mu.Unlock()

	if peerKey == nil {
		return payload, nil
	}

	secret := make([]byte, IVSize+SymKeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generating message key: %w", err)
	}
	iv, key := secret[:IVSize], secret[IVSize:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, payload)

	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerKey, secret, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping message key: %w", err)
	}

	out := make([]byte, 4+len(encKey)+len(ciphertext))
	binary.BigEndian.PutUint32(out[:4], uint32(len(encKey)))
	copy(out[4:], encKey)
	copy(out[4+len(encKey):], ciphertext)
	return out, nil
}

// Decrypt reverses Encrypt. If this side's private key was never
// materialized, nothing could have been encrypted to us and the packet is
// returned unchanged. On any cryptographic failure the original bytes are
// logged and returned unchanged rather than dropped: during the handshake
// window the peer legitimately sends plaintext, and the receive loop must
// never die on a bad frame.
func (e *Encryptor) Decrypt(packet []byte) []byte {
	e.mu.Lock()
	priv := e.priv
	e.mu.Unlock()

	if priv == nil {
		return packet
	}

	plaintext, err := e.unwrap(priv, packet)
	if err != nil {
		e.logger.WithError(err).Debug("Passing packet through undecrypted")
		return packet
	}
	return plaintext
}

func (e *Encryptor) unwrap(priv *rsa.PrivateKey, packet []byte) ([]byte, error) {
	if len(packet) < 4 {
		return nil, errors.New("packet shorter than key length prefix")
	}

	keyLen := int(binary.BigEndian.Uint32(packet[:4]))
	if keyLen <= 0 || keyLen > len(packet)-4 {
		return nil, fmt.Errorf("implausible encrypted key length %d", keyLen)
	}

	secret, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, packet[4:4+keyLen], nil)
	if err != nil {
		return nil, err
	}
	if len(secret) != IVSize+SymKeySize {
		return nil, fmt.Errorf("unexpected wrapped secret length %d", len(secret))
	}

	block, err := aes.NewCipher(secret[IVSize:])
	if err != nil {
		return nil, err
	}

	ciphertext := packet[4+keyLen:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, secret[:IVSize]).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
