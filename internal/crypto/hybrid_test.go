package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnosam/voicebox/internal/protocol"
)

// keyedPair returns two encryptors where sender can encrypt to receiver.
func keyedPair(t *testing.T) (sender, receiver *Encryptor) {
	t.Helper()

	sender = NewEncryptor(nil)
	receiver = NewEncryptor(nil)

	identity, err := receiver.PublicIdentity()
	require.NoError(t, err)
	require.NoError(t, sender.SetPeerKey(identity))

	return sender, receiver
}

func TestPlaintextFallback(t *testing.T) {
	enc := NewEncryptor(nil)

	payload := []byte("before any key exchange")

	// No peer key: encrypt is the identity function.
	out, err := enc.Encrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	// No private key materialized: decrypt is the identity function.
	assert.Equal(t, payload, NewEncryptor(nil).Decrypt(payload))
}

func TestHybridRoundTrip(t *testing.T) {
	sender, receiver := keyedPair(t)

	sizes := []int{0, 1, 16, 190, 4096, 2 << 20}
	for _, size := range sizes {
		payload := make([]byte, size)
		_, err := io.ReadFull(rand.Reader, payload)
		require.NoError(t, err)

		ciphertext, err := sender.Encrypt(payload)
		require.NoError(t, err)
		if size > 0 {
			assert.NotEqual(t, payload, ciphertext, "size %d must not ship in the clear", size)
		}

		assert.Equal(t, payload, receiver.Decrypt(ciphertext), "round trip failed for %d bytes", size)
	}
}

func TestCiphertextFreshness(t *testing.T) {
	sender, _ := keyedPair(t)

	payload := []byte("same plaintext twice")

	first, err := sender.Encrypt(payload)
	require.NoError(t, err)
	second, err := sender.Encrypt(payload)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "per-message key and IV must be fresh")
}

func TestEncryptedWireStructure(t *testing.T) {
	sender, _ := keyedPair(t)

	ciphertext, err := sender.Encrypt([]byte("structured"))
	require.NoError(t, err)

	require.Greater(t, len(ciphertext), 4)
	keyLen := binary.BigEndian.Uint32(ciphertext[:4])
	// RSA-2048 wrap is always 256 bytes.
	assert.Equal(t, uint32(256), keyLen)
	assert.Len(t, ciphertext, 4+256+len("structured"))
}

func TestHandleIncomingKeyExchange(t *testing.T) {
	local := NewEncryptor(nil)
	remote := NewEncryptor(nil)

	identity, err := remote.PublicIdentity()
	require.NoError(t, err)

	assert.False(t, local.Keyed())

	pkt := protocol.Packet{Type: protocol.TypeKeyExchange, Payload: identity}
	out := local.HandleIncoming(pkt)

	assert.True(t, local.Keyed())
	assert.Equal(t, pkt, out, "key exchange packets pass through the chain")
}

func TestHandleIncomingIgnoresOtherTypes(t *testing.T) {
	local := NewEncryptor(nil)

	pkt := protocol.Packet{Type: protocol.TypeMsg, Payload: []byte("hello")}
	assert.Equal(t, pkt, local.HandleIncoming(pkt))
	assert.False(t, local.Keyed())
}

func TestHandleIncomingMalformedKey(t *testing.T) {
	local := NewEncryptor(nil)

	pkt := protocol.Packet{Type: protocol.TypeKeyExchange, Payload: []byte("not a pem block")}
	assert.Equal(t, pkt, local.HandleIncoming(pkt))
	assert.False(t, local.Keyed())
}

func TestDecryptGarbagePassthrough(t *testing.T) {
	enc := NewEncryptor(nil)
	_, err := enc.PublicIdentity()
	require.NoError(t, err)

	inputs := [][]byte{
		{},
		{0x01, 0x02},
		[]byte("a plaintext frame from an unkeyed peer"),
		append(binary.BigEndian.AppendUint32(nil, 256), bytes.Repeat([]byte{0xFF}, 300)...),
	}

	for _, input := range inputs {
		assert.Equal(t, input, enc.Decrypt(input), "undecryptable input must pass through unchanged")
	}
}

func TestPublicIdentityStable(t *testing.T) {
	enc := NewEncryptor(nil)

	first, err := enc.PublicIdentity()
	require.NoError(t, err)
	second, err := enc.PublicIdentity()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, string(first), "BEGIN PUBLIC KEY")
}
