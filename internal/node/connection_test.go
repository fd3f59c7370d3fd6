package node

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnosam/voicebox/internal/crypto"
	"github.com/tecnosam/voicebox/internal/protocol"
)

const waitFor = 2 * time.Second

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (local, remote net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	local, err = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	select {
	case remote = <-accepted:
	case <-time.After(waitFor):
		t.Fatal("accept timed out")
	}

	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

// writePacket frames a plaintext packet into w.
func writePacket(t *testing.T, w net.Conn, pkt protocol.Packet) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(w, protocol.Encode(pkt)))
}

func waitKilled(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("receive loop did not terminate")
	}
	assert.True(t, c.Killed())
}

func TestConnectionStartsOnHold(t *testing.T) {
	local, _ := tcpPair(t)

	c := newConnection(local, connectionOptions{})
	defer c.Kill(false)

	assert.True(t, c.OnHold(), "a fresh connection must be on hold until the handshake succeeds")
}

func TestSuccessFlipsOnHold(t *testing.T) {
	local, remote := tcpPair(t)

	c := newConnection(local, connectionOptions{})
	defer c.Kill(false)

	writePacket(t, remote, protocol.Packet{Type: protocol.TypeConnection, Payload: []byte(protocol.PayloadSuccess)})

	require.Eventually(t, func() bool { return !c.OnHold() }, waitFor, 10*time.Millisecond)
	assert.False(t, c.Killed())
}

func TestIsAliveKeepsState(t *testing.T) {
	local, remote := tcpPair(t)

	c := newConnection(local, connectionOptions{})
	defer c.Kill(false)

	writePacket(t, remote, protocol.Packet{Type: protocol.TypeConnection, Payload: []byte(protocol.PayloadIsAlive)})
	writePacket(t, remote, protocol.Packet{Type: protocol.TypeConnection, Payload: []byte(protocol.PayloadSuccess)})

	require.Eventually(t, func() bool { return !c.OnHold() }, waitFor, 10*time.Millisecond)
	assert.False(t, c.Killed(), "IS_ALIVE must not change connection state")
}

func TestDisconnectedKillsWithoutEcho(t *testing.T) {
	local, remote := tcpPair(t)

	c := newConnection(local, connectionOptions{})

	writePacket(t, remote, protocol.Packet{Type: protocol.TypeConnection, Payload: []byte(protocol.PayloadDisconnected)})
	waitKilled(t, c)

	// The peer informed us; no DISCONNECTED may be echoed back.
	_ = remote.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := protocol.ReadFrame(remote)
	assert.Error(t, err, "expected no frame echoed to the disconnecting peer")
}

func TestRefusalSignalKills(t *testing.T) {
	local, remote := tcpPair(t)

	c := newConnection(local, connectionOptions{})

	require.NoError(t, protocol.WriteRefusal(remote))
	waitKilled(t, c)
}

func TestKillIdempotent(t *testing.T) {
	local, _ := tcpPair(t)

	c := newConnection(local, connectionOptions{})

	c.Kill(false)
	c.Kill(false)
	waitKilled(t, c)

	assert.ErrorIs(t, c.Send([]byte("late"), protocol.TypeMsg), ErrConnectionKilled)
}

func TestKillInterruptsBlockedRead(t *testing.T) {
	local, _ := tcpPair(t)

	c := newConnection(local, connectionOptions{})

	// No inbound traffic: the loop is blocked in ReadFrame. Kill must still
	// terminate it within one I/O cycle.
	c.Kill(false)
	waitKilled(t, c)
}

func TestMessageDelivery(t *testing.T) {
	local, remote := tcpPair(t)

	var mu sync.Mutex
	var observed []string

	c := newConnection(local, connectionOptions{
		OnMessage: func(msg string) {
			mu.Lock()
			observed = append(observed, msg)
			mu.Unlock()
		},
	})
	defer c.Kill(false)

	writePacket(t, remote, protocol.Packet{Type: protocol.TypeMsg, Payload: []byte("hi there")})

	require.Eventually(t, func() bool { return c.Messages().Len() == 1 }, waitFor, 10*time.Millisecond)

	msg, ok := c.Messages().Peek()
	require.True(t, ok)
	assert.Equal(t, "hi there", msg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hi there"}, observed)
}

type recordingPlayer struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *recordingPlayer) Play(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *recordingPlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func TestAudioForwardedToPlayer(t *testing.T) {
	local, remote := tcpPair(t)

	player := &recordingPlayer{}
	c := newConnection(local, connectionOptions{Player: player})
	defer c.Kill(false)

	writePacket(t, remote, protocol.Packet{Type: protocol.TypeAudio, Payload: []byte{0x01, 0x02, 0x03}})

	require.Eventually(t, func() bool { return player.count() == 1 }, waitFor, 10*time.Millisecond)
}

func TestUnrecognizedTypesReachCustomHandlers(t *testing.T) {
	local, remote := tcpPair(t)

	seen := make(chan protocol.Packet, 2)
	c := newConnection(local, connectionOptions{
		Handlers: []Handler{func(pkt protocol.Packet) protocol.Packet {
			seen <- pkt
			return pkt
		}},
	})
	defer c.Kill(false)

	// An unknown application type and a reserved protocol type: both must
	// pass through the default dispatcher unmodified.
	writePacket(t, remote, protocol.Packet{Type: 42, Payload: []byte("future")})
	writePacket(t, remote, protocol.Packet{Type: 950, Payload: []byte("internal")})

	for _, want := range []protocol.PacketType{42, 950} {
		select {
		case pkt := <-seen:
			assert.Equal(t, want, pkt.Type)
		case <-time.After(waitFor):
			t.Fatalf("custom handler never saw type %d", want)
		}
	}
	assert.False(t, c.Killed(), "unknown types are not an error")
}

func TestSendPlaintextThenEncrypted(t *testing.T) {
	local, remote := tcpPair(t)

	c := newConnection(local, connectionOptions{})
	defer c.Kill(false)

	// Before any key exchange the frame travels as plaintext.
	require.NoError(t, c.Send([]byte("hi"), protocol.TypeMsg))

	frame, err := protocol.ReadFrame(remote)
	require.NoError(t, err)
	pkt, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMsg, pkt.Type)
	assert.Equal(t, []byte("hi"), pkt.Payload)

	// Deliver the remote's public key.
	remoteEnc := crypto.NewEncryptor(nil)
	identity, err := remoteEnc.PublicIdentity()
	require.NoError(t, err)
	writePacket(t, remote, protocol.Packet{Type: protocol.TypeKeyExchange, Payload: identity})

	require.Eventually(t, c.Keyed, waitFor, 10*time.Millisecond)

	// The same message now produces a structurally different frame that
	// only the remote's private key can open.
	require.NoError(t, c.Send([]byte("hi"), protocol.TypeMsg))

	frame, err = protocol.ReadFrame(remote)
	require.NoError(t, err)
	assert.NotEqual(t, protocol.Encode(protocol.Packet{Type: protocol.TypeMsg, Payload: []byte("hi")}), frame)

	pkt, err = protocol.Decode(remoteEnc.Decrypt(frame))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMsg, pkt.Type)
	assert.Equal(t, []byte("hi"), pkt.Payload)
}

func TestUndecryptableFrameDoesNotKillLoop(t *testing.T) {
	local, remote := tcpPair(t)

	c := newConnection(local, connectionOptions{})
	defer c.Kill(false)

	// Materialize our keypair so Decrypt actually attempts to unwrap.
	_, err := c.encryptor.PublicIdentity()
	require.NoError(t, err)

	// Garbage that fails decryption is passed through; the chain tolerates
	// it and the loop survives.
	writePacket(t, remote, protocol.Packet{Type: protocol.TypeMsg, Payload: []byte("plain from unkeyed peer")})
	writePacket(t, remote, protocol.Packet{Type: protocol.TypeConnection, Payload: []byte(protocol.PayloadSuccess)})

	require.Eventually(t, func() bool { return !c.OnHold() }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, c.Messages().Len())
}
