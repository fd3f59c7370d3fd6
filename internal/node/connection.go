package node

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/tecnosam/voicebox/internal/audio"
	"github.com/tecnosam/voicebox/internal/crypto"
	"github.com/tecnosam/voicebox/internal/protocol"
)

// Handler processes one decrypted packet and returns the packet the next
// handler in the chain should see.
type Handler func(protocol.Packet) protocol.Packet

// ErrConnectionKilled is returned by Send after Kill has been called.
var ErrConnectionKilled = errors.New("node: connection has been killed")

// connectionOptions configures a Connection. The handler chain is fixed at
// construction: key-exchange interceptor, then the default dispatcher, then
// any extra handlers, in order. No state is shared between instances.
type connectionOptions struct {
	Encryptor *crypto.Encryptor
	Player    audio.Player
	Logger    *logrus.Logger
	OnMessage func(msg string)
	Handlers  []Handler
}

// Connection owns one peer socket exclusively. A dedicated goroutine runs the
// receive loop from construction until Kill; every inbound frame is decoded,
// decrypted and run through the handler chain on that goroutine.
type Connection struct {
	conn      net.Conn
	encryptor *crypto.Encryptor
	handlers  []Handler
	logger    *logrus.Entry

	player    audio.Player
	messages  *MessageLog
	onMessage func(string)

	onHold atomic.Bool
	killed atomic.Bool

	sendMu sync.Mutex
	done   chan struct{}
}

func newConnection(conn net.Conn, opts connectionOptions) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	enc := opts.Encryptor
	if enc == nil {
		enc = crypto.NewEncryptor(logger)
	}
	player := opts.Player
	if player == nil {
		player = audio.Discard
	}

	c := &Connection{
		conn:      conn,
		encryptor: enc,
		logger:    logger.WithField("peer", conn.RemoteAddr().String()),
		player:    player,
		messages:  NewMessageLog(),
		onMessage: opts.OnMessage,
		done:      make(chan struct{}),
	}
	// On hold until the remote confirms the handshake with SUCCESS.
	c.onHold.Store(true)

	c.handlers = append(c.handlers, enc.HandleIncoming, c.dispatch)
	c.handlers = append(c.handlers, opts.Handlers...)

	go c.receiveLoop()
	return c
}

// receiveLoop reads frames until the connection is killed or the socket
// errors. Kill closes the socket, so a blocked read returns within one I/O
// cycle instead of stalling until the next inbound byte.
func (c *Connection) receiveLoop() {
	defer close(c.done)

	for {
		if c.killed.Load() {
			return
		}

		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrConnectionRefused):
				// There is no peer to inform; they refused us.
				c.logger.Info("Connection request was not accepted")
			case c.killed.Load():
				// Socket closed by Kill.
			default:
				c.logger.WithError(err).Debug("Receive failed, killing connection")
			}
			c.Kill(false)
			return
		}

		pkt, err := protocol.Decode(c.encryptor.Decrypt(frame))
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed packet")
			continue
		}

		for _, handler := range c.handlers {
			pkt = handler(pkt)
		}
	}
}

// dispatch is the default packet handler, always first after the encryptor's
// key-exchange interceptor. Reserved and unrecognized types pass through for
// upstream custom handlers.
func (c *Connection) dispatch(pkt protocol.Packet) protocol.Packet {
	if !pkt.Type.Application() {
		return pkt
	}

	switch pkt.Type {
	case protocol.TypeConnection:
		c.handleControl(string(pkt.Payload))
	case protocol.TypeMsg:
		msg := string(pkt.Payload)
		c.messages.Add(msg)
		c.logger.WithField("message", msg).Info("Message received")
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	case protocol.TypeAudio:
		if err := c.player.Play(pkt.Payload); err != nil {
			c.logger.WithError(err).Debug("Dropping audio frame")
		}
	}
	return pkt
}

func (c *Connection) handleControl(payload string) {
	switch payload {
	case protocol.PayloadSuccess:
		c.onHold.Store(false)
		c.logger.Info("Machines connected successfully")
	case protocol.PayloadIsAlive:
		// Liveness acknowledgement, no state change.
		c.logger.Debug("Machine connection verified")
	case protocol.PayloadDisconnected:
		// The peer informed us, so we must not echo a disconnect back.
		c.logger.Info("Machine has been disconnected")
		c.Kill(false)
	default:
		c.logger.WithField("payload", payload).Debug("Unknown control payload")
	}
}

// Send encrypts, frames and writes one packet. A connection-reset error
// triggers Kill(false): the remote is already gone and informing it is
// pointless. A broken pipe is reported but does not kill the connection.
func (c *Connection) Send(payload []byte, packetType protocol.PacketType) error {
	if c.killed.Load() {
		return ErrConnectionKilled
	}

	ciphertext, err := c.encryptor.Encrypt(protocol.Encode(protocol.Packet{Type: packetType, Payload: payload}))
	if err != nil {
		return fmt.Errorf("encrypting packet: %w", err)
	}
	return c.write(ciphertext)
}

func (c *Connection) write(frame []byte) error {
	c.sendMu.Lock()
	err := protocol.WriteFrame(c.conn, frame)
	c.sendMu.Unlock()

	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) {
			c.Kill(false)
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// sendKeyExchange ships this side's public identity as the first frame.
// It bypasses the encrypt path by construction: no peer key exists yet.
func (c *Connection) sendKeyExchange() error {
	identity, err := c.encryptor.PublicIdentity()
	if err != nil {
		return err
	}
	return c.write(protocol.Encode(protocol.Packet{Type: protocol.TypeKeyExchange, Payload: identity}))
}

// Kill flips the kill switch and closes the socket. Safe to call more than
// once. With informClient set, a best-effort DISCONNECTED control packet is
// sent before the close.
func (c *Connection) Kill(informClient bool) {
	if !c.killed.CompareAndSwap(false, true) {
		return
	}
	c.logger.Debug("Kill switch set")

	if informClient {
		pkt := protocol.Encode(protocol.Packet{Type: protocol.TypeConnection, Payload: []byte(protocol.PayloadDisconnected)})
		if ciphertext, err := c.encryptor.Encrypt(pkt); err == nil {
			_ = c.write(ciphertext)
		}
	}

	_ = c.conn.Close()
}

// Killed reports whether the kill switch has been set. Monotonic: once true,
// never reset.
func (c *Connection) Killed() bool { return c.killed.Load() }

// OnHold reports whether the handshake is still pending. Callers must not
// race application traffic ahead of handshake completion.
func (c *Connection) OnHold() bool { return c.onHold.Load() }

// Keyed reports whether outbound traffic to this peer is encrypted yet.
func (c *Connection) Keyed() bool { return c.encryptor.Keyed() }

// Messages exposes the connection's message log.
func (c *Connection) Messages() *MessageLog { return c.messages }

// Done is closed when the receive loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }
