// Package node implements the peer-to-peer communication core: the
// Connection receive loop and handler chain, and the Node that owns the
// listening socket and the connection pool.
package node

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tecnosam/voicebox/internal/audio"
	"github.com/tecnosam/voicebox/internal/crypto"
	"github.com/tecnosam/voicebox/internal/netutil"
	"github.com/tecnosam/voicebox/internal/protocol"
)

const defaultKeepaliveInterval = 30 * time.Second

// ErrUnknownPeer is returned when an address is not in the connection pool.
var ErrUnknownPeer = errors.New("node: no connection for address")

// Config configures a Node. Zero values get safe defaults.
type Config struct {
	Username string
	// Host to bind; empty means the machine's outbound IP (loopback
	// fallback). Port 0 binds an ephemeral port.
	Host string
	Port int

	Logger *logrus.Logger
	// Device plays back audio received from peers.
	Device audio.Player
	// Validate admits or rejects an inbound connection by remote address.
	// Nil admits everything.
	Validate func(addr string) bool
	// AllowPlaintextAudio opts in to broadcasting audio to peers whose key
	// exchange has not completed. Off by default: audio to an unkeyed peer
	// would travel in the clear.
	AllowPlaintextAudio bool
	// KeepaliveInterval between IS_ALIVE probes. Zero means the default;
	// negative disables keepalives.
	KeepaliveInterval time.Duration
	// OnMessage observes every text message received on any connection.
	OnMessage func(peer, msg string)
	// Handlers are appended to every connection's handler chain after the
	// default dispatcher.
	Handlers []Handler
}

// Node owns a listening socket and a pool of peer connections. The pool is
// mutated concurrently by the accept loop, dials, broadcasts and explicit
// end-call requests, so every access goes through the mutex.
type Node struct {
	username string
	logger   *logrus.Logger

	listener net.Listener
	validate func(string) bool
	device   audio.Player

	allowPlaintextAudio bool
	onMessage           func(peer, msg string)
	extraHandlers       []Handler

	mu   sync.RWMutex
	pool map[string]*Connection

	muted  atomic.Bool
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New binds the listening socket and starts the accept loop. A port-in-use
// failure surfaces as the wrapped bind error so callers can retry another
// port.
func New(cfg Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	host := cfg.Host
	if host == "" {
		host = netutil.ExtractIP().String()
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("binding %s port %d: %w", host, cfg.Port, err)
	}

	validate := cfg.Validate
	if validate == nil {
		validate = func(string) bool { return true }
	}
	device := cfg.Device
	if device == nil {
		device = audio.Discard
	}

	n := &Node{
		username:            cfg.Username,
		logger:              logger,
		listener:            listener,
		validate:            validate,
		device:              device,
		allowPlaintextAudio: cfg.AllowPlaintextAudio,
		onMessage:           cfg.OnMessage,
		extraHandlers:       cfg.Handlers,
		pool:                make(map[string]*Connection),
		closed:              make(chan struct{}),
	}

	n.wg.Add(1)
	go n.listen()

	keepalive := cfg.KeepaliveInterval
	if keepalive == 0 {
		keepalive = defaultKeepaliveInterval
	}
	if keepalive > 0 {
		n.wg.Add(1)
		go n.keepalive(keepalive)
	}

	return n, nil
}

// Username returns the name this node registers and answers to.
func (n *Node) Username() string { return n.username }

// Addr returns the listener's address, with the actual port when an
// ephemeral one was requested.
func (n *Node) Addr() string { return n.listener.Addr().String() }

// listen accepts sockets forever. A rejected peer gets the zero-length
// refusal prefix and an immediate close; nothing enters the pool.
func (n *Node) listen() {
	defer n.wg.Done()
	n.logger.WithField("addr", n.Addr()).Info("Socket listening for new connections")

	for {
		sock, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		addr := sock.RemoteAddr().String()
		if !n.validate(addr) {
			n.logger.WithField("peer", addr).Info("Rejecting connection")
			_ = protocol.WriteRefusal(sock)
			_ = sock.Close()
			continue
		}

		n.register(sock, addr)
		n.logger.WithField("peer", addr).Info("Received connection")
	}
}

// register is the shared new-connection path for both accepted and dialed
// sockets: fresh encryptor, handler chain, pool insert, then the handshake
// (key exchange followed by SUCCESS).
func (n *Node) register(sock net.Conn, addr string) *Connection {
	enc := crypto.NewEncryptor(n.logger)

	var onMessage func(string)
	if n.onMessage != nil {
		onMessage = func(msg string) { n.onMessage(addr, msg) }
	}

	conn := newConnection(sock, connectionOptions{
		Encryptor: enc,
		Player:    n.device,
		Logger:    n.logger,
		OnMessage: onMessage,
		Handlers:  n.extraHandlers,
	})

	n.mu.Lock()
	n.pool[addr] = conn
	n.mu.Unlock()

	if err := conn.sendKeyExchange(); err != nil {
		n.logger.WithError(err).WithField("peer", addr).Warn("Failed to send key exchange")
	}
	if err := conn.Send([]byte(protocol.PayloadSuccess), protocol.TypeConnection); err != nil {
		n.logger.WithError(err).WithField("peer", addr).Warn("Failed to confirm connection")
	}

	return conn
}

// ConnectTo dials a peer and registers the connection. Connect failures are
// routine: they are logged and returned, and the node keeps running.
func (n *Node) ConnectTo(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	sock, err := net.Dial("tcp", addr)
	if err != nil {
		n.logger.WithField("peer", addr).WithError(err).Error("Machine is unreachable")
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	n.register(sock, addr)
	return nil
}

// Connection returns the pooled connection for addr.
func (n *Node) Connection(addr string) (*Connection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	conn, ok := n.pool[addr]
	return conn, ok
}

// Peers returns the addresses currently in the pool.
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peers := make([]string, 0, len(n.pool))
	for addr := range n.pool {
		peers = append(peers, addr)
	}
	return peers
}

// Send transmits one packet to the pooled peer at addr.
func (n *Node) Send(addr string, payload []byte, packetType protocol.PacketType) error {
	conn, ok := n.Connection(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return conn.Send(payload, packetType)
}

// BroadcastAudio sends one captured frame to every live, established peer.
// Sends run concurrently, one per connection, and are joined before
// returning so a slow peer cannot pile up unbounded in-flight frames.
// Killed entries observed during iteration are swept from the pool.
func (n *Node) BroadcastAudio(frame []byte) {
	if n.muted.Load() {
		return
	}

	var wg sync.WaitGroup
	for addr, conn := range n.snapshot() {
		if conn.Killed() {
			// The remote already knows; just drop the pool entry.
			n.EndCall(addr, false)
			continue
		}
		if conn.OnHold() {
			continue
		}
		if !conn.Keyed() && !n.allowPlaintextAudio {
			continue
		}

		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.Send(frame, protocol.TypeAudio); err != nil {
				n.logger.WithError(err).Debug("Audio send failed")
			}
		}(conn)
	}
	wg.Wait()
}

// EndCall removes addr from the pool. With inform set, the removed
// connection is killed and the peer notified; without it the entry is just
// dropped (used when the connection is already dead).
func (n *Node) EndCall(addr string, inform bool) {
	n.mu.Lock()
	conn, ok := n.pool[addr]
	if ok {
		delete(n.pool, addr)
	}
	n.mu.Unlock()

	if ok && inform {
		conn.Kill(true)
	}
}

// ToggleMute flips the node's mute flag and returns the new state. Existing
// connections keep their on-hold state.
func (n *Node) ToggleMute() bool {
	for {
		old := n.muted.Load()
		if n.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Muted reports whether audio broadcasting is suppressed.
func (n *Node) Muted() bool { return n.muted.Load() }

// keepalive probes established peers periodically and sweeps dead entries.
func (n *Node) keepalive(interval time.Duration) {
	defer n.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.closed:
			return
		case <-ticker.C:
			for addr, conn := range n.snapshot() {
				if conn.Killed() {
					n.EndCall(addr, false)
					continue
				}
				if err := conn.Send([]byte(protocol.PayloadIsAlive), protocol.TypeConnection); err != nil {
					n.logger.WithField("peer", addr).WithError(err).Debug("Keepalive failed")
				}
			}
		}
	}
}

func (n *Node) snapshot() map[string]*Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	snapshot := make(map[string]*Connection, len(n.pool))
	for addr, conn := range n.pool {
		snapshot[addr] = conn
	}
	return snapshot
}

// Close stops the accept loop and kills every pooled connection, informing
// the peers. Safe to call more than once.
func (n *Node) Close() error {
	n.once.Do(func() {
		close(n.closed)
		_ = n.listener.Close()
	})

	for addr, conn := range n.snapshot() {
		conn.Kill(true)
		n.EndCall(addr, false)
	}

	n.wg.Wait()
	return nil
}
