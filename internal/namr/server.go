package namr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ServerConfig configures a namr directory server.
type ServerConfig struct {
	// Addr to listen on, e.g. ":5050". Port 0 binds an ephemeral port.
	Addr string
	// DBPath is the SQLite file backing the registry.
	DBPath string
	Logger *logrus.Logger
}

// Server answers namr lookups and registrations over TCP.
type Server struct {
	listener net.Listener
	store    *Store
	logger   *logrus.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Server{
		listener: listener,
		store:    store,
		logger:   logger,
	}, nil
}

// Addr returns the listener's address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start accepts requests until ctx is cancelled or the listener closes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Namr server started")

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))

	buf := make([]byte, maxResponseSize)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.WithError(err).Debug("Failed to read request")
		return
	}
	if n == 0 {
		return
	}

	request := string(buf[:n])
	op, rest := request[0], request[1:]

	switch op {
	case opGet:
		addr, ok, err := s.store.Lookup(rest)
		if err != nil {
			s.logger.WithError(err).Error("Lookup failed")
			return
		}
		if !ok {
			s.logger.WithField("username", rest).Debug("Unknown username")
			return
		}
		_, _ = conn.Write([]byte(addr))

	case opSet:
		name, addr, found := strings.Cut(rest, " ")
		if !found || name == "" || addr == "" {
			s.logger.WithField("request", request).Debug("Malformed register request")
			_, _ = conn.Write([]byte{0x00})
			return
		}
		ok, err := s.store.Register(name, addr)
		if err != nil {
			s.logger.WithError(err).Error("Register failed")
			_, _ = conn.Write([]byte{0x00})
			return
		}
		status := byte(0x00)
		if ok {
			status = 0x01
			s.logger.WithFields(logrus.Fields{"username": name, "addr": addr}).Info("Registered username")
		}
		_, _ = conn.Write([]byte{status})

	default:
		s.logger.WithField("request", request).Debug("Unknown namr operation")
	}
}
