// Package namr implements the username directory: a client that resolves
// usernames to connection info and a server that keeps the registry.
//
// The wire protocol is one request per TCP connection:
//
//	"G<name>"        -> address string, empty when unknown
//	"S<name> <addr>" -> one byte, 0x01 registered / 0x00 name taken
package namr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	opGet = 'G'
	opSet = 'S'

	maxResponseSize = 1024
	defaultTimeout  = 5 * time.Second
)

// Client talks to one or more namr servers. Lookups try each server in
// order and return the first hit; registrations stop at the first server
// that accepts the name.
type Client struct {
	servers []string
	timeout time.Duration
	logger  *logrus.Logger
}

func NewClient(servers []string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		servers: servers,
		timeout: defaultTimeout,
		logger:  logger,
	}
}

// Lookup resolves a username to "ip:port" connection info. The second
// return value is false when no server knows the name.
func (c *Client) Lookup(username string) (string, bool, error) {
	if len(c.servers) == 0 {
		return "", false, errors.New("namr: no servers configured")
	}

	for _, server := range c.servers {
		response, err := c.request(server, fmt.Sprintf("%c%s", opGet, username))
		if err != nil {
			c.logger.WithField("server", server).WithError(err).Debug("Namr lookup failed")
			continue
		}
		if len(response) > 0 {
			return string(response), true, nil
		}
	}
	return "", false, nil
}

// Register claims a username for the given connection info. Returns false
// when every reachable server reports the name as taken.
func (c *Client) Register(username, addr string) (bool, error) {
	if len(c.servers) == 0 {
		return false, errors.New("namr: no servers configured")
	}
	if strings.ContainsRune(username, ' ') {
		return false, fmt.Errorf("namr: username %q must not contain spaces", username)
	}

	var lastErr error
	for _, server := range c.servers {
		response, err := c.request(server, fmt.Sprintf("%c%s %s", opSet, username, addr))
		if err != nil {
			c.logger.WithField("server", server).WithError(err).Debug("Namr register failed")
			lastErr = err
			continue
		}
		if len(response) > 0 && response[0] == 0x01 {
			return true, nil
		}
	}
	return false, lastErr
}

// request performs one send/receive exchange against a namr server.
func (c *Client) request(server, payload string) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", server, c.timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write([]byte(payload)); err != nil {
		return nil, err
	}

	response := make([]byte, maxResponseSize)
	n, err := conn.Read(response)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return response[:n], nil
}
