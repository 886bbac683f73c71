// Package scpi is a minimal line oriented SCPI client for LAN instruments.
//
// Each command is terminated with '\n' and each query reads one '\n'
// terminated response. Every call applies the configured timeout as a
// connection deadline; a timeout surfaces as an ordinary error. The Conn is
// not safe for concurrent use, which matches how instruments process one
// command at a time.
package scpi

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/jkaberg/bench-charger/internal/netutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single write or query round-trip.
const DefaultTimeout = 5 * time.Second

// Conn is an open SCPI session.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	logger  *logrus.Logger
}

// Dial parses the resource string and opens the socket.
func Dial(ctx context.Context, resource string, timeout time.Duration, logger *logrus.Logger) (*Conn, error) {
	addr, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dial := netutil.NewInstrumentDialer(timeout, logger)
	c, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}

	logger.WithFields(logrus.Fields{
		"resource": resource,
		"addr":     addr,
	}).Debug("SCPI connection open")

	return NewConn(c, timeout, logger), nil
}

// NewConn wraps an already established connection.
func NewConn(c net.Conn, timeout time.Duration, logger *logrus.Logger) *Conn {
	return &Conn{conn: c, r: bufio.NewReader(c), timeout: timeout, logger: logger}
}

// Write sends a command that produces no response.
func (c *Conn) Write(cmd string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return errors.Wrapf(err, "write %q", cmd)
	}
	c.logger.WithField("cmd", cmd).Debug("SCPI write")
	return nil
}

// Query sends cmd and returns the response line without its terminator.
func (c *Conn) Query(cmd string) (string, error) {
	if err := c.Write(cmd); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", errors.Wrap(err, "set read deadline")
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", errors.Wrapf(err, "read response to %q", cmd)
	}
	resp := strings.TrimRight(line, "\r\n")
	c.logger.WithFields(logrus.Fields{"cmd": cmd, "resp": resp}).Debug("SCPI query")
	return resp, nil
}

// Close releases the socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}
