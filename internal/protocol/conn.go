package protocol

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 15 * time.Second
)

// Conn is a line-oriented client connection. It owns the socket and the
// receive buffer; nothing else reads from the socket.
type Conn struct {
	proto  string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	log    *slog.Logger
	secure bool
}

type DialConfig struct {
	Timeout time.Duration
	// TLS wraps the socket in TLS from the first byte. Nil means plain TCP.
	TLS    *tls.Config
	Logger *slog.Logger
}

func Dial(proto, addr string, cfg DialConfig) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, cfg.TLS)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s server %s: %w", proto, addr, err)
	}

	cfg.Logger.Debug("Connection established", slog.String("remote_addr", conn.RemoteAddr().String()), slog.Bool("tls", cfg.TLS != nil))

	return NewConn(proto, conn, cfg.TLS != nil, cfg.Logger), nil
}

// NewConn wraps an already established connection.
func NewConn(proto string, conn net.Conn, secure bool, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}

	return &Conn{
		proto:  proto,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		log:    logger,
		secure: secure,
	}
}

func (c *Conn) IsTLS() bool {
	return c.secure
}

// ReadLine returns the next complete line without its terminator. The read
// fails with ErrTimeout once deadline has passed.
func (c *Conn) ReadLine(deadline time.Time) (string, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set read deadline: %w", err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	line = strings.TrimRight(line, "\r\n")
	c.log.Debug("S: " + line)

	return line, nil
}

func (c *Conn) WriteLine(line string) error {
	return c.write(line, line)
}

// WriteSecret writes line but only logs redacted.
func (c *Conn) WriteSecret(line, redacted string) error {
	return c.write(line, redacted)
}

func (c *Conn) write(line, logged string) error {
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}

	c.log.Debug("C: " + logged)
	return nil
}

// WriteRaw writes data as is, e.g. a DATA payload that already carries its
// own line terminators.
func (c *Conn) WriteRaw(data []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}

	c.log.Debug("C: <message data>", slog.Int("bytes", len(data)))
	return nil
}

// ReadReply reads one SMTP style reply. Continuation lines (a '-' in the
// 4th column) are collected until the final line, whose code is returned.
func (c *Conn) ReadReply(timeout time.Duration) (int, []string, error) {
	deadline := time.Now().Add(timeout)

	var lines []string
	for {
		line, err := c.ReadLine(deadline)
		if err != nil {
			return 0, lines, err
		}
		lines = append(lines, line)

		if len(line) >= 4 && line[3] == '-' {
			continue
		}

		if len(line) < 3 {
			return 0, lines, &Error{Kind: ErrMalformedResponse, Protocol: c.proto, Line: line}
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, lines, &Error{Kind: ErrMalformedResponse, Protocol: c.proto, Line: line, Err: err}
		}

		return code, lines, nil
	}
}

// StartTLS upgrades the connection in place. Anything still buffered from
// the plaintext phase is dropped.
func (c *Conn) StartTLS(cfg *tls.Config, timeout time.Duration) error {
	tlsConn := tls.Client(c.conn, cfg)

	if err := tlsConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear handshake deadline: %w", err)
	}

	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	c.secure = true

	c.log.Debug("TLS connection established", slog.String("remote_addr", c.conn.RemoteAddr().String()))
	return nil
}

// Close destroys the socket.
func (c *Conn) Close() {
	if err := c.conn.Close(); err != nil {
		c.log.Debug("Failed to close connection", sloki.WrapError(err))
	}
}
