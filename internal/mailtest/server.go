package mailtest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/OliverSchlueter/goutils/sloki"
)

// Transcript records every line a client sent, in arrival order.
type Transcript struct {
	lines []string
	mu    sync.Mutex
}

func (t *Transcript) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
}

func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// Has reports whether any recorded line contains the command verb. For
// tagged IMAP lines the tag is skipped.
func (t *Transcript) Has(verb string) bool {
	for _, line := range t.Lines() {
		fields := strings.Fields(strings.ToUpper(line))
		for i, f := range fields {
			if i > 1 {
				break
			}
			if f == verb || strings.HasPrefix(f, verb+":") {
				return true
			}
		}
	}
	return false
}

// listener accepts connections in the background and hands each one to
// handle on its own goroutine.
type listener struct {
	ln     net.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func (l *listener) start(addr string, tlsConfig *tls.Config, handle func(net.Conn)) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	var (
		ln  net.Listener
		err error
	)
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l.ln = ln
	l.conns = map[net.Conn]struct{}{}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Warn("Failed to accept connection", sloki.WrapError(err))
				continue
			}

			if !l.track(conn) {
				_ = conn.Close()
				return
			}

			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer l.untrack(conn)
				handle(conn)
			}()
		}
	}()

	return nil
}

func (l *listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *listener) untrack(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.conns, conn)
}

func (l *listener) addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// close stops accepting, drops open connections and waits for the handlers.
func (l *listener) close() error {
	if l.ln == nil {
		return nil
	}

	l.mu.Lock()
	l.closed = true
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func writeLine(w *bufio.Writer, line string) {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		slog.Error("Failed to write to connection", sloki.WrapError(err))
		return
	}
	if err := w.Flush(); err != nil {
		slog.Error("Failed to flush writer", sloki.WrapError(err))
		return
	}

	slog.Debug("S: " + line)
}
