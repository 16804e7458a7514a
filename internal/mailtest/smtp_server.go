package mailtest

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/google/uuid"
)

// SMTPServer is an ESMTP receiver with STARTTLS, AUTH LOGIN and AUTH PLAIN.
// Accepted messages are parsed and appended to the default mailbox.
type SMTPServer struct {
	hostname    string
	tlsConfig   *tls.Config
	implicitTLS bool
	users       *Users
	mailboxes   *Mailboxes
	reject      map[string]string

	transcript Transcript
	listener   listener

	deliveries []Delivery
	mu         sync.Mutex
}

type SMTPConfig struct {
	Hostname string

	// Users enables credential checks. Without it any AUTH succeeds.
	Users     *Users
	Mailboxes *Mailboxes

	// TLS enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLS         *tls.Config
	ImplicitTLS bool

	// Reject maps a command verb (EHLO, AUTH, MAIL, RCPT, DATA, "." for the
	// end of data) to the reply sent instead of the normal one.
	Reject map[string]string
}

// Delivery is one message accepted after the final dot.
type Delivery struct {
	From    string
	To      []string
	Data    []byte
	Message Message
}

type smtpSession struct {
	remoteAddr    string
	hostname      string
	heloReceived  bool
	tlsActive     bool
	authenticated bool

	authStep int // 1 waiting for username, 2 waiting for password
	username string

	from        string
	to          []string
	data        strings.Builder
	readingData bool
}

func (s *smtpSession) resetMail() {
	s.from = ""
	s.to = nil
	s.data.Reset()
	s.readingData = false
}

func NewSMTPServer(config SMTPConfig) *SMTPServer {
	if config.Hostname == "" {
		config.Hostname = "localhost"
	}
	if config.Mailboxes == nil {
		config.Mailboxes = NewMailboxes()
	}

	reject := map[string]string{}
	for verb, reply := range config.Reject {
		reject[strings.ToUpper(verb)] = reply
	}

	return &SMTPServer{
		hostname:    config.Hostname,
		tlsConfig:   config.TLS,
		implicitTLS: config.ImplicitTLS && config.TLS != nil,
		users:       config.Users,
		mailboxes:   config.Mailboxes,
		reject:      reject,
	}
}

// Start listens on addr (127.0.0.1:0 when empty) and serves in the
// background until Close.
func (s *SMTPServer) Start(addr string) error {
	var tlsConfig *tls.Config
	if s.implicitTLS {
		tlsConfig = s.tlsConfig
	}
	return s.listener.start(addr, tlsConfig, s.handle)
}

func (s *SMTPServer) Addr() string {
	return s.listener.addr()
}

func (s *SMTPServer) Close() error {
	return s.listener.close()
}

func (s *SMTPServer) Transcript() *Transcript {
	return &s.transcript
}

func (s *SMTPServer) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

func (s *SMTPServer) handle(conn net.Conn) {
	defer conn.Close()

	session := &smtpSession{remoteAddr: conn.RemoteAddr().String(), tlsActive: s.implicitTLS}
	slog.Debug("New connection established", slog.String("remote_addr", session.remoteAddr), slog.String("protocol", "smtp"))

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	if reply, ok := s.reject["GREETING"]; ok {
		writeLine(w, reply)
		return
	}
	writeLine(w, fmt.Sprintf(StatusServiceReady, s.hostname))

	for {
		if err := conn.SetDeadline(time.Now().Add(2 * time.Minute)); err != nil {
			slog.Error("Failed to set connection deadline", sloki.WrapError(err))
			return
		}

		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if session.readingData {
			s.handleDataLine(session, w, line)
			continue
		}

		if len(line) > maxLineLength {
			writeLine(w, StatusLineTooLong)
			continue
		}

		if session.authStep > 0 {
			s.transcript.add("<credentials>")
			s.handleAuthStep(session, w, line)
			continue
		}

		slog.Debug("C: " + line)
		s.transcript.add(line)

		fields := strings.Fields(strings.ToUpper(line))
		if len(fields) == 0 {
			writeLine(w, StatusBadCommand)
			continue
		}
		verb := fields[0]
		if i := strings.Index(verb, ":"); i > 0 {
			verb = verb[:i]
		}

		if reply, ok := s.reject[verb]; ok {
			writeLine(w, reply)
			continue
		}

		switch verb {
		case "EHLO":
			s.handleEhlo(session, w, line)

		case "HELO":
			s.handleHelo(session, w, line)

		case "STARTTLS":
			if s.tlsConfig == nil || session.tlsActive {
				writeLine(w, StatusNotImplemented)
				continue
			}

			writeLine(w, StatusReadyStarting)

			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				slog.Warn("TLS handshake failed", sloki.WrapError(err))
				return
			}

			// the client has to greet again after the upgrade
			*session = smtpSession{remoteAddr: session.remoteAddr, tlsActive: true}

			conn = tlsConn
			r = bufio.NewReader(conn)
			w = bufio.NewWriter(conn)

		case "AUTH":
			s.handleAuth(session, w, line)

		case "MAIL":
			s.handleMailFrom(session, w, line)

		case "RCPT":
			s.handleRcptTo(session, w, line)

		case "DATA":
			s.handleData(session, w)

		case "RSET":
			session.resetMail()
			writeLine(w, StatusOK)

		case "NOOP":
			writeLine(w, StatusOK)

		case "QUIT":
			writeLine(w, fmt.Sprintf(StatusConnClosed, s.hostname))
			return

		default:
			writeLine(w, StatusBadCommand)
		}
	}
}

func (s *SMTPServer) handleEhlo(session *smtpSession, w *bufio.Writer, line string) {
	session.hostname = strings.TrimSpace(line[len("EHLO"):])
	session.heloReceived = true

	lines := []string{fmt.Sprintf(StatusGreeting, s.hostname, session.hostname)}
	if s.tlsConfig != nil && !session.tlsActive {
		lines = append(lines, "250-STARTTLS")
	}
	lines = append(lines, "250-8BITMIME", "250 AUTH LOGIN PLAIN")

	for _, l := range lines {
		writeLine(w, l)
	}
}

func (s *SMTPServer) handleHelo(session *smtpSession, w *bufio.Writer, line string) {
	session.hostname = strings.TrimSpace(line[len("HELO"):])
	session.heloReceived = true

	writeLine(w, strings.Replace(fmt.Sprintf(StatusGreeting, s.hostname, session.hostname), "-", " ", 1))
}

func (s *SMTPServer) handleAuth(session *smtpSession, w *bufio.Writer, line string) {
	if !session.heloReceived {
		writeLine(w, fmt.Sprintf(StatusBadSequence, "EHLO"))
		return
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		writeLine(w, StatusBadCommand)
		return
	}

	switch strings.ToUpper(fields[1]) {
	case "LOGIN":
		session.authStep = 1
		writeLine(w, StatusAuthUsername)

	case "PLAIN":
		if len(fields) < 3 {
			writeLine(w, StatusNotImplemented)
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			writeLine(w, StatusInvalidBase64)
			return
		}

		parts := strings.SplitN(string(decoded), "\x00", 3)
		if len(parts) != 3 {
			writeLine(w, StatusInvalidBase64)
			return
		}

		s.finishAuth(session, w, parts[1], parts[2])

	default:
		writeLine(w, StatusNotImplemented)
	}
}

func (s *SMTPServer) handleAuthStep(session *smtpSession, w *bufio.Writer, line string) {
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		session.authStep = 0
		writeLine(w, StatusInvalidBase64)
		return
	}

	if session.authStep == 1 {
		session.username = string(decoded)
		session.authStep = 2
		writeLine(w, StatusAuthPassword)
		return
	}

	session.authStep = 0
	s.finishAuth(session, w, session.username, string(decoded))
}

func (s *SMTPServer) finishAuth(session *smtpSession, w *bufio.Writer, username, password string) {
	if reply, ok := s.reject["AUTHDONE"]; ok {
		writeLine(w, reply)
		return
	}

	if s.users != nil && !s.users.Check(username, password) {
		writeLine(w, StatusAuthenticationFailed)
		return
	}

	session.username = username
	session.authenticated = true
	writeLine(w, StatusAuthSuccess)
}

func (s *SMTPServer) handleMailFrom(session *smtpSession, w *bufio.Writer, line string) {
	if !session.heloReceived {
		writeLine(w, fmt.Sprintf(StatusBadSequence, "EHLO"))
		return
	}

	if s.users != nil && !session.authenticated {
		writeLine(w, StatusAuthRequired)
		return
	}

	session.resetMail()
	session.from = extractPath(line)
	writeLine(w, StatusOK)
}

func (s *SMTPServer) handleRcptTo(session *smtpSession, w *bufio.Writer, line string) {
	if session.from == "" {
		writeLine(w, fmt.Sprintf(StatusBadSequence, "MAIL FROM"))
		return
	}

	rcpt := extractPath(line)
	if !strings.Contains(rcpt, "@") {
		writeLine(w, StatusNoSuchUser)
		return
	}

	session.to = append(session.to, rcpt)
	writeLine(w, StatusOK)
}

func (s *SMTPServer) handleData(session *smtpSession, w *bufio.Writer) {
	if len(session.to) == 0 {
		writeLine(w, fmt.Sprintf(StatusBadSequence, "RCPT TO"))
		return
	}

	session.readingData = true
	writeLine(w, StatusStartMailInput)
}

func (s *SMTPServer) handleDataLine(session *smtpSession, w *bufio.Writer, line string) {
	if line != "." {
		// transparency: a leading dot was doubled by the client
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if session.data.Len()+len(line) > maxMessageSize {
			writeLine(w, StatusMessageTooLarge)
			session.resetMail()
			return
		}
		session.data.WriteString(line + "\r\n")
		return
	}

	s.transcript.add(".")
	defer session.resetMail()

	if reply, ok := s.reject["."]; ok {
		writeLine(w, reply)
		return
	}

	data := []byte(session.data.String())
	msg, err := ParseMessage(data)
	if err != nil {
		slog.Warn("Failed to parse incoming message", sloki.WrapError(err))
	}
	msg.Raw = data

	if _, err := s.mailboxes.Append(DefaultMailbox, msg); err != nil && !errors.Is(err, ErrMailboxNotFound) {
		slog.Error("Failed to store incoming message", sloki.WrapError(err))
	}

	s.mu.Lock()
	s.deliveries = append(s.deliveries, Delivery{
		From:    session.from,
		To:      append([]string(nil), session.to...),
		Data:    data,
		Message: msg,
	})
	s.mu.Unlock()

	slog.Info("Incoming email received", slog.String("from", session.from), slog.Int("size", len(data)))
	writeLine(w, fmt.Sprintf(StatusQueued, uuid.New().String()))
}

// extractPath returns the address between angle brackets of a MAIL FROM or
// RCPT TO line.
func extractPath(line string) string {
	_, path, ok := strings.Cut(line, ":")
	if !ok {
		return ""
	}
	path = strings.TrimSpace(path)
	if i := strings.Index(path, ">"); i >= 0 {
		path = path[:i]
	}
	return strings.TrimSpace(strings.TrimPrefix(path, "<"))
}
