package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-bridge/internal/protocol"
)

const proto = "IMAP"

var (
	existsLine = regexp.MustCompile(`(?mi)^\*\s+(\d+)\s+EXISTS\s*$`)
	quoter     = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

type Options struct {
	// TLS wraps the connection in TLS from the first byte. Nil means plain TCP.
	TLS            *tls.Config
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// session is shared by the typed handles below. Each handle only exposes the
// commands that are legal in its state, Logout is legal everywhere.
type session struct {
	conn    *protocol.Conn
	tags    *protocol.Tagger
	state   State
	timeout time.Duration
	log     *slog.Logger
	preauth bool
}

// Connected is a session that received a positive greeting.
type Connected struct {
	*session
}

// Authenticated is a session after a successful LOGIN.
type Authenticated struct {
	*session
}

// Selected is a session with an open mailbox.
type Selected struct {
	*session
	mailbox string
	exists  uint32
}

// Dial connects to addr and waits for the server greeting.
func Dial(addr string, opts Options) (*Connected, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = protocol.DefaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = protocol.DefaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With(slog.String("protocol", proto), slog.String("addr", addr))

	conn, err := protocol.Dial(proto, addr, protocol.DialConfig{
		Timeout: opts.ConnectTimeout,
		TLS:     opts.TLS,
		Logger:  log,
	})
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.ErrConnectFailed, Protocol: proto, State: StateDisconnected.String(), Command: "connect", Err: err}
	}

	s := &session{
		conn:    conn,
		tags:    protocol.NewTagger(protocol.DefaultTagPrefix),
		state:   StateDisconnected,
		timeout: opts.CommandTimeout,
		log:     log,
	}

	greeting, err := conn.ReadLine(time.Now().Add(opts.ConnectTimeout))
	if err != nil {
		conn.Close()
		return nil, &protocol.Error{Kind: protocol.ErrConnectFailed, Protocol: proto, State: StateDisconnected.String(), Command: "greeting", Err: err}
	}

	status := strings.ToUpper(greeting)
	switch {
	case strings.HasPrefix(status, "* OK"):
	case strings.HasPrefix(status, "* PREAUTH"):
		s.preauth = true
	default:
		conn.Close()
		return nil, &protocol.Error{Kind: protocol.ErrConnectFailed, Protocol: proto, State: StateDisconnected.String(), Command: "greeting", Line: greeting}
	}

	s.state = StateConnected
	return &Connected{session: s}, nil
}

func (s *session) State() State {
	return s.state
}

// Login authenticates with LOGIN. A rejection closes the socket and is
// reported as ErrAuthFailed. Credentials go out as quoted strings, so line
// breaks are refused before anything is sent and 8-bit bytes are passed
// through as they are, which servers announcing UTF8=ACCEPT expect.
func (c *Connected) Login(user, password string) (*Authenticated, error) {
	if c.preauth {
		c.state = StateAuthenticated
		return &Authenticated{session: c.session}, nil
	}

	if err := c.checkQuotable("LOGIN", "user", user); err != nil {
		return nil, err
	}
	if err := c.checkQuotable("LOGIN", "password", password); err != nil {
		return nil, err
	}

	tag := c.tags.Next()
	command := "LOGIN " + quote(user) + " " + quote(password)
	if err := c.conn.SendSecretCommand(tag, command, "LOGIN "+quote(user)+" <redacted>"); err != nil {
		return nil, c.fail("LOGIN", err)
	}

	if _, err := c.conn.AwaitTagged(tag, c.timeout); err != nil {
		err = c.fail("LOGIN", err)

		var pe *protocol.Error
		if errors.As(err, &pe) && pe.Kind == protocol.ErrProtocolRejected {
			pe.Kind = protocol.ErrAuthFailed
		}
		return nil, err
	}

	c.state = StateAuthenticated
	return &Authenticated{session: c.session}, nil
}

// Select opens mailbox and reads its message count.
func (a *Authenticated) Select(mailbox string) (*Selected, error) {
	if mailbox == "" {
		mailbox = DefaultMailbox
	}

	if err := a.checkQuotable("SELECT", "mailbox", mailbox); err != nil {
		return nil, err
	}

	text, err := a.command("SELECT", "SELECT "+quote(mailbox))
	if err != nil {
		return nil, err
	}

	var exists uint32
	if m := existsLine.FindStringSubmatch(text); m != nil {
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			a.destroy()
			return nil, &protocol.Error{Kind: protocol.ErrMalformedResponse, Protocol: proto, State: a.state.String(), Command: "SELECT", Line: m[0], Err: err}
		}
		exists = uint32(n)
	}

	a.log.Debug("Mailbox selected", slog.String("mailbox", mailbox), slog.Int("exists", int(exists)))

	a.state = StateMailboxSelected
	return &Selected{session: a.session, mailbox: mailbox, exists: exists}, nil
}

func (s *Selected) Exists() uint32 {
	return s.exists
}

// FetchRecent returns the envelopes of the last limit messages, most recent
// first. An empty mailbox returns without issuing FETCH.
func (s *Selected) FetchRecent(limit int) ([]EnvelopeRecord, error) {
	if limit < 1 {
		limit = DefaultLimit
	}
	if s.exists == 0 {
		return []EnvelopeRecord{}, nil
	}

	start := uint32(1)
	if s.exists > uint32(limit) {
		start = s.exists - uint32(limit) + 1
	}

	return s.fetch(fmt.Sprintf("%d:%d", start, s.exists))
}

// Search looks for query in the subject or sender and returns the envelopes
// of the last limit matches, most recent first.
func (s *Selected) Search(query string, limit int) ([]EnvelopeRecord, error) {
	if limit < 1 {
		limit = DefaultLimit
	}

	if err := s.checkQuotable("SEARCH", "query", query); err != nil {
		return nil, err
	}

	command := "SEARCH OR SUBJECT " + quote(query) + " FROM " + quote(query)
	if !isASCII(query) {
		command = "SEARCH CHARSET UTF-8 OR SUBJECT " + quote(query) + " FROM " + quote(query)
	}

	text, err := s.command("SEARCH", command)
	if err != nil {
		return nil, err
	}

	seqs := searchResults(text)
	if len(seqs) == 0 {
		return []EnvelopeRecord{}, nil
	}
	if len(seqs) > limit {
		seqs = seqs[len(seqs)-limit:]
	}

	set := make([]string, len(seqs))
	for i, n := range seqs {
		set[i] = strconv.FormatUint(uint64(n), 10)
	}

	return s.fetch(strings.Join(set, ","))
}

func (s *Selected) fetch(set string) ([]EnvelopeRecord, error) {
	text, err := s.command("FETCH", "FETCH "+set+" (ENVELOPE)")
	if err != nil {
		return nil, err
	}

	records := ParseEnvelopes(text)
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if records == nil {
		records = []EnvelopeRecord{}
	}

	s.log.Debug("Envelopes fetched", slog.String("mailbox", s.mailbox), slog.String("set", set), slog.Int("count", len(records)))
	return records, nil
}

// Logout ends the session. A failing LOGOUT is logged and otherwise ignored,
// the socket is closed either way.
func (s *session) Logout() {
	if s.state == StateClosed {
		return
	}

	tag := s.tags.Next()
	err := s.conn.SendCommand(tag, "LOGOUT")
	if err == nil {
		_, err = s.conn.AwaitTagged(tag, s.timeout)
	}
	if err != nil {
		s.log.Warn("IMAP LOGOUT failed", sloki.WrapError(err))
	}

	s.destroy()
}

// command runs one tagged command. Any failure destroys the socket.
func (s *session) command(name, command string) (string, error) {
	tag := s.tags.Next()
	if err := s.conn.SendCommand(tag, command); err != nil {
		return "", s.fail(name, err)
	}

	text, err := s.conn.AwaitTagged(tag, s.timeout)
	if err != nil {
		return "", s.fail(name, err)
	}

	return text, nil
}

func (s *session) fail(name string, err error) error {
	state := s.state.String()
	s.destroy()
	return protocol.Wrap(proto, state, name, err)
}

func (s *session) destroy() {
	if s.state == StateClosed {
		return
	}
	s.conn.Close()
	s.state = StateClosed
}

func searchResults(text string) []uint32 {
	var seqs []uint32
	for _, line := range strings.Split(text, "\r\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "*" || !strings.EqualFold(fields[1], "SEARCH") {
			continue
		}
		for _, f := range fields[2:] {
			n, err := strconv.ParseUint(f, 10, 32)
			if err != nil || n == 0 {
				continue
			}
			seqs = append(seqs, uint32(n))
		}
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// checkQuotable closes the session when value cannot travel in a quoted
// string.
func (s *session) checkQuotable(command, what, value string) error {
	if !strings.ContainsAny(value, "\r\n\x00") {
		return nil
	}

	state := s.state.String()
	s.destroy()
	return &protocol.Error{Kind: protocol.ErrInvalidInput, Protocol: proto, State: state, Command: command, Err: fmt.Errorf("%s contains a line break or NUL", what)}
}

func quote(s string) string {
	return `"` + quoter.Replace(s) + `"`
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
