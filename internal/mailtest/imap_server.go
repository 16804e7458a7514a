package mailtest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/OliverSchlueter/goutils/sloki"
)

const DefaultIMAPGreeting = "* OK IMAP4rev1 Service Ready"

// IMAPServer is a scripted IMAP4rev1 server covering LOGIN, SELECT,
// FETCH ENVELOPE, SEARCH and LOGOUT.
type IMAPServer struct {
	users     *Users
	mailboxes *Mailboxes
	tlsConfig *tls.Config
	greeting  string
	hang      map[string]bool

	transcript Transcript
	listener   listener
}

type IMAPConfig struct {
	Users     *Users
	Mailboxes *Mailboxes

	// TLS serves implicit TLS from the first byte when set.
	TLS *tls.Config

	// Greeting replaces DefaultIMAPGreeting. NoGreeting sends nothing at all.
	Greeting   string
	NoGreeting bool

	// Hang lists commands that never get a tagged completion.
	Hang []string
}

func NewIMAPServer(config IMAPConfig) *IMAPServer {
	if config.Users == nil {
		config.Users = NewUsers()
	}
	if config.Mailboxes == nil {
		config.Mailboxes = NewMailboxes()
	}
	if config.Greeting == "" {
		config.Greeting = DefaultIMAPGreeting
	}
	if config.NoGreeting {
		config.Greeting = ""
	}

	hang := map[string]bool{}
	for _, c := range config.Hang {
		hang[strings.ToUpper(c)] = true
	}

	return &IMAPServer{
		users:     config.Users,
		mailboxes: config.Mailboxes,
		tlsConfig: config.TLS,
		greeting:  config.Greeting,
		hang:      hang,
	}
}

// Start listens on addr (127.0.0.1:0 when empty) and serves in the
// background until Close.
func (s *IMAPServer) Start(addr string) error {
	return s.listener.start(addr, s.tlsConfig, s.handle)
}

func (s *IMAPServer) Addr() string {
	return s.listener.addr()
}

func (s *IMAPServer) Close() error {
	return s.listener.close()
}

func (s *IMAPServer) Transcript() *Transcript {
	return &s.transcript
}

type imapSession struct {
	remoteAddr    string
	authenticated bool
	mailbox       string
	selected      bool
}

func (s *IMAPServer) handle(conn net.Conn) {
	defer conn.Close()

	session := &imapSession{remoteAddr: conn.RemoteAddr().String()}
	slog.Debug("New connection established", slog.String("remote_addr", session.remoteAddr), slog.String("protocol", "imap"))

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	if s.greeting != "" {
		writeLine(w, s.greeting)
	}

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
		if line == "" {
			continue
		}
		slog.Debug("C: " + line)
		s.transcript.add(line)

		tag, rest, ok := strings.Cut(line, " ")
		if !ok {
			writeLine(w, tag+" BAD Missing command")
			continue
		}
		command, args, _ := strings.Cut(rest, " ")
		command = strings.ToUpper(command)

		if s.hang[command] {
			continue
		}

		switch command {
		case "CAPABILITY":
			writeLine(w, "* CAPABILITY IMAP4rev1 AUTH=PLAIN")
			writeLine(w, tag+" OK CAPABILITY completed")

		case "NOOP":
			writeLine(w, tag+" OK NOOP completed")

		case "LOGIN":
			s.handleLogin(session, w, tag, args)

		case "SELECT", "EXAMINE":
			s.handleSelect(session, w, tag, command, args)

		case "FETCH":
			s.handleFetch(session, w, tag, args)

		case "SEARCH":
			s.handleSearch(session, w, tag, args)

		case "LOGOUT":
			writeLine(w, "* BYE IMAP4rev1 Server logging out")
			writeLine(w, tag+" OK LOGOUT completed")
			return

		default:
			writeLine(w, tag+" BAD Unknown or unsupported command: "+command)
		}
	}
}

func (s *IMAPServer) handleLogin(session *imapSession, w *bufio.Writer, tag, args string) {
	fields := parseIMAPArgs(args)
	if len(fields) != 2 {
		writeLine(w, tag+" BAD LOGIN expects user and password")
		return
	}

	if !s.users.Check(fields[0], fields[1]) {
		writeLine(w, tag+" NO [AUTHENTICATIONFAILED] Invalid credentials")
		return
	}

	session.authenticated = true
	writeLine(w, tag+" OK LOGIN completed")
}

func (s *IMAPServer) handleSelect(session *imapSession, w *bufio.Writer, tag, command, args string) {
	if !session.authenticated {
		writeLine(w, tag+" NO Not authenticated")
		return
	}

	fields := parseIMAPArgs(args)
	if len(fields) != 1 {
		writeLine(w, tag+" BAD "+command+" expects a mailbox name")
		return
	}

	msgs, err := s.mailboxes.Messages(fields[0])
	if err != nil {
		session.selected = false
		writeLine(w, tag+" NO Mailbox does not exist")
		return
	}

	session.mailbox = fields[0]
	session.selected = true

	writeLine(w, `* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	writeLine(w, fmt.Sprintf("* %d EXISTS", len(msgs)))
	writeLine(w, "* 0 RECENT")
	writeLine(w, "* OK [UIDVALIDITY 1] UIDs valid")
	writeLine(w, tag+" OK [READ-WRITE] "+command+" completed")
}

func (s *IMAPServer) handleFetch(session *imapSession, w *bufio.Writer, tag, args string) {
	if !session.selected {
		writeLine(w, tag+" NO No mailbox selected")
		return
	}

	set, items, _ := strings.Cut(args, " ")
	if !strings.Contains(strings.ToUpper(items), "ENVELOPE") {
		writeLine(w, tag+" BAD Only ENVELOPE is supported")
		return
	}

	msgs, err := s.mailboxes.Messages(session.mailbox)
	if err != nil {
		writeLine(w, tag+" NO Mailbox does not exist")
		return
	}

	seqs, err := parseSeqSet(set, uint32(len(msgs)))
	if err != nil {
		writeLine(w, tag+" BAD "+err.Error())
		return
	}

	for _, seq := range seqs {
		writeLine(w, fmt.Sprintf("* %d FETCH (ENVELOPE %s)", seq, envelope(msgs[seq-1])))
	}
	writeLine(w, tag+" OK FETCH completed")
}

func (s *IMAPServer) handleSearch(session *imapSession, w *bufio.Writer, tag, args string) {
	if !session.selected {
		writeLine(w, tag+" NO No mailbox selected")
		return
	}

	var query string
	fields := parseIMAPArgs(args)
	for i := 0; i < len(fields)-1; i++ {
		switch strings.ToUpper(fields[i]) {
		case "SUBJECT", "FROM", "TEXT":
			query = fields[i+1]
		}
	}

	seqs, err := s.mailboxes.Search(session.mailbox, query)
	if err != nil {
		writeLine(w, tag+" NO Mailbox does not exist")
		return
	}

	line := "* SEARCH"
	for _, seq := range seqs {
		line += " " + strconv.FormatUint(uint64(seq), 10)
	}
	writeLine(w, line)
	writeLine(w, tag+" OK SEARCH completed")
}

// parseIMAPArgs splits atoms and quoted strings.
func parseIMAPArgs(s string) []string {
	var (
		out     []string
		sb      strings.Builder
		inQuote bool
		quoted  bool
	)

	flush := func() {
		if sb.Len() > 0 || quoted {
			out = append(out, sb.String())
		}
		sb.Reset()
		quoted = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(s):
			i++
			sb.WriteByte(s[i])
		case c == '"':
			inQuote = !inQuote
			quoted = true
		case c == ' ' && !inQuote:
			flush()
		default:
			sb.WriteByte(c)
		}
	}
	flush()

	return out
}

// parseSeqSet expands "1:5", "3,5" and "*" against the mailbox size. The
// result is ascending and skips numbers past the end of the mailbox.
func parseSeqSet(set string, total uint32) ([]uint32, error) {
	seen := map[uint32]bool{}

	value := func(s string) (uint32, error) {
		if s == "*" {
			return total, nil
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("invalid sequence number %q", s)
		}
		return uint32(n), nil
	}

	for _, part := range strings.Split(set, ",") {
		from, to, isRange := strings.Cut(part, ":")
		start, err := value(from)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = value(to); err != nil {
				return nil, err
			}
		}
		if start > end {
			start, end = end, start
		}
		for n := start; n <= end && n <= total; n++ {
			if n > 0 {
				seen[n] = true
			}
		}
	}

	seqs := make([]uint32, 0, len(seen))
	for n := range seen {
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	return seqs, nil
}

// envelope renders the RFC 3501 ENVELOPE structure of m.
func envelope(m Message) string {
	from := "(" + address(m.From) + ")"

	to := "NIL"
	if len(m.To) > 0 {
		to = "("
		for _, rcpt := range m.To {
			to += address(ParseAddress("", rcpt))
		}
		to += ")"
	}

	messageID := "NIL"
	if m.MessageID != "" {
		messageID = imapString(m.MessageID)
	}

	return fmt.Sprintf("(%s %s %s %s %s %s NIL NIL NIL %s)",
		imapString(m.Date.Format(time.RFC1123Z)),
		imapString(mime.QEncoding.Encode("utf-8", m.Subject)),
		from, from, from, to, messageID,
	)
}

func address(a Address) string {
	name := "NIL"
	if a.Name != "" {
		name = imapString(mime.QEncoding.Encode("utf-8", a.Name))
	}
	return fmt.Sprintf("(%s NIL %s %s)", name, imapString(a.Mailbox), imapString(a.Host))
}

// imapString quotes s, or sends it as a literal when it carries characters
// a quoted string cannot hold.
func imapString(s string) string {
	if strings.ContainsAny(s, "\"\\\r\n") || !utf8.ValidString(s) || hasNonASCII(s) {
		return fmt.Sprintf("{%d}\r\n%s", len(s), s)
	}
	return `"` + s + `"`
}

func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return true
		}
	}
	return false
}
