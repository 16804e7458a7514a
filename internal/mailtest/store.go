package mailtest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const DefaultMailbox = "INBOX"

var (
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrMailboxAlreadyExists = errors.New("mailbox already exists")
)

type Address struct {
	Name    string `json:"name"`
	Mailbox string `json:"mailbox"`
	Host    string `json:"host"`
}

// ParseAddress splits "user@host" into an Address.
func ParseAddress(name, addr string) Address {
	mailbox, host, _ := strings.Cut(addr, "@")
	return Address{Name: name, Mailbox: mailbox, Host: host}
}

func (a Address) String() string {
	return a.Mailbox + "@" + a.Host
}

type Message struct {
	UID       uint32    `json:"uid"`
	Date      time.Time `json:"date"`
	Subject   string    `json:"subject"`
	From      Address   `json:"from"`
	To        []string  `json:"to"`
	MessageID string    `json:"message_id"`
	Body      string    `json:"body"`
	Raw       []byte    `json:"-"`
}

// ParseMessage reads an RFC 5322 message as received through DATA.
func ParseMessage(raw []byte) (Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return Message{}, fmt.Errorf("failed to read message header: %w", err)
	}

	m := Message{Raw: raw}

	if subject, err := mr.Header.Subject(); err == nil {
		m.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil {
		m.Date = date
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		m.From = ParseAddress(from[0].Name, from[0].Address)
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			m.To = append(m.To, a.Address)
		}
	}
	m.MessageID = mr.Header.Get("Message-ID")

	part, err := mr.NextPart()
	if err != nil && !errors.Is(err, io.EOF) {
		return m, fmt.Errorf("failed to read message body: %w", err)
	}
	if part != nil {
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return m, fmt.Errorf("failed to read message body: %w", err)
		}
		m.Body = string(body)
	}

	return m, nil
}

// Mailboxes holds messages per mailbox name. Sequence numbers are the
// 1-based position in a mailbox.
type Mailboxes struct {
	boxes   map[string][]Message
	nextUID uint32
	mu      sync.Mutex
}

func NewMailboxes() *Mailboxes {
	return &Mailboxes{
		boxes: map[string][]Message{DefaultMailbox: {}},
	}
}

func (s *Mailboxes) Create(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.boxes[name]; exists {
		return ErrMailboxAlreadyExists
	}
	s.boxes[name] = []Message{}
	return nil
}

// Append stores m at the end of the mailbox and returns its sequence number.
// The default mailbox is created when missing.
func (s *Mailboxes) Append(name string, m Message) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, exists := s.boxes[name]
	if !exists {
		if !strings.EqualFold(name, DefaultMailbox) {
			return 0, ErrMailboxNotFound
		}
		name = DefaultMailbox
	}

	s.nextUID++
	if m.UID == 0 {
		m.UID = s.nextUID
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}

	s.boxes[name] = append(box, m)
	return uint32(len(s.boxes[name])), nil
}

// Names returns the mailbox names with their message counts.
func (s *Mailboxes) Names() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.boxes))
	for name, box := range s.boxes {
		out[name] = len(box)
	}
	return out
}

func (s *Mailboxes) Messages(name string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, exists := s.lookup(name)
	if !exists {
		return nil, ErrMailboxNotFound
	}

	out := make([]Message, len(box))
	copy(out, box)
	return out, nil
}

// Search returns the sequence numbers of messages whose subject or sender
// contains query, ignoring case.
func (s *Mailboxes) Search(name, query string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, exists := s.lookup(name)
	if !exists {
		return nil, ErrMailboxNotFound
	}

	q := strings.ToLower(query)
	var seqs []uint32
	for i, m := range box {
		from := strings.ToLower(m.From.Name + " " + m.From.String())
		if strings.Contains(strings.ToLower(m.Subject), q) || strings.Contains(from, q) {
			seqs = append(seqs, uint32(i+1))
		}
	}
	return seqs, nil
}

func (s *Mailboxes) lookup(name string) ([]Message, bool) {
	if strings.EqualFold(name, DefaultMailbox) {
		name = DefaultMailbox
	}
	box, exists := s.boxes[name]
	return box, exists
}
