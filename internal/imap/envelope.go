package imap

import (
	"mime"
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-message/charset"
)

var (
	fetchHeader = regexp.MustCompile(`^\*\s+(\d+)\s+FETCH\s+\(`)
	taggedLine  = regexp.MustCompile(`(?i)^[A-Z0-9]+\s+(OK|NO|BAD)\b`)
	envelopeKey = regexp.MustCompile(`(?i)\bENVELOPE\s`)

	// first address of the first address list: ((name adl mailbox host) ...)
	addressShape = regexp.MustCompile(`\(\((NIL|"(?:[^"\\]|\\.)*")\s+(?:NIL|"(?:[^"\\]|\\.)*")\s+"((?:[^"\\]|\\.)*)"\s+"((?:[^"\\]|\\.)*)"\)`)

	wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}
)

// ParseEnvelopes extracts one record per complete ENVELOPE found in a raw
// FETCH response, in the order the server sent them. Fragments that never
// close are dropped, missing fields fall back to UnknownDate, NoSubject and
// UnknownSender.
func ParseEnvelopes(raw string) []EnvelopeRecord {
	lines := strings.Split(raw, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	var records []EnvelopeRecord
	for i := 0; i < len(lines); i++ {
		m := fetchHeader.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}

		rest := lines[i][len(m[0]):]
		loc := envelopeKey.FindStringIndex(rest)
		if loc == nil {
			continue
		}

		seq, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}

		sc := &envelopeScanner{depth: netParens(rest[:loc[0]])}
		sc.feed(rest[loc[1]:])

		j := i
		for !sc.closed && j+1 < len(lines) {
			if sc.literal == 0 && (fetchHeader.MatchString(lines[j+1]) || taggedLine.MatchString(lines[j+1])) {
				break
			}
			j++
			sc.feed("\r\n" + lines[j])
		}
		i = j

		if !sc.closed {
			continue
		}

		records = append(records, sc.record(uint32(seq)))
	}

	return records
}

// envelopeScanner tracks parenthesis depth outside of quoted strings and
// literals. It collects every string it passes and keeps a normalized copy
// of the text with literals rewritten as quoted strings.
type envelopeScanner struct {
	depth   int
	closed  bool
	strings []string
	norm    strings.Builder

	inQuote bool
	escaped bool
	current strings.Builder

	literal      int  // literal bytes still to read
	literalStart bool // waiting for the CRLF that starts a literal
	count        strings.Builder
	inCount      bool
}

func (s *envelopeScanner) feed(chunk string) {
	for i := 0; i < len(chunk) && !s.closed; i++ {
		c := chunk[i]

		switch {
		case s.literalStart:
			if c == '\r' || c == '\n' {
				if c == '\n' {
					s.literalStart = false
					if s.literal == 0 {
						s.endLiteral()
					}
				}
				continue
			}
			// no line break after {n}, treat what follows as normal text
			s.literalStart = false
			s.literal = 0
			i--

		case s.literal > 0:
			s.current.WriteByte(c)
			s.literal--
			if s.literal == 0 {
				s.endLiteral()
			}

		case s.inQuote:
			s.norm.WriteByte(c)
			switch {
			case s.escaped:
				s.current.WriteByte(c)
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inQuote = false
				s.strings = append(s.strings, s.current.String())
				s.current.Reset()
			default:
				s.current.WriteByte(c)
			}

		case s.inCount:
			if c >= '0' && c <= '9' {
				s.count.WriteByte(c)
				continue
			}
			s.inCount = false
			if c == '}' {
				n, err := strconv.Atoi(s.count.String())
				if err == nil {
					s.literal = n
					s.literalStart = true
					s.current.Reset()
					continue
				}
			}
			s.norm.WriteString("{" + s.count.String())
			i--

		default:
			switch c {
			case '"':
				s.inQuote = true
				s.current.Reset()
				s.norm.WriteByte(c)
			case '{':
				s.inCount = true
				s.count.Reset()
			case '(':
				s.depth++
				s.norm.WriteByte(c)
			case ')':
				s.depth--
				s.norm.WriteByte(c)
				if s.depth <= -1 {
					s.closed = true
				}
			default:
				s.norm.WriteByte(c)
			}
		}
	}
}

func (s *envelopeScanner) endLiteral() {
	value := s.current.String()
	s.current.Reset()
	s.strings = append(s.strings, value)
	s.norm.WriteString(quote(value))
}

func (s *envelopeScanner) field(i int) (string, bool) {
	if i >= len(s.strings) {
		return "", false
	}
	return s.strings[i], true
}

func (s *envelopeScanner) record(seq uint32) EnvelopeRecord {
	r := EnvelopeRecord{
		SeqNum:  seq,
		Date:    UnknownDate,
		Subject: NoSubject,
		From:    UnknownSender,
	}

	if date, ok := s.field(0); ok {
		r.Date = date
	}
	if subject, ok := s.field(1); ok {
		r.Subject = decodeWords(subject)
	}
	if from, ok := sender(s.norm.String()); ok {
		r.From = from
	}

	return r
}

func sender(text string) (string, bool) {
	m := addressShape.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}

	mailbox := unescape(m[2])
	host := unescape(m[3])
	addr := mailbox + "@" + host

	if m[1] == "NIL" {
		return addr, true
	}
	name := decodeWords(unescape(m[1][1 : len(m[1])-1]))
	if name == "" {
		return addr, true
	}

	return name + " <" + addr + ">", true
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var sb strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		if !escaped && s[i] == '\\' {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func decodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func netParens(s string) int {
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case inQuote && s[i] == '\\':
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && s[i] == '(':
			depth++
		case !inQuote && s[i] == ')':
			depth--
		}
	}
	return depth
}
