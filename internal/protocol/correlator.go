package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultTagPrefix = "A"

// Tagger hands out command tags. Tags are unique and strictly increasing for
// the lifetime of the Tagger, which is one session.
type Tagger struct {
	prefix string
	n      uint32
}

func NewTagger(prefix string) *Tagger {
	if prefix == "" {
		prefix = DefaultTagPrefix
	}
	return &Tagger{prefix: prefix}
}

func (t *Tagger) Next() string {
	t.n++
	return fmt.Sprintf("%s%04d", t.prefix, t.n)
}

func (c *Conn) SendCommand(tag, command string) error {
	return c.WriteLine(tag + " " + command)
}

// SendSecretCommand is SendCommand for commands carrying credentials.
func (c *Conn) SendSecretCommand(tag, command, redacted string) error {
	return c.WriteSecret(tag+" "+command, tag+" "+redacted)
}

// AwaitTagged accumulates response lines until the line completing tag
// arrives and returns everything read, the tagged line included. A tagged
// status other than OK yields ErrProtocolRejected carrying that line.
func (c *Conn) AwaitTagged(tag string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	prefix := tag + " "

	var sb strings.Builder
	for {
		line, err := c.ReadLine(deadline)
		if err != nil {
			return sb.String(), err
		}

		sb.WriteString(line)
		sb.WriteString("\r\n")

		if !strings.HasPrefix(line, prefix) {
			continue
		}

		status, _, _ := strings.Cut(line[len(prefix):], " ")
		if !strings.EqualFold(status, "OK") {
			return sb.String(), &Error{Kind: ErrProtocolRejected, Protocol: c.proto, Line: line}
		}

		return sb.String(), nil
	}
}

// Wrap attaches the state a failure happened in. Errors that already carry
// a state are returned unchanged.
func Wrap(proto, state, command string, err error) error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		if pe.State != "" {
			return err
		}
		wrapped := *pe
		wrapped.Protocol = proto
		wrapped.State = state
		wrapped.Command = command
		return &wrapped
	}

	kind := ErrConnectFailed
	if errors.Is(err, ErrTimeout) {
		kind = ErrTimeout
	}

	return &Error{Kind: kind, Protocol: proto, State: state, Command: command, Err: err}
}
