package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrConnectFailed     = errors.New("connect failed")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrProtocolRejected  = errors.New("rejected by server")
	ErrTimeout           = errors.New("timed out")
	ErrMalformedResponse = errors.New("malformed response")
	ErrInvalidInput      = errors.New("invalid input")
)

// Error describes a failed protocol step. Kind is one of the sentinel errors
// above, so callers can use errors.Is(err, ErrTimeout) and friends.
type Error struct {
	Kind     error
	Protocol string // "IMAP" or "SMTP"
	State    string // machine-readable state name, e.g. "rcpt_to"
	Command  string // human readable command, e.g. "RCPT TO"
	Line     string // raw server line, if any
	Err      error
}

func (e *Error) Error() string {
	command := e.Command
	if command == "" {
		command = e.State
	}

	switch e.Kind {
	case ErrProtocolRejected, ErrAuthFailed:
		if e.Line != "" {
			return fmt.Sprintf("%s %s rejected: %s", e.Protocol, command, e.Line)
		}
	case ErrTimeout:
		return fmt.Sprintf("%s %s timed out", e.Protocol, command)
	case ErrMalformedResponse:
		return fmt.Sprintf("%s %s returned a malformed response: %q", e.Protocol, command, e.Line)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v: %v", e.Protocol, command, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Protocol, command, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Rejected builds an ErrProtocolRejected error for the given state.
func Rejected(proto, state, command, line string) *Error {
	return &Error{Kind: ErrProtocolRejected, Protocol: proto, State: state, Command: command, Line: line}
}

// ServerLine returns the raw server line carried by err, if there is one.
func ServerLine(err error) string {
	var pe *Error
	for errors.As(err, &pe) {
		if pe.Line != "" {
			return pe.Line
		}
		if pe.Err == nil {
			break
		}
		err = pe.Err
	}
	return ""
}
