package smtp

import (
	"crypto"
	"crypto/tls"
	"log/slog"
	"time"
)

type State int

const (
	StateGreeting State = iota
	StateEhlo
	StateStartTLS
	StateEhloTLS
	StateAuthLogin
	StateAuthUser
	StateAuthDone
	StateMailFrom
	StateRcptTo
	StateData
	StateDataDone
	StateQuit
	StateDone
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateEhlo:
		return "ehlo"
	case StateStartTLS:
		return "starttls"
	case StateEhloTLS:
		return "ehlo_tls"
	case StateAuthLogin:
		return "auth_login"
	case StateAuthUser:
		return "auth_user"
	case StateAuthDone:
		return "auth_done"
	case StateMailFrom:
		return "mail_from"
	case StateRcptTo:
		return "rcpt_to"
	case StateData:
		return "data"
	case StateDataDone:
		return "data_done"
	case StateQuit:
		return "quit"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Message is a single plain-text mail to one recipient.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

type Options struct {
	Host     string
	Port     int
	User     string
	Password string

	// TLS enables STARTTLS. Port 465 or ImplicitTLS switch to TLS from the
	// first byte instead.
	TLS         bool
	ImplicitTLS bool
	TLSConfig   *tls.Config

	// Helo is the name sent with EHLO.
	Helo string

	// DotStuffing doubles leading dots of body lines.
	DotStuffing bool

	DKIM *DKIMOptions

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

type DKIMOptions struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
}
