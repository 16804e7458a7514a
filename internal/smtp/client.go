package smtp

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-bridge/internal/protocol"
)

const proto = "SMTP"

type session struct {
	opts      Options
	msg       Message
	payload   []byte
	conn      *protocol.Conn
	tlsConfig *tls.Config
	implicit  bool
	log       *slog.Logger
}

// Send delivers msg in a single session: greeting, EHLO, optional STARTTLS,
// AUTH LOGIN, MAIL FROM, RCPT TO, DATA and QUIT. Any unexpected reply aborts
// the dialog and closes the socket without sending anything else.
func Send(opts Options, msg Message) error {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = protocol.DefaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = protocol.DefaultCommandTimeout
	}
	if opts.Helo == "" {
		opts.Helo = DefaultHelo
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if msg.From == "" {
		msg.From = opts.User
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	s := &session{
		opts:      opts,
		msg:       msg,
		tlsConfig: clientTLS(opts),
		implicit:  opts.ImplicitTLS || opts.Port == ImplicitTLSPort,
		log:       opts.Logger.With(slog.String("protocol", proto), slog.String("addr", addr)),
	}

	message := BuildMessage(msg, time.Now())
	if opts.DKIM != nil && opts.DKIM.Signer != nil {
		signed, err := signMessage(message, opts.DKIM)
		if err != nil {
			return err
		}
		message = signed
	}
	s.payload = dataPayload(message, opts.DotStuffing)

	dialCfg := protocol.DialConfig{Timeout: opts.ConnectTimeout, Logger: s.log}
	if s.implicit {
		dialCfg.TLS = s.tlsConfig
	}

	conn, err := protocol.Dial(proto, addr, dialCfg)
	if err != nil {
		return &protocol.Error{Kind: protocol.ErrConnectFailed, Protocol: proto, State: StateGreeting.String(), Command: "connect", Err: err}
	}
	s.conn = conn
	defer s.conn.Close()

	state := StateGreeting
	for state != StateDone {
		next, err := s.step(state)
		if err != nil {
			s.log.Debug("SMTP dialog aborted", slog.String("state", state.String()), sloki.WrapError(err))
			return err
		}
		state = next
	}

	s.log.Info("Email sent successfully", slog.String("to", msg.To))
	return nil
}

// step performs the exchange belonging to state and returns the state that
// follows it.
func (s *session) step(state State) (State, error) {
	cmd := commands[state]

	switch state {
	case StateGreeting:
		if err := s.expect(state); err != nil {
			return state, err
		}
		return StateEhlo, nil

	case StateEhlo, StateEhloTLS:
		if err := s.exchange(state, fmt.Sprintf(cmd.Structure, s.opts.Helo)); err != nil {
			return state, err
		}
		if state == StateEhlo && s.opts.TLS && !s.implicit {
			return StateStartTLS, nil
		}
		return s.afterGreeting(), nil

	case StateStartTLS:
		if err := s.exchange(state, cmd.Structure); err != nil {
			return state, err
		}
		if err := s.conn.StartTLS(s.tlsConfig, s.opts.CommandTimeout); err != nil {
			return state, protocol.Wrap(proto, state.String(), cmd.Name, err)
		}
		return StateEhloTLS, nil

	case StateAuthLogin:
		if err := s.exchange(state, cmd.Structure); err != nil {
			return state, err
		}
		return StateAuthUser, nil

	case StateAuthUser:
		if err := s.secret(state, s.opts.User); err != nil {
			return state, err
		}
		return StateAuthDone, nil

	case StateAuthDone:
		if err := s.secret(state, s.opts.Password); err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) && pe.Kind == protocol.ErrProtocolRejected {
				pe.Kind = protocol.ErrAuthFailed
			}
			return state, err
		}
		return StateMailFrom, nil

	case StateMailFrom:
		if err := s.exchange(state, fmt.Sprintf(cmd.Structure, envelopeAddress(s.msg.From))); err != nil {
			return state, err
		}
		return StateRcptTo, nil

	case StateRcptTo:
		if err := s.exchange(state, fmt.Sprintf(cmd.Structure, envelopeAddress(s.msg.To))); err != nil {
			return state, err
		}
		return StateData, nil

	case StateData:
		if err := s.exchange(state, cmd.Structure); err != nil {
			return state, err
		}
		return StateDataDone, nil

	case StateDataDone:
		if err := s.conn.WriteRaw(s.payload, s.opts.CommandTimeout); err != nil {
			return state, protocol.Wrap(proto, state.String(), cmd.Name, err)
		}
		if err := s.expect(state); err != nil {
			return state, err
		}
		return StateQuit, nil

	case StateQuit:
		// the message is accepted at this point, a missing 221 changes nothing
		if err := s.exchange(state, cmd.Structure); err != nil {
			s.log.Debug("QUIT not acknowledged", sloki.WrapError(err))
		}
		return StateDone, nil
	}

	return state, fmt.Errorf("unknown SMTP state %d", state)
}

func (s *session) afterGreeting() State {
	if s.opts.User == "" {
		return StateMailFrom
	}
	return StateAuthLogin
}

func (s *session) exchange(state State, line string) error {
	if err := s.conn.WriteLine(line); err != nil {
		return protocol.Wrap(proto, state.String(), commands[state].Name, err)
	}
	return s.expect(state)
}

func (s *session) secret(state State, value string) error {
	if err := s.conn.WriteSecret(base64.StdEncoding.EncodeToString([]byte(value)), "<redacted>"); err != nil {
		return protocol.Wrap(proto, state.String(), commands[state].Name, err)
	}
	return s.expect(state)
}

// expect reads one reply and fails unless it carries the code required in
// state.
func (s *session) expect(state State) error {
	cmd := commands[state]

	code, lines, err := s.conn.ReadReply(s.opts.CommandTimeout)
	if err != nil {
		return protocol.Wrap(proto, state.String(), cmd.Name, err)
	}

	if code != cmd.Expect {
		return protocol.Rejected(proto, state.String(), cmd.Name, lines[len(lines)-1])
	}
	return nil
}

func clientTLS(opts Options) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.TLSConfig != nil {
		cfg = opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = opts.Host
	}
	return cfg
}

// envelopeAddress strips a display name, "Jane <jane@x.org>" becomes
// "jane@x.org".
func envelopeAddress(addr string) string {
	i := strings.LastIndex(addr, "<")
	if i < 0 {
		return strings.TrimSpace(addr)
	}
	addr = addr[i+1:]
	if j := strings.Index(addr, ">"); j >= 0 {
		addr = addr[:j]
	}
	return addr
}
