package bridge

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-bridge/internal/config"
	"github.com/OliverSchlueter/mail-bridge/internal/imap"
	"github.com/OliverSchlueter/mail-bridge/internal/smtp"
	"github.com/google/uuid"
)

// SendResult is what SendMessage reports back to the caller.
type SendResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Service struct {
	timeouts  config.Timeouts
	tlsConfig *tls.Config
	log       *slog.Logger
}

type Configuration struct {
	Timeouts config.Timeouts

	// TLSConfig is used for every TLS connection. Nil verifies against the
	// system roots.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

func NewService(cfg Configuration) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		timeouts:  cfg.Timeouts,
		tlsConfig: cfg.TLSConfig,
		log:       cfg.Logger,
	}
}

// ListEnvelopes returns the envelopes of the last limit messages of mailbox,
// most recent first.
func (s *Service) ListEnvelopes(settings config.IMAPSettings, limit int, mailbox string) ([]imap.EnvelopeRecord, error) {
	log := s.operationLog("list", settings)

	records, err := s.withMailbox(settings, mailbox, log, func(sel *imap.Selected) ([]imap.EnvelopeRecord, error) {
		return sel.FetchRecent(limit)
	})
	if err != nil {
		log.Error("Failed to list envelopes", sloki.WrapError(err))
		return nil, err
	}

	log.Info("Envelopes listed", slog.Int("count", len(records)))
	return records, nil
}

// SearchEnvelopes returns the envelopes of the last limit messages whose
// subject or sender matches query, most recent first.
func (s *Service) SearchEnvelopes(settings config.IMAPSettings, query string, limit int, mailbox string) ([]imap.EnvelopeRecord, error) {
	log := s.operationLog("search", settings)

	records, err := s.withMailbox(settings, mailbox, log, func(sel *imap.Selected) ([]imap.EnvelopeRecord, error) {
		return sel.Search(query, limit)
	})
	if err != nil {
		log.Error("Failed to search envelopes", sloki.WrapError(err))
		return nil, err
	}

	log.Info("Envelopes found", slog.Int("count", len(records)))
	return records, nil
}

func (s *Service) withMailbox(settings config.IMAPSettings, mailbox string, log *slog.Logger, fn func(*imap.Selected) ([]imap.EnvelopeRecord, error)) ([]imap.EnvelopeRecord, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	opts := imap.Options{
		ConnectTimeout: s.timeouts.Connect,
		CommandTimeout: s.timeouts.Command,
		Logger:         log,
	}
	if settings.TLS {
		opts.TLS = s.clientTLS(settings.Host)
	}

	conn, err := imap.Dial(address(settings.Host, settings.Port), opts)
	if err != nil {
		return nil, err
	}

	auth, err := conn.Login(settings.User, settings.Password)
	if err != nil {
		return nil, err
	}

	sel, err := auth.Select(mailbox)
	if err != nil {
		return nil, err
	}

	records, err := fn(sel)
	if err != nil {
		return nil, err
	}

	sel.Logout()
	return records, nil
}

// SendMessage sends a plain-text message from the configured account to a
// single recipient. On failure the result carries the error text as well.
func (s *Service) SendMessage(settings config.SMTPSettings, to, subject, body string) (*SendResult, error) {
	log := s.operationLog("send", settings)

	if err := s.send(settings, to, subject, body, log); err != nil {
		log.Error("Failed to send email", sloki.WrapError(err))
		return &SendResult{Success: false, Message: err.Error()}, err
	}

	log.Info("Email sent", slog.String("to", to))
	return &SendResult{Success: true, Message: fmt.Sprintf("Email sent to %s", to)}, nil
}

func (s *Service) send(settings config.SMTPSettings, to, subject, body string, log *slog.Logger) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("%w: recipient is empty", config.ErrInvalidConfig)
	}
	if config.HasLineBreak(to) {
		return fmt.Errorf("%w: recipient must not contain line breaks", config.ErrInvalidConfig)
	}

	opts := smtp.Options{
		Host:           settings.Host,
		Port:           settings.Port,
		User:           settings.User,
		Password:       settings.Password,
		TLS:            settings.TLS,
		ImplicitTLS:    settings.ImplicitTLS,
		TLSConfig:      s.clientTLS(settings.Host),
		Helo:           settings.Helo,
		DotStuffing:    settings.DotStuffing,
		ConnectTimeout: s.timeouts.Connect,
		CommandTimeout: s.timeouts.Command,
		Logger:         log,
	}

	if settings.DKIM.Domain != "" {
		signer, err := smtp.LoadDKIMKey(settings.DKIM.KeyFile)
		if err != nil {
			return err
		}
		opts.DKIM = &smtp.DKIMOptions{
			Domain:   settings.DKIM.Domain,
			Selector: settings.DKIM.Selector,
			Signer:   signer,
		}
	}

	from := settings.From
	if from == "" {
		from = settings.User
	}

	return smtp.Send(opts, smtp.Message{
		From:    from,
		To:      to,
		Subject: subject,
		Body:    body,
	})
}

func (s *Service) operationLog(operation string, settings slog.LogValuer) *slog.Logger {
	return s.log.With(
		slog.String("op_id", uuid.NewString()),
		slog.String("operation", operation),
		slog.Any("settings", settings),
	)
}

func (s *Service) clientTLS(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.tlsConfig != nil {
		cfg = s.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

func address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
