package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-bridge/internal/mailtest"
	"github.com/spf13/cobra"
	"github.com/wneessen/go-mail"
)

const hostname = "localhost"

type options struct {
	imapAddr string
	smtpAddr string
	httpAddr string
	user     string
	password string
	tls      bool
	seed     int
}

func main() {
	opts := options{}

	rootCmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run local IMAP and SMTP servers sharing one in-memory mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	rootCmd.Flags().StringVar(&opts.imapAddr, "imap-addr", "127.0.0.1:1143", "IMAP listen address")
	rootCmd.Flags().StringVar(&opts.smtpAddr, "smtp-addr", "127.0.0.1:2525", "SMTP listen address")
	rootCmd.Flags().StringVar(&opts.httpAddr, "http-addr", "127.0.0.1:8025", "Mailbox inspection API listen address, empty to disable")
	rootCmd.Flags().StringVar(&opts.user, "user", "oliver", "Account name")
	rootCmd.Flags().StringVar(&opts.password, "password", "oliver123", "Account password")
	rootCmd.Flags().BoolVar(&opts.tls, "tls", false, "Serve IMAP over implicit TLS and offer STARTTLS on SMTP, with a self-signed certificate")
	rootCmd.Flags().IntVar(&opts.seed, "seed", 3, "Number of messages delivered to the account on startup")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options) error {
	lokiService := sloki.NewService(sloki.Configuration{
		URL:          "http://localhost:3100/loki/api/v1/push",
		Service:      "mailbridge-devserver",
		ConsoleLevel: slog.LevelDebug,
		LokiLevel:    slog.LevelInfo,
		EnableLoki:   false,
	})
	slog.SetDefault(slog.New(lokiService))

	// users
	users := mailtest.NewUsers()
	if _, err := users.Add(opts.user, opts.password, opts.user+"@"+hostname); err != nil {
		return err
	}

	// mails
	mailboxes := mailtest.NewMailboxes()

	imapConfig := mailtest.IMAPConfig{Users: users, Mailboxes: mailboxes}
	smtpConfig := mailtest.SMTPConfig{Hostname: hostname, Users: users, Mailboxes: mailboxes}
	if opts.tls {
		serverTLS, _, err := mailtest.SelfSignedTLS()
		if err != nil {
			return err
		}
		imapConfig.TLS = serverTLS
		smtpConfig.TLS = serverTLS
	}

	// smtp server
	smtpServer := mailtest.NewSMTPServer(smtpConfig)
	if err := smtpServer.Start(opts.smtpAddr); err != nil {
		return err
	}
	defer smtpServer.Close()
	slog.Info("Started SMTP server", slog.String("addr", smtpServer.Addr()))

	// imap server
	imapServer := mailtest.NewIMAPServer(imapConfig)
	if err := imapServer.Start(opts.imapAddr); err != nil {
		return err
	}
	defer imapServer.Close()
	slog.Info("Started IMAP server", slog.String("addr", imapServer.Addr()), slog.Bool("tls", opts.tls))

	// mailbox inspection api
	if opts.httpAddr != "" {
		mux := http.NewServeMux()
		mailtest.NewInspectHandler(mailboxes).Register("/api/v1", mux)

		httpServer := &http.Server{Addr: opts.httpAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Inspection API stopped", sloki.WrapError(err))
			}
		}()
		defer httpServer.Close()
		slog.Info("Started inspection API", slog.String("addr", opts.httpAddr))
	}

	if err := seed(smtpServer.Addr(), opts); err != nil {
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	slog.Info("Shutting down")
	return nil
}

// seed delivers opts.seed messages through the SMTP server so the IMAP side
// has something to list.
func seed(smtpAddr string, opts options) error {
	if opts.seed <= 0 {
		return nil
	}

	host, portStr, err := net.SplitHostPort(smtpAddr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}

	c, err := mail.NewClient(
		host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthLogin),
		mail.WithUsername(opts.user),
		mail.WithPassword(opts.password),
		mail.WithTLSPolicy(mail.NoTLS),
	)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	msgs := make([]*mail.Msg, 0, opts.seed)
	for i := 1; i <= opts.seed; i++ {
		m := mail.NewMsg()
		if err := m.From("peter@otherdomain.com"); err != nil {
			return fmt.Errorf("failed to set From address: %w", err)
		}
		if err := m.To(opts.user + "@" + hostname); err != nil {
			return fmt.Errorf("failed to set To address: %w", err)
		}
		m.Subject(fmt.Sprintf("Welcome message %d", i))
		m.SetBodyString(mail.TypeTextPlain, "Delivered by the development server.")
		msgs = append(msgs, m)
	}

	if err := c.DialAndSend(msgs...); err != nil {
		return fmt.Errorf("failed to seed mailbox: %w", err)
	}

	slog.Info("Seeded mailbox", slog.Int("messages", opts.seed))
	return nil
}
