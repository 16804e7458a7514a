package smtp

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/OliverSchlueter/mail-bridge/internal/mailtest"
	"github.com/OliverSchlueter/mail-bridge/internal/protocol"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg mailtest.SMTPConfig) (*mailtest.SMTPServer, Options) {
	t.Helper()

	if cfg.Users == nil {
		cfg.Users = mailtest.NewUsers()
		_, err := cfg.Users.Add("oliver", "oliver123", "oliver@localhost")
		require.NoError(t, err)
	}

	server := mailtest.NewSMTPServer(cfg)
	require.NoError(t, server.Start(""))
	t.Cleanup(func() { _ = server.Close() })

	host, portStr, err := net.SplitHostPort(server.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return server, Options{
		Host:           host,
		Port:           port,
		User:           "oliver",
		Password:       "oliver123",
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
	}
}

func testMessage() Message {
	return Message{
		From:    "oliver@localhost",
		To:      "user@example.com",
		Subject: "Test",
		Body:    "Hello",
	}
}

func TestSendMail(t *testing.T) {
	server, opts := startServer(t, mailtest.SMTPConfig{})

	require.NoError(t, Send(opts, testMessage()))

	assert.Equal(t, []string{
		"EHLO localhost",
		"AUTH LOGIN",
		"<credentials>",
		"<credentials>",
		"MAIL FROM:<oliver@localhost>",
		"RCPT TO:<user@example.com>",
		"DATA",
		".",
		"QUIT",
	}, server.Transcript().Lines())

	deliveries := server.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "oliver@localhost", deliveries[0].From)
	assert.Equal(t, []string{"user@example.com"}, deliveries[0].To)

	mr, err := mail.CreateReader(bytes.NewReader(deliveries[0].Data))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Test", subject)

	from, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "oliver@localhost", from[0].Address)

	_, err = mr.Header.Date()
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(mr.Header.Get("Message-ID"), "@localhost>"))
	assert.Equal(t, "1.0", mr.Header.Get("MIME-Version"))
	assert.Equal(t, "text/plain; charset=UTF-8", mr.Header.Get("Content-Type"))

	assert.Equal(t, "Hello\r\n", deliveries[0].Message.Body)
}

func TestSendRejectedAtRcptTo(t *testing.T) {
	server, opts := startServer(t, mailtest.SMTPConfig{
		Reject: map[string]string{"RCPT": "550 No such user here"},
	})

	err := Send(opts, testMessage())
	require.Error(t, err)

	assert.True(t, errors.Is(err, protocol.ErrProtocolRejected))
	assert.Equal(t, "SMTP RCPT TO rejected: 550 No such user here", err.Error())

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "rcpt_to", pe.State)

	lines := server.Transcript().Lines()
	assert.Equal(t, "RCPT TO:<user@example.com>", lines[len(lines)-1])
	assert.False(t, server.Transcript().Has("DATA"))
	assert.False(t, server.Transcript().Has("QUIT"))
	assert.Empty(t, server.Deliveries())
}

func TestSendAuthFailed(t *testing.T) {
	_, opts := startServer(t, mailtest.SMTPConfig{})
	opts.Password = "wrong"

	err := Send(opts, testMessage())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrAuthFailed))

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "auth_done", pe.State)
	assert.Equal(t, "535 Authentication failed", pe.Line)
}

func TestSendGreetingRejected(t *testing.T) {
	_, opts := startServer(t, mailtest.SMTPConfig{
		Reject: map[string]string{"GREETING": "554 No SMTP service here"},
	})

	err := Send(opts, testMessage())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrProtocolRejected))
	assert.Equal(t, "SMTP greeting rejected: 554 No SMTP service here", err.Error())
}

func TestSendDataRejected(t *testing.T) {
	server, opts := startServer(t, mailtest.SMTPConfig{
		Reject: map[string]string{".": "552 Message too big"},
	})

	err := Send(opts, testMessage())
	require.Error(t, err)

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "data_done", pe.State)
	assert.False(t, server.Transcript().Has("QUIT"))
}

func TestSendGreetingTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// never greet, wait for the client to give up
		_, _ = conn.Read(make([]byte, 1))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	err = Send(Options{Host: host, Port: port, CommandTimeout: 200 * time.Millisecond}, testMessage())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrTimeout))
	assert.Equal(t, "SMTP greeting timed out", err.Error())
}

func TestSendConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	err = Send(Options{Host: "127.0.0.1", Port: addr.Port, ConnectTimeout: time.Second}, testMessage())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrConnectFailed))
}

func TestSendStartTLS(t *testing.T) {
	serverTLS, clientTLS, err := mailtest.SelfSignedTLS()
	require.NoError(t, err)

	server, opts := startServer(t, mailtest.SMTPConfig{TLS: serverTLS})
	opts.TLS = true
	opts.TLSConfig = clientTLS

	require.NoError(t, Send(opts, testMessage()))

	lines := server.Transcript().Lines()
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, []string{"EHLO localhost", "STARTTLS", "EHLO localhost"}, lines[:3])
	assert.Len(t, server.Deliveries(), 1)
}

func TestSendStartTLSNotOffered(t *testing.T) {
	_, opts := startServer(t, mailtest.SMTPConfig{})
	opts.TLS = true

	err := Send(opts, testMessage())
	require.Error(t, err)

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "starttls", pe.State)
	assert.True(t, strings.HasPrefix(pe.Line, "502"))
}

func TestSendImplicitTLS(t *testing.T) {
	serverTLS, clientTLS, err := mailtest.SelfSignedTLS()
	require.NoError(t, err)

	server, opts := startServer(t, mailtest.SMTPConfig{TLS: serverTLS, ImplicitTLS: true})
	opts.TLS = true
	opts.ImplicitTLS = true
	opts.TLSConfig = clientTLS

	require.NoError(t, Send(opts, testMessage()))

	assert.False(t, server.Transcript().Has("STARTTLS"))
	assert.Len(t, server.Deliveries(), 1)
}

func TestSendWithoutUserSkipsAuth(t *testing.T) {
	server := mailtest.NewSMTPServer(mailtest.SMTPConfig{})
	require.NoError(t, server.Start(""))
	t.Cleanup(func() { _ = server.Close() })

	addr := server.Addr()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	opts := Options{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second, CommandTimeout: time.Second}
	require.NoError(t, Send(opts, testMessage()))

	assert.False(t, server.Transcript().Has("AUTH"))
	assert.Equal(t, "MAIL FROM:<oliver@localhost>", server.Transcript().Lines()[1])
	assert.Len(t, server.Deliveries(), 1)
}

func TestSendEncodesSubjectAndDisplayName(t *testing.T) {
	server, opts := startServer(t, mailtest.SMTPConfig{})

	msg := testMessage()
	msg.From = "Oliver <oliver@localhost>"
	msg.Subject = "Grüße"
	msg.Body = "Zeile eins\nZeile zwei\r\n"
	require.NoError(t, Send(opts, msg))

	deliveries := server.Deliveries()
	require.Len(t, deliveries, 1)

	assert.Equal(t, "oliver@localhost", deliveries[0].From)
	assert.Contains(t, string(deliveries[0].Data), "Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n")
	assert.Equal(t, "Grüße", deliveries[0].Message.Subject)
	assert.Equal(t, "Oliver", deliveries[0].Message.From.Name)
	assert.Equal(t, "Zeile eins\r\nZeile zwei\r\n", deliveries[0].Message.Body)
}

func TestSendDotStuffing(t *testing.T) {
	msg := testMessage()
	msg.Body = ".hidden\nshown"

	server, opts := startServer(t, mailtest.SMTPConfig{})
	require.NoError(t, Send(opts, msg))

	opts.DotStuffing = true
	require.NoError(t, Send(opts, msg))

	deliveries := server.Deliveries()
	require.Len(t, deliveries, 2)

	// without stuffing the receiver strips the leading dot
	assert.Equal(t, "hidden\r\nshown\r\n", deliveries[0].Message.Body)
	assert.Equal(t, ".hidden\r\nshown\r\n", deliveries[1].Message.Body)
}

func TestSendDKIMSigned(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	server, opts := startServer(t, mailtest.SMTPConfig{})
	opts.DKIM = &DKIMOptions{Domain: "localhost", Selector: "mail", Signer: key}

	require.NoError(t, Send(opts, testMessage()))

	deliveries := server.Deliveries()
	require.Len(t, deliveries, 1)
	require.True(t, bytes.HasPrefix(deliveries[0].Data, []byte("DKIM-Signature:")))

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(deliveries[0].Data), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != "mail._domainkey.localhost" {
				return nil, errors.New("unexpected lookup " + domain)
			}
			return []string{"v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, verifications, 1)
	assert.NoError(t, verifications[0].Err)
	assert.Equal(t, "localhost", verifications[0].Domain)
}

func TestLoadDKIMKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	dir := t.TempDir()

	pkcs1 := filepath.Join(dir, "pkcs1.pem")
	require.NoError(t, os.WriteFile(pkcs1, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := filepath.Join(dir, "pkcs8.pem")
	require.NoError(t, os.WriteFile(pkcs8, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	for _, path := range []string{pkcs1, pkcs8} {
		signer, err := LoadDKIMKey(path)
		require.NoError(t, err, path)
		assert.True(t, key.PublicKey.Equal(signer.Public()), path)
	}

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = LoadDKIMKey(garbage)
	assert.Error(t, err)

	_, err = LoadDKIMKey(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	raw := string(BuildMessage(Message{From: "a@x.org", To: "b@y.org", Subject: "Hi", Body: "one\r\ntwo\nthree\n"}, now))

	header, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)

	lines := strings.Split(header, "\r\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "From: a@x.org", lines[0])
	assert.Equal(t, "To: b@y.org", lines[1])
	assert.Equal(t, "Subject: Hi", lines[2])
	assert.Equal(t, "Date: Mon, 06 May 2024 07:08:09 +0000", lines[3])
	assert.True(t, strings.HasPrefix(lines[4], "Message-ID: <"))
	assert.True(t, strings.HasSuffix(lines[4], "@x.org>"))
	assert.Equal(t, "MIME-Version: 1.0", lines[5])
	assert.Equal(t, "Content-Type: text/plain; charset=UTF-8", lines[6])

	assert.Equal(t, "one\r\ntwo\r\nthree\r\n", body)
}

func TestDataPayload(t *testing.T) {
	message := []byte("Subject: x\r\n\r\n.a\r\nb\r\n")

	assert.Equal(t, "Subject: x\r\n\r\n.a\r\nb\r\n.\r\n", string(dataPayload(message, false)))
	assert.Equal(t, "Subject: x\r\n\r\n..a\r\nb\r\n.\r\n", string(dataPayload(message, true)))
}

func TestStateNames(t *testing.T) {
	names := map[State]string{
		StateGreeting:  "greeting",
		StateEhloTLS:   "ehlo_tls",
		StateAuthLogin: "auth_login",
		StateMailFrom:  "mail_from",
		StateRcptTo:    "rcpt_to",
		StateDataDone:  "data_done",
		StateQuit:      "quit",
	}
	for state, want := range names {
		assert.Equal(t, want, state.String())
	}

	for state := StateGreeting; state < StateDone; state++ {
		_, ok := commands[state]
		assert.True(t, ok, "no command for %s", state)
	}
}

func TestEnvelopeAddress(t *testing.T) {
	assert.Equal(t, "jane@x.org", envelopeAddress("Jane Doe <jane@x.org>"))
	assert.Equal(t, "jane@x.org", envelopeAddress(" jane@x.org "))
	assert.Equal(t, "x.org", domainOf("Jane <jane@x.org>"))
	assert.Equal(t, DefaultSubmitDomain, domainOf("nobody"))
}
