package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/OliverSchlueter/mail-bridge/internal/credential"
	"github.com/OliverSchlueter/mail-bridge/internal/imap"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		limit   int
		mailbox string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the envelopes of the most recent messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			records, err := newService(cfg).ListEnvelopes(cfg.IMAP, limit, mailbox)
			if err != nil {
				return err
			}

			return printEnvelopes(cmd.OutOrStdout(), records, opts.json)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", imap.DefaultLimit, "Number of messages to show")
	cmd.Flags().StringVarP(&mailbox, "mailbox", "m", imap.DefaultMailbox, "Mailbox to read")

	return cmd
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		limit   int
		mailbox string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find messages whose subject or sender contains query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			records, err := newService(cfg).SearchEnvelopes(cfg.IMAP, args[0], limit, mailbox)
			if err != nil {
				return err
			}

			return printEnvelopes(cmd.OutOrStdout(), records, opts.json)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", imap.DefaultLimit, "Maximum number of matches to show")
	cmd.Flags().StringVarP(&mailbox, "mailbox", "m", imap.DefaultMailbox, "Mailbox to search")

	return cmd
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		to       string
		subject  string
		body     string
		bodyFile string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a plain-text message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readBody(cmd.InOrStdin(), body, bodyFile)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			result, err := newService(cfg).SendMessage(cfg.SMTP, to, subject, text)
			if err != nil {
				return err
			}

			return printSendResult(cmd.OutOrStdout(), result, opts.json)
		},
	}

	cmd.Flags().StringVarP(&to, "to", "t", "", "Recipient address")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Subject line")
	cmd.Flags().StringVarP(&body, "body", "b", "", "Message text")
	cmd.Flags().StringVarP(&bodyFile, "body-file", "f", "", "Read the message text from a file, - for stdin")
	_ = cmd.MarkFlagRequired("to")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")

	return cmd
}

func readBody(stdin io.Reader, body, bodyFile string) (string, error) {
	switch bodyFile {
	case "":
		return body, nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read message text: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(bodyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read message text: %w", err)
		}
		return string(data), nil
	}
}

func newCredentialCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage passwords in the OS keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set <imap|smtp> <user>",
		Short: "Store a password, read from the terminal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			protocol, err := accountProtocol(args[0])
			if err != nil {
				return err
			}

			password, err := readPassword(cmd, fmt.Sprintf("Password for %s (%s): ", args[1], protocol))
			if err != nil {
				return err
			}

			store, err := credential.Open()
			if err != nil {
				return err
			}
			if err := store.Set(credential.Key(protocol, args[1]), password); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Password stored."))
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <imap|smtp> <user>",
		Short: "Remove a stored password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			protocol, err := accountProtocol(args[0])
			if err != nil {
				return err
			}

			store, err := credential.Open()
			if err != nil {
				return err
			}
			if err := store.Delete(credential.Key(protocol, args[1])); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Password removed."))
			return nil
		},
	}

	cmd.AddCommand(setCmd, deleteCmd)
	return cmd
}

func accountProtocol(arg string) (string, error) {
	protocol := strings.ToLower(arg)
	if protocol != "imap" && protocol != "smtp" {
		return "", fmt.Errorf("unknown account type %q, expected imap or smtp", arg)
	}
	return protocol, nil
}

// readPassword reads without echo from a terminal, or a single line when
// stdin is piped.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
