package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/OliverSchlueter/mail-bridge/internal/bridge"
	"github.com/OliverSchlueter/mail-bridge/internal/config"
	"github.com/OliverSchlueter/mail-bridge/internal/credential"
	"github.com/OliverSchlueter/mail-bridge/internal/imap"
	"github.com/OliverSchlueter/mail-bridge/internal/protocol"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorGray   = lipgloss.Color("245")
	colorRed    = lipgloss.Color("196")
	colorGreen  = lipgloss.Color("42")
	colorBlue   = lipgloss.Color("39")
	colorYellow = lipgloss.Color("214")

	seqStyle     = lipgloss.NewStyle().Foreground(colorGray).Width(6).Align(lipgloss.Right)
	subjectStyle = lipgloss.NewStyle().Bold(true)
	fromStyle    = lipgloss.NewStyle().Foreground(colorBlue)
	dateStyle    = lipgloss.NewStyle().Foreground(colorGray)
	emptyStyle   = lipgloss.NewStyle().Foreground(colorGray).Italic(true)
	successStyle = lipgloss.NewStyle().Foreground(colorGreen)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	lineStyle    = lipgloss.NewStyle().Foreground(colorYellow)
	hintStyle    = lipgloss.NewStyle().Foreground(colorGray)
)

func printEnvelopes(w io.Writer, records []imap.EnvelopeRecord, asJSON bool) error {
	if asJSON {
		return writeJSON(w, records)
	}

	_, err := fmt.Fprintln(w, renderEnvelopes(records))
	return err
}

func renderEnvelopes(records []imap.EnvelopeRecord) string {
	if len(records) == 0 {
		return emptyStyle.Render("No messages.")
	}

	rows := make([]string, 0, len(records))
	for _, r := range records {
		header := lipgloss.JoinHorizontal(lipgloss.Top,
			seqStyle.Render(fmt.Sprintf("#%d", r.SeqNum)),
			"  ",
			subjectStyle.Render(r.Subject),
		)
		meta := strings.Repeat(" ", 8) + fromStyle.Render(r.From) + "  " + dateStyle.Render(r.Date)
		rows = append(rows, lipgloss.JoinVertical(lipgloss.Left, header, meta))
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func printSendResult(w io.Writer, result *bridge.SendResult, asJSON bool) error {
	if asJSON {
		return writeJSON(w, result)
	}

	_, err := fmt.Fprintln(w, successStyle.Render(result.Message))
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderError prints the error, the raw server line behind it and where in
// the settings to look.
func renderError(err error) string {
	lines := []string{errorStyle.Render("Error: " + err.Error())}

	if line := protocol.ServerLine(err); line != "" {
		lines = append(lines, "Server said: "+lineStyle.Render(line))
	}
	if hint := errorHint(err); hint != "" {
		lines = append(lines, hintStyle.Render(hint))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func errorHint(err error) string {
	if errors.Is(err, config.ErrInvalidConfig) {
		return "Check the settings file (--config) or the MAILBRIDGE_* environment."
	}
	if errors.Is(err, credential.ErrNotFound) {
		return "Store the password with: mailbridge credential set <imap|smtp> <user>"
	}

	var pe *protocol.Error
	if !errors.As(err, &pe) {
		return ""
	}

	section := strings.ToLower(pe.Protocol)
	switch {
	case errors.Is(err, protocol.ErrAuthFailed):
		return fmt.Sprintf("Check %s.user and %s.password.", section, section)
	case errors.Is(err, protocol.ErrConnectFailed), errors.Is(err, protocol.ErrTimeout):
		return fmt.Sprintf("Check %s.host, %s.port and %s.tls.", section, section, section)
	default:
		return fmt.Sprintf("Check the %s section of the settings.", section)
	}
}
