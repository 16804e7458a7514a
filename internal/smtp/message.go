package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/idgen"
)

// BuildMessage renders msg as an RFC 5322 text/plain message with CRLF line
// endings. The result carries neither dot transparency nor the final dot.
func BuildMessage(msg Message, now time.Time) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", idgen.GenerateID(20), domainOf(msg.From))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")

	for _, line := range bodyLines(msg.Body) {
		buf.WriteString(line + "\r\n")
	}

	return buf.Bytes()
}

// dataPayload turns a message into what is written after DATA: optionally
// dot-stuffed and terminated by a line holding a single dot.
func dataPayload(message []byte, dotStuffing bool) []byte {
	var buf bytes.Buffer

	text := strings.TrimSuffix(string(message), "\r\n")
	for _, line := range strings.Split(text, "\r\n") {
		if dotStuffing && strings.HasPrefix(line, ".") {
			line = "." + line
		}
		buf.WriteString(line + "\r\n")
	}
	buf.WriteString(".\r\n")

	return buf.Bytes()
}

func bodyLines(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	body = strings.TrimSuffix(body, "\n")
	return strings.Split(body, "\n")
}

func domainOf(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return DefaultSubmitDomain
}
