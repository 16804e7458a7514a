package imap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aliceEnvelope = `* 1 FETCH (ENVELOPE ("Mon, 01 Jan 2024 10:00:00 +0000" "Hello" (("Alice" NIL "alice" "example.com")) (("Alice" NIL "alice" "example.com")) (("Alice" NIL "alice" "example.com")) ((NIL NIL "bob" "example.com")) NIL NIL NIL "<id@example.com>"))`

func TestParseEnvelopesBasic(t *testing.T) {
	records := ParseEnvelopes(aliceEnvelope + "\r\nA0004 OK FETCH completed\r\n")

	require.Len(t, records, 1)
	assert.Equal(t, EnvelopeRecord{
		SeqNum:  1,
		Date:    "Mon, 01 Jan 2024 10:00:00 +0000",
		Subject: "Hello",
		From:    "Alice <alice@example.com>",
	}, records[0])
}

func TestParseEnvelopesKeepsServerOrder(t *testing.T) {
	raw := strings.Join([]string{
		`* 3 FETCH (ENVELOPE ("d3" "three" (("C" NIL "c" "x.org")) NIL NIL NIL NIL NIL NIL NIL))`,
		`* 4 FETCH (ENVELOPE ("d4" "four" (("D" NIL "d" "x.org")) NIL NIL NIL NIL NIL NIL NIL))`,
		`* 5 FETCH (ENVELOPE ("d5" "five" (("E" NIL "e" "x.org")) NIL NIL NIL NIL NIL NIL NIL))`,
		`A0004 OK FETCH completed`,
	}, "\r\n")

	records := ParseEnvelopes(raw)
	require.Len(t, records, 3)
	for i, want := range []uint32{3, 4, 5} {
		assert.Equal(t, want, records[i].SeqNum)
	}
	assert.Equal(t, "E <e@x.org>", records[2].From)
}

func TestParseEnvelopesDefaults(t *testing.T) {
	raw := strings.Join([]string{
		`* 1 FETCH (ENVELOPE (NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL))`,
		`* 2 FETCH (ENVELOPE ("Tue, 02 Jan 2024 10:00:00 +0000" NIL NIL NIL NIL NIL NIL NIL NIL NIL))`,
	}, "\r\n")

	records := ParseEnvelopes(raw)
	require.Len(t, records, 2)

	assert.Equal(t, EnvelopeRecord{SeqNum: 1, Date: UnknownDate, Subject: NoSubject, From: UnknownSender}, records[0])
	assert.Equal(t, "Tue, 02 Jan 2024 10:00:00 +0000", records[1].Date)
	assert.Equal(t, NoSubject, records[1].Subject)
	assert.Equal(t, UnknownSender, records[1].From)
}

func TestParseEnvelopesTruncated(t *testing.T) {
	tests := map[string]string{
		"cut off":          `* 1 FETCH (ENVELOPE ("date" "subject" (("A" NIL "a" "b.c"`,
		"tagged line next": "* 1 FETCH (ENVELOPE (\"date\" \"subject\" ((\"A\" NIL \"a\" \"b.c\")\r\nA0004 OK FETCH completed",
		"envelope only":    `* 1 FETCH (ENVELOPE ("date" "subject" NIL NIL NIL NIL NIL NIL NIL NIL)`,
		"no envelope":      `* 1 FETCH (FLAGS (\Seen))`,
		"empty":            "",
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, ParseEnvelopes(raw))
		})
	}
}

func TestParseEnvelopesInterruptedByNextFetch(t *testing.T) {
	raw := strings.Join([]string{
		`* 1 FETCH (ENVELOPE ("d1" "broken" ((`,
		`* 2 FETCH (ENVELOPE ("d2" "whole" (("B" NIL "b" "x.org")) NIL NIL NIL NIL NIL NIL NIL))`,
		`A0004 OK FETCH completed`,
	}, "\r\n")

	records := ParseEnvelopes(raw)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(2), records[0].SeqNum)
	assert.Equal(t, "whole", records[0].Subject)
}

func TestParseEnvelopesQuoting(t *testing.T) {
	raw := `* 7 FETCH (ENVELOPE ("d" "say \"hi\" (twice" (("O\"Brien" NIL "ob" "x.org")) NIL NIL NIL NIL NIL NIL NIL))`

	records := ParseEnvelopes(raw)
	require.Len(t, records, 1)
	assert.Equal(t, `say "hi" (twice`, records[0].Subject)
	assert.Equal(t, `O"Brien <ob@x.org>`, records[0].From)
}

func TestParseEnvelopesLiterals(t *testing.T) {
	raw := "* 4 FETCH (ENVELOPE (\"d\" {4}\r\na(b) ((\"Bob\" NIL \"bob\" \"x.org\")) NIL NIL NIL NIL NIL NIL NIL))\r\n" +
		"* 5 FETCH (ENVELOPE (\"d\" {7}\r\nab\r\ncd) ((NIL NIL \"eve\" \"x.org\")) NIL NIL NIL NIL NIL NIL NIL))\r\n" +
		"A0004 OK FETCH completed\r\n"

	records := ParseEnvelopes(raw)
	require.Len(t, records, 2)

	assert.Equal(t, "a(b)", records[0].Subject)
	assert.Equal(t, "Bob <bob@x.org>", records[0].From)

	assert.Equal(t, "ab\r\ncd)", records[1].Subject)
	assert.Equal(t, "eve@x.org", records[1].From)
}

func TestParseEnvelopesLiteralSender(t *testing.T) {
	raw := "* 2 FETCH (ENVELOPE (\"d\" \"s\" (({5}\r\nAl\"ce NIL \"al\" \"x.org\")) NIL NIL NIL NIL NIL NIL NIL))"

	records := ParseEnvelopes(raw)
	require.Len(t, records, 1)
	assert.Equal(t, `Al"ce <al@x.org>`, records[0].From)

	raw = "* 3 FETCH (ENVELOPE (\"d\" \"s\" (({5}\r\nJörg NIL \"j\" \"x.org\")) NIL NIL NIL NIL NIL NIL NIL))"

	records = ParseEnvelopes(raw)
	require.Len(t, records, 1)
	assert.Equal(t, "Jörg <j@x.org>", records[0].From)
}

func TestParseEnvelopesOtherItemsFirst(t *testing.T) {
	raw := `* 12 FETCH (UID 99 FLAGS (\Seen) ENVELOPE ("d" "s" (("N" NIL "n" "x.org")) NIL NIL NIL NIL NIL NIL NIL))`

	records := ParseEnvelopes(raw)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(12), records[0].SeqNum)
	assert.Equal(t, "s", records[0].Subject)
}

func TestParseEnvelopesNonASCIIBeforeEnvelope(t *testing.T) {
	tests := map[string]struct {
		raw  string
		want EnvelopeRecord
	}{
		"invalid utf-8 label before literal": {
			raw:  "* 1 FETCH (X-LABEL \"" + strings.Repeat("×", 40) + "\xff\" ENVELOPE (\"d\" {5}\r\nhello NIL NIL NIL NIL NIL NIL NIL NIL))",
			want: EnvelopeRecord{SeqNum: 1, Date: "d", Subject: "hello", From: UnknownSender},
		},
		"runes that grow when upper-cased": {
			raw:  `* 2 FETCH (X-GM-LABELS ("ɐɐɐɐɐɐ") ENVELOPE ("Mon, 1 Jan 2024" "Hello" (("Jo" NIL "jo" "x.org")) NIL NIL NIL NIL NIL NIL NIL))`,
			want: EnvelopeRecord{SeqNum: 2, Date: "Mon, 1 Jan 2024", Subject: "Hello", From: "Jo <jo@x.org>"},
		},
		"run of invalid bytes": {
			raw:  "* 3 FETCH (X-LABEL \"" + strings.Repeat("\xff", 20) + "\" ENVELOPE (\"d\" \"s\" ((\"A\" NIL \"a\" \"b.c\")) NIL NIL NIL NIL NIL NIL NIL))",
			want: EnvelopeRecord{SeqNum: 3, Date: "d", Subject: "s", From: "A <a@b.c>"},
		},
		"lower-case keyword": {
			raw:  `* 4 FETCH (envelope ("d" "s" NIL NIL NIL NIL NIL NIL NIL NIL))`,
			want: EnvelopeRecord{SeqNum: 4, Date: "d", Subject: "s", From: UnknownSender},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var records []EnvelopeRecord
			require.NotPanics(t, func() { records = ParseEnvelopes(tc.raw + "\r\nA0004 OK FETCH completed") })
			require.Len(t, records, 1)
			assert.Equal(t, tc.want, records[0])
		})
	}
}

func TestParseEnvelopesEncodedWords(t *testing.T) {
	raw := `* 1 FETCH (ENVELOPE ("d" "=?utf-8?q?Gr=C3=BC=C3=9Fe?= aus Berlin" (("=?windows-1252?q?Ren=E9?=" NIL "rene" "x.fr")) NIL NIL NIL NIL NIL NIL NIL))`

	records := ParseEnvelopes(raw)
	require.Len(t, records, 1)
	assert.Equal(t, "Grüße aus Berlin", records[0].Subject)
	assert.Equal(t, "René <rene@x.fr>", records[0].From)
}

func TestParseEnvelopesBrokenEncodedWordIsKept(t *testing.T) {
	raw := `* 1 FETCH (ENVELOPE ("d" "=?x-unknown?q?abc?=" NIL NIL NIL NIL NIL NIL NIL NIL))`

	records := ParseEnvelopes(raw)
	require.Len(t, records, 1)
	assert.Equal(t, "=?x-unknown?q?abc?=", records[0].Subject)
}

func TestParseEnvelopesNeverPanics(t *testing.T) {
	inputs := []string{
		"* 1 FETCH (ENVELOPE {",
		"* 1 FETCH (ENVELOPE {99}",
		"* 1 FETCH (ENVELOPE {3}\r\n",
		"* 1 FETCH (ENVELOPE \"\\",
		"* 1 FETCH (ENVELOPE )))))",
		"* 99999999999 FETCH (ENVELOPE (\"d\" \"s\"))",
		"* 1 FETCH (ENVELOPE {x}\r\n)",
		"\r\n\r\n\r\n",
		"* FETCH ENVELOPE",
		aliceEnvelope[:len(aliceEnvelope)/2],
	}

	for _, raw := range inputs {
		assert.NotPanics(t, func() { ParseEnvelopes(raw) }, raw)
	}
}
