package imap

const (
	UnknownDate    = "Unknown"
	NoSubject      = "No Subject"
	UnknownSender  = "Unknown"
	DefaultMailbox = "INBOX"
	DefaultLimit   = 10
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateMailboxSelected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateMailboxSelected:
		return "mailbox_selected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EnvelopeRecord is the summary of one message as reported by FETCH ENVELOPE.
type EnvelopeRecord struct {
	SeqNum  uint32 `json:"seq"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
	From    string `json:"from"`
}
