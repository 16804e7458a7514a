package smtp

const (
	CodeServiceReady    = 220
	CodeAuthSuccess     = 235
	CodeOK              = 250
	CodeAuthContinue    = 334
	CodeStartMailInput  = 354
	CodeServiceClosing  = 221
	ImplicitTLSPort     = 465
	DefaultHelo         = "localhost"
	DefaultSubmitDomain = "localhost"
)

type Command struct {
	Name      string
	Structure string
	Expect    int
}

// commands holds what is sent in each state and the only reply code that
// lets the dialog continue.
var commands = map[State]Command{
	StateGreeting:  {Name: "greeting", Expect: CodeServiceReady},
	StateEhlo:      {Name: "EHLO", Structure: "EHLO %s", Expect: CodeOK},
	StateStartTLS:  {Name: "STARTTLS", Structure: "STARTTLS", Expect: CodeServiceReady},
	StateEhloTLS:   {Name: "EHLO", Structure: "EHLO %s", Expect: CodeOK},
	StateAuthLogin: {Name: "AUTH LOGIN", Structure: "AUTH LOGIN", Expect: CodeAuthContinue},
	StateAuthUser:  {Name: "AUTH LOGIN username", Expect: CodeAuthContinue},
	StateAuthDone:  {Name: "AUTH LOGIN password", Expect: CodeAuthSuccess},
	StateMailFrom:  {Name: "MAIL FROM", Structure: "MAIL FROM:<%s>", Expect: CodeOK},
	StateRcptTo:    {Name: "RCPT TO", Structure: "RCPT TO:<%s>", Expect: CodeOK},
	StateData:      {Name: "DATA", Structure: "DATA", Expect: CodeStartMailInput},
	StateDataDone:  {Name: "DATA", Expect: CodeOK},
	StateQuit:      {Name: "QUIT", Structure: "QUIT", Expect: CodeServiceClosing},
}
