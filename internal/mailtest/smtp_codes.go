package mailtest

const (
	StatusServiceReady  = "220 %s ESMTP fake service ready" // server hostname
	StatusReadyStarting = "220 Ready to start TLS"
	StatusConnClosed    = "221 %s closing connection" // server hostname
	StatusAuthSuccess   = "235 Authentication successful"
	StatusOK            = "250 OK"
	StatusQueued        = "250 OK queued as %s" // message id
	StatusGreeting      = "250-%s greets %s"    // server hostname, client hostname

	StatusAuthUsername   = "334 VXNlcm5hbWU6" // Base64 encoded "Username:"
	StatusAuthPassword   = "334 UGFzc3dvcmQ6" // Base64 encoded "Password:"
	StatusStartMailInput = "354 Start mail input; end with <CRLF>.<CRLF>"

	StatusBadCommand           = "500 Unrecognized command"
	StatusLineTooLong          = "500 Line too long"
	StatusInvalidBase64        = "501 Invalid base64 encoding"
	StatusNotImplemented       = "502 Command not implemented"
	StatusBadSequence          = "503 Bad sequence: '%s' required first" // required command
	StatusAuthRequired         = "530 Authentication required"
	StatusAuthenticationFailed = "535 Authentication failed"
	StatusNoSuchUser           = "550 No such user here"
	StatusMessageTooLarge      = "552 Message exceeds fixed maximum message size"
)

const (
	maxLineLength  = 1000
	maxMessageSize = 10 << 20
)
