package mailtest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/OliverSchlueter/goutils/problems"
)

// InspectHandler exposes the mailboxes of a running dev server over HTTP so
// a developer can look at what arrived and drop in messages for the IMAP side.
type InspectHandler struct {
	mailboxes *Mailboxes
}

type AppendMessageReq struct {
	Subject  string    `json:"subject"`
	FromName string    `json:"from_name"`
	From     string    `json:"from"`
	To       []string  `json:"to"`
	Date     time.Time `json:"date"`
	Body     string    `json:"body"`
}

type appendMessageResp struct {
	Mailbox string `json:"mailbox"`
	SeqNum  uint32 `json:"seq"`
}

func NewInspectHandler(mailboxes *Mailboxes) *InspectHandler {
	return &InspectHandler{mailboxes: mailboxes}
}

func (h *InspectHandler) Register(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"/mailboxes", h.handleMailboxes)
	mux.HandleFunc(prefix+"/mailboxes/{mailbox}/messages", h.handleMessages)
	mux.HandleFunc(prefix+"/mailboxes/{mailbox}/messages/{seq}", h.handleMessage)
}

func (h *InspectHandler) handleMailboxes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.mailboxes.Names())
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func (h *InspectHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	mailbox := r.PathValue("mailbox")

	switch r.Method {
	case http.MethodGet:
		msgs, err := h.mailboxes.Messages(mailbox)
		if err != nil {
			problems.InternalServerError(err.Error()).WriteToHTTP(w)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	case http.MethodPost:
		h.appendMessage(w, r, mailbox)
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet, http.MethodPost}).WriteToHTTP(w)
	}
}

func (h *InspectHandler) appendMessage(w http.ResponseWriter, r *http.Request, mailbox string) {
	var req AppendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problems.CouldNotDecodeBody().WriteToHTTP(w)
		return
	}

	if req.From == "" {
		problems.ValidationError("From", "Sender address is required").WriteToHTTP(w)
		return
	}

	seq, err := h.mailboxes.Append(mailbox, Message{
		Date:    req.Date,
		Subject: req.Subject,
		From:    ParseAddress(req.FromName, req.From),
		To:      req.To,
		Body:    req.Body,
	})
	if err != nil {
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}

	writeJSON(w, http.StatusCreated, appendMessageResp{Mailbox: mailbox, SeqNum: seq})
}

func (h *InspectHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
		return
	}

	msgs, err := h.mailboxes.Messages(r.PathValue("mailbox"))
	if err != nil {
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}

	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil || seq < 1 || seq > len(msgs) {
		problems.ValidationError("Sequence number", "No message with this sequence number").WriteToHTTP(w)
		return
	}

	writeJSON(w, http.StatusOK, msgs[seq-1])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		problems.InternalServerError("Error marshalling response").WriteToHTTP(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
