package mailtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInspectServer(t *testing.T) (*Mailboxes, *httptest.Server) {
	t.Helper()

	mailboxes := NewMailboxes()
	mux := http.NewServeMux()
	NewInspectHandler(mailboxes).Register("/api/v1", mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return mailboxes, server
}

func TestInspectAppendAndList(t *testing.T) {
	mailboxes, server := newInspectServer(t)

	resp, err := http.Post(server.URL+"/api/v1/mailboxes/INBOX/messages", "application/json",
		strings.NewReader(`{"subject": "Hello", "from_name": "Peter", "from": "peter@example.com", "to": ["oliver@localhost"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created appendMessageResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, uint32(1), created.SeqNum)

	msgs, err := mailboxes.Messages(DefaultMailbox)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Subject)
	assert.Equal(t, "peter@example.com", msgs[0].From.String())

	resp, err = http.Get(server.URL + "/api/v1/mailboxes/INBOX/messages/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, "Peter", got.From.Name)

	resp, err = http.Get(server.URL + "/api/v1/mailboxes")
	require.NoError(t, err)
	defer resp.Body.Close()

	var names map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Equal(t, map[string]int{DefaultMailbox: 1}, names)
}

func TestInspectErrors(t *testing.T) {
	_, server := newInspectServer(t)

	resp, err := http.Post(server.URL+"/api/v1/mailboxes/INBOX/messages", "application/json", strings.NewReader(`{"subject": "no sender"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 400)

	resp, err = http.Post(server.URL+"/api/v1/mailboxes/INBOX/messages", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 400)

	resp, err = http.Get(server.URL + "/api/v1/mailboxes/INBOX/messages/7")
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 400)

	resp, err = http.Get(server.URL + "/api/v1/mailboxes/Archive/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/mailboxes", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
