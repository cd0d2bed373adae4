package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/config"
	"chatrelay/pkg/directory"
	"chatrelay/pkg/engine"
	"chatrelay/pkg/feed"
	"chatrelay/pkg/models"
	"chatrelay/pkg/profiles"
	"chatrelay/pkg/store"
)

func newTestServer(t *testing.T, sec config.SecurityConfig) (*store.Store, *httptest.Server) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	broker := feed.NewBroker(16)
	t.Cleanup(broker.Close)
	s.SetNotify(broker.Publish)

	sender := engine.NewFallback(s, "legacy")
	dir := directory.New(s, profiles.Static{"bob": {ID: "bob", DisplayName: "Bob"}})

	a := New(s, sender, broker, dir, sec)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	resp := getJSON(t, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendAndListMessages(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	url := srv.URL + "/v1/conversations/d:alice:bob/messages"

	resp := postJSON(t, url, map[string]string{"sender": "alice", "content": "hello", "correlation_id": "c-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sent models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	require.NotEmpty(t, sent.ID)
	require.False(t, sent.IsTemp())
	require.Equal(t, "c-1", sent.CorrelationID)

	var listed struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}
	resp = getJSON(t, url, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "d:alice:bob", listed.Conversation)
	require.Len(t, listed.Messages, 1)
	require.Equal(t, sent.ID, listed.Messages[0].ID)
}

func TestSendValidation(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	url := srv.URL + "/v1/conversations/d:alice:bob/messages"

	resp := postJSON(t, url, map[string]string{"sender": "alice", "content": "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, url, map[string]string{"content": "no sender"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendToMalformedConversationID(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	resp := postJSON(t, srv.URL+"/v1/conversations/abc/messages",
		map[string]string{"sender": "alice", "content": "hello"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendRateLimited(t *testing.T) {
	sec := config.SecurityConfig{}
	sec.RateLimit.RPS = 0.001
	sec.RateLimit.Burst = 1
	_, srv := newTestServer(t, sec)
	url := srv.URL + "/v1/conversations/d:alice:bob/messages"

	resp := postJSON(t, url, map[string]string{"sender": "alice", "content": "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postJSON(t, url, map[string]string{"sender": "alice", "content": "two"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// per-sender buckets: another sender is unaffected
	resp = postJSON(t, url, map[string]string{"sender": "bob", "content": "three"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendToUnprovisionedRoom(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	resp := postJSON(t, srv.URL+"/v1/conversations/g:ghost/messages",
		map[string]string{"sender": "alice", "content": "anyone?"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error       string   `json:"error"`
		Remediation []string `json:"remediation"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Remediation)
}

func TestListLimit(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	url := srv.URL + "/v1/conversations/d:alice:bob/messages"
	for _, c := range []string{"a", "b", "c"} {
		resp := postJSON(t, url, map[string]string{"sender": "alice", "content": c})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var listed struct {
		Messages []models.Message `json:"messages"`
	}
	resp := getJSON(t, url+"?limit=2", &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed.Messages, 2)
	require.Equal(t, "b", listed.Messages[0].Content)
	require.Equal(t, "c", listed.Messages[1].Content)
}

func TestMarkReadAndInbox(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	url := srv.URL + "/v1/conversations/d:alice:bob/messages"

	resp := postJSON(t, url, map[string]string{"sender": "bob", "content": "ping"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var inbox []models.ConversationSummary
	resp = getJSON(t, srv.URL+"/v1/inbox/alice", &inbox)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, inbox, 1)
	require.Equal(t, "Bob", inbox[0].Title)
	require.Equal(t, 1, inbox[0].Unread)

	resp = postJSON(t, srv.URL+"/v1/conversations/d:alice:bob/read", map[string]string{"reader": "alice"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	inbox = nil
	getJSON(t, srv.URL+"/v1/inbox/alice", &inbox)
	require.Len(t, inbox, 1)
	require.Zero(t, inbox[0].Unread)
}

func TestRoomLifecycle(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})

	resp := getJSON(t, srv.URL+"/v1/rooms/ops", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/rooms", map[string]any{
		"id": "ops", "title": "Ops Room", "owner": "alice", "members": []string{"alice", "bob"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var room models.Room
	resp = getJSON(t, srv.URL+"/v1/rooms/ops", &room)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Ops Room", room.Title)

	resp = postJSON(t, srv.URL+"/v1/rooms/ops/members", map[string]string{"user": "carol"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/rooms/ghost/members", map[string]string{"user": "carol"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// a provisioned room accepts sends
	resp = postJSON(t, srv.URL+"/v1/conversations/g:ops/messages",
		map[string]string{"sender": "alice", "content": "deploy done"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProvisionRoomRequiresID(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	resp := postJSON(t, srv.URL+"/v1/rooms", map[string]string{"title": "anonymous"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeedRequiresScope(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})
	resp := getJSON(t, srv.URL+"/v1/feed", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeedStreamsInserts(t *testing.T) {
	_, srv := newTestServer(t, config.SecurityConfig{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/feed?conversation=d:alice:bob"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	// give the subscription a beat to register before the append fires
	time.Sleep(50 * time.Millisecond)

	resp := postJSON(t, srv.URL+"/v1/conversations/d:alice:bob/messages",
		map[string]string{"sender": "alice", "content": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)

	var ev models.Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	require.Equal(t, models.EventInsert, ev.Kind)
	require.Equal(t, "d:alice:bob", ev.Message.Conversation)
	require.Equal(t, "hello", ev.Message.Content)
}
