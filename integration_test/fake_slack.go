package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// PostedMessage is a chat.postMessage call the fake accepted
type PostedMessage struct {
	Token   string
	Channel string
	Text    string
	TS      string
}

// FakeSlack serves the Web API methods the scheduler calls. Tokens are valid until
// expired explicitly; refresh tokens map to the access token the next refresh issues.
type FakeSlack struct {
	server *httptest.Server

	mu            sync.Mutex
	validTokens   map[string]bool
	refreshTokens map[string]string
	codes         map[string]string
	posts         []PostedMessage
	requests      map[string]int
	failures      map[string]int
	refreshDelay  time.Duration
	seq           int
}

func NewFakeSlack(t *testing.T) *FakeSlack {
	f := &FakeSlack{
		validTokens:   make(map[string]bool),
		refreshTokens: make(map[string]string),
		codes:         make(map[string]string),
		requests:      make(map[string]int),
		failures:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", f.handlePostMessage)
	mux.HandleFunc("/oauth.v2.access", f.handleOAuthAccess)
	mux.HandleFunc("/conversations.list", f.handleConversationsList)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *FakeSlack) URL() string {
	return f.server.URL
}

// IssueToken makes token valid for API calls
func (f *FakeSlack) IssueToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validTokens[token] = true
}

// ExpireToken makes API calls with token report token_expired
func (f *FakeSlack) ExpireToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.validTokens, token)
}

// OnRefresh makes refreshToken exchangeable for newAccessToken
func (f *FakeSlack) OnRefresh(refreshToken, newAccessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshTokens[refreshToken] = newAccessToken
}

// OnCode makes an authorization code exchangeable for accessToken
func (f *FakeSlack) OnCode(code, accessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = accessToken
}

// FailNext answers the next n calls of method with HTTP 500
func (f *FakeSlack) FailNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = n
}

func (f *FakeSlack) SetRefreshDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshDelay = d
}

func (f *FakeSlack) Posts() []PostedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PostedMessage(nil), f.posts...)
}

func (f *FakeSlack) Requests(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method]
}

// begin counts the call and reports whether it should fail at the transport level
func (f *FakeSlack) begin(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[method]++
	if f.failures[method] > 0 {
		f.failures[method]--
		return true
	}
	return false
}

func (f *FakeSlack) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if f.begin("chat.postMessage") {
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
		return
	}

	var body struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeSlack(w, map[string]interface{}{"ok": false, "error": "invalid_json"})
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	f.mu.Lock()
	if !f.validTokens[token] {
		f.mu.Unlock()
		writeSlack(w, map[string]interface{}{"ok": false, "error": "token_expired"})
		return
	}
	if body.Channel == "C_ARCHIVED" {
		f.mu.Unlock()
		writeSlack(w, map[string]interface{}{"ok": false, "error": "is_archived"})
		return
	}
	f.seq++
	ts := fmt.Sprintf("1700000000.%06d", f.seq)
	f.posts = append(f.posts, PostedMessage{Token: token, Channel: body.Channel, Text: body.Text, TS: ts})
	f.mu.Unlock()

	writeSlack(w, map[string]interface{}{"ok": true, "channel": body.Channel, "ts": ts})
}

func (f *FakeSlack) handleOAuthAccess(w http.ResponseWriter, r *http.Request) {
	if f.begin("oauth.v2.access") {
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeSlack(w, map[string]interface{}{"ok": false, "error": "invalid_form_data"})
		return
	}

	f.mu.Lock()
	delay := f.refreshDelay
	var access string
	var ok bool
	if r.PostForm.Get("grant_type") == "refresh_token" {
		access, ok = f.refreshTokens[r.PostForm.Get("refresh_token")]
	} else {
		access, ok = f.codes[r.PostForm.Get("code")]
	}
	if ok {
		f.validTokens[access] = true
	}
	f.mu.Unlock()

	time.Sleep(delay)

	if !ok {
		writeSlack(w, map[string]interface{}{"ok": false, "error": "invalid_grant"})
		return
	}
	writeSlack(w, map[string]interface{}{
		"ok":            true,
		"access_token":  access,
		"refresh_token": "refresh-" + access,
		"expires_in":    43200,
		"token_type":    "bot",
		"team":          map[string]string{"id": "T_ACME", "name": "Acme"},
		"authed_user":   map[string]string{"id": "U_ADMIN"},
	})
}

func (f *FakeSlack) handleConversationsList(w http.ResponseWriter, r *http.Request) {
	if f.begin("conversations.list") {
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	valid := f.validTokens[token]
	f.mu.Unlock()
	if !valid {
		writeSlack(w, map[string]interface{}{"ok": false, "error": "token_expired"})
		return
	}

	writeSlack(w, map[string]interface{}{
		"ok": true,
		"channels": []map[string]interface{}{
			{"id": "C2", "name": "random"},
			{"id": "C1", "name": "General"},
			{"id": "C3", "name": "old", "is_archived": true},
		},
	})
}

func writeSlack(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
