// Package testutil provides testing utilities for the hub connector.
// It contains a mock hub HTTP server that records every token request,
// announcement and version call for verification.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// ValidTokenLength matches the opaque tokens issued by a real hub
const ValidTokenLength = 43

// FakeToken returns an opaque token of length n
func FakeToken(n int) string {
	return strings.Repeat("X", n)
}

// TokenRequest is one recorded call to the token endpoint
type TokenRequest struct {
	ClientID     string
	ClientSecret string
	GrantType    string
	Scope        string
}

// Announcement is one recorded call to the announce endpoint
type Announcement struct {
	Authorization string
	ContentType   string
	Body          []byte
}

// Payload decodes the announcement body
func (a Announcement) Payload() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(a.Body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type cannedResponse struct {
	status int
	body   []byte
}

// MockHubServer simulates the hub's token, announce and version endpoints
type MockHubServer struct {
	server *httptest.Server

	mu            sync.Mutex
	tokenResp     cannedResponse
	announceResp  cannedResponse
	versionResp   cannedResponse
	tokenRequests []TokenRequest
	announcements []Announcement
	versionCalls  int
}

// NewMockHubServer starts a mock hub that issues valid tokens by default
func NewMockHubServer() *MockHubServer {
	s := &MockHubServer{}
	s.SetTokenResponse(http.StatusOK, map[string]interface{}{
		"access_token": FakeToken(ValidTokenLength),
		"expires_in":   600,
		"token_type":   "Bearer",
		"scope":        "openid",
	})
	s.SetAnnounceResponse(http.StatusOK, `{"ok":true}`)
	s.SetVersionResponse(http.StatusOK, map[string]interface{}{"version": "1.0.0-test"})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/plugins/oidc/token", s.handleToken)
	mux.HandleFunc("/api/plugins/octoprint/announce", s.handleAnnounce)
	mux.HandleFunc("/api/version", s.handleVersion)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the base URL of the mock hub
func (s *MockHubServer) URL() string {
	return s.server.URL
}

// HostPort splits the base URL into the scheme+host and port settings
func (s *MockHubServer) HostPort() (string, int) {
	idx := strings.LastIndex(s.server.URL, ":")
	port, err := strconv.Atoi(s.server.URL[idx+1:])
	if err != nil {
		panic(fmt.Sprintf("testutil: parse mock hub port: %v", err))
	}
	return s.server.URL[:idx], port
}

// Close shuts the mock hub down
func (s *MockHubServer) Close() {
	s.server.Close()
}

// SetTokenResponse sets the token endpoint answer. body may be a string sent
// verbatim or any value marshalled to JSON.
func (s *MockHubServer) SetTokenResponse(status int, body interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenResp = canned(status, body)
}

// SetAnnounceResponse sets the announce endpoint answer
func (s *MockHubServer) SetAnnounceResponse(status int, body interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announceResp = canned(status, body)
}

// SetVersionResponse sets the version endpoint answer
func (s *MockHubServer) SetVersionResponse(status int, body interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionResp = canned(status, body)
}

// TokenRequests returns a copy of the recorded token requests
func (s *MockHubServer) TokenRequests() []TokenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TokenRequest, len(s.tokenRequests))
	copy(out, s.tokenRequests)
	return out
}

// Announcements returns a copy of the recorded announcements
func (s *MockHubServer) Announcements() []Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Announcement, len(s.announcements))
	copy(out, s.announcements)
	return out
}

// VersionCalls returns how often the version endpoint was hit
func (s *MockHubServer) VersionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionCalls
}

// Reset clears all recorded calls
func (s *MockHubServer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenRequests = nil
	s.announcements = nil
	s.versionCalls = 0
}

func (s *MockHubServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	id, secret, _ := r.BasicAuth()

	s.mu.Lock()
	s.tokenRequests = append(s.tokenRequests, TokenRequest{
		ClientID:     id,
		ClientSecret: secret,
		GrantType:    r.PostForm.Get("grant_type"),
		Scope:        r.PostForm.Get("scope"),
	})
	resp := s.tokenResp
	s.mu.Unlock()

	writeCanned(w, resp)
}

func (s *MockHubServer) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.announcements = append(s.announcements, Announcement{
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
		Body:          body,
	})
	resp := s.announceResp
	s.mu.Unlock()

	writeCanned(w, resp)
}

func (s *MockHubServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.versionCalls++
	resp := s.versionResp
	s.mu.Unlock()

	writeCanned(w, resp)
}

func canned(status int, body interface{}) cannedResponse {
	switch b := body.(type) {
	case string:
		return cannedResponse{status: status, body: []byte(b)}
	case []byte:
		return cannedResponse{status: status, body: b}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			panic(fmt.Sprintf("testutil: marshal canned response: %v", err))
		}
		return cannedResponse{status: status, body: data}
	}
}

func writeCanned(w http.ResponseWriter, resp cannedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}

// UnreachableURL returns a base URL on which nothing is listening, so
// requests fail with connection refused.
func UnreachableURL() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("testutil: reserve port: %v", err))
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "http://" + addr
}
