package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockResponse is one scripted reply from MockMusicAPI.
type MockResponse struct {
	Status int
	Body   string
	Header map[string]string
}

// RecordedRequest captures a request received by a mock server.
type RecordedRequest struct {
	Method string
	URI    string
	Auth   string
	Body   string
}

// MockMusicAPI is a configurable stand-in for the music API. Scripted
// responses are served in order; once they run out every request receives
// Fallback.
type MockMusicAPI struct {
	Server *httptest.Server

	mu       sync.Mutex
	script   []MockResponse
	fallback MockResponse
	requests []RecordedRequest
	gate     chan struct{}
}

// SetupMockMusicAPI starts a mock API that answers 200 with an empty object
// until scripted otherwise. The server is closed when the test ends.
func SetupMockMusicAPI(t *testing.T) *MockMusicAPI {
	t.Helper()

	mock := &MockMusicAPI{
		fallback: MockResponse{Status: http.StatusOK, Body: `{}`},
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(mock.serve))
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the API base URL.
func (m *MockMusicAPI) URL() string {
	return m.Server.URL
}

// Script queues responses to be served in order.
func (m *MockMusicAPI) Script(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Fallback sets the response served once the script is exhausted.
func (m *MockMusicAPI) Fallback(response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = response
}

// Hold makes requests block until the returned release function is called.
func (m *MockMusicAPI) Hold() (release func()) {
	gate := make(chan struct{})

	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// Requests returns a copy of every request received so far.
func (m *MockMusicAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount is the number of requests received so far.
func (m *MockMusicAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockMusicAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		URI:    r.URL.RequestURI(),
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
	})
	response := m.fallback
	if len(m.script) > 0 {
		response = m.script[0]
		m.script = m.script[1:]
	}
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}

	for k, v := range response.Header {
		w.Header().Set(k, v)
	}
	if response.Body != "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(response.Status)
	_, _ = io.WriteString(w, response.Body)
}

// MockTokenEndpoint serves playback tokens the way the application backend
// does: {"access_token": "token-N", "expires_in": ExpiresIn}.
type MockTokenEndpoint struct {
	Server *httptest.Server

	mu             sync.Mutex
	expiresIn      int
	statusCode     int
	requestCount   int
	lastAuthHeader string
}

// SetupMockTokenEndpoint starts a token endpoint issuing hour-long tokens.
// The server is closed when the test ends.
func SetupMockTokenEndpoint(t *testing.T) *MockTokenEndpoint {
	t.Helper()

	mock := &MockTokenEndpoint{
		expiresIn:  3600,
		statusCode: http.StatusOK,
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastAuthHeader = r.Header.Get("Authorization")
		n, status, expiresIn := mock.requestCount, mock.statusCode, mock.expiresIn
		mock.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		WriteJSON(w, map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the token route.
func (m *MockTokenEndpoint) URL() string {
	return m.Server.URL + "/spotify/token"
}

// SetStatus makes the endpoint fail with status. http.StatusOK restores
// normal behaviour.
func (m *MockTokenEndpoint) SetStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = status
}

// SetExpiresIn sets the lifetime of issued tokens in seconds.
func (m *MockTokenEndpoint) SetExpiresIn(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiresIn = seconds
}

func (m *MockTokenEndpoint) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

func (m *MockTokenEndpoint) LastAuthHeader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuthHeader
}

// NewServer starts an httptest server for handler that is closed when the
// test ends.
func NewServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
