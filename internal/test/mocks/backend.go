package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MinimalAnswerSDP is a syntactically plausible answer for exchange-level
// tests that never feed it to a real peer connection.
const MinimalAnswerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// NegotiationRequest is one recorded offer/prompt pair as the backend
// received it.
type NegotiationRequest struct {
	Offer  string          `json:"offer"`
	Prompt json.RawMessage `json:"prompt"`
}

// MockBackend simulates the inference backend's HTTP negotiation endpoint.
// By default it accepts any offer and returns MinimalAnswerSDP; FailWith
// switches it to an error response.
type MockBackend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []NegotiationRequest
	answer   string
	errText  string
	status   int
	delay    time.Duration
}

func NewMockBackend() *MockBackend {
	b := &MockBackend{
		answer: MinimalAnswerSDP,
		status: http.StatusOK,
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.handleNegotiate))
	return b
}

func (b *MockBackend) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req NegotiationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.requests = append(b.requests, req)
	answer, errText, status, delay := b.answer, b.errText, b.status, b.delay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")
	if errText != "" {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": errText})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"answer": answer})
}

// SetAnswer overrides the SDP answer returned for subsequent offers.
func (b *MockBackend) SetAnswer(sdp string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answer = sdp
	b.errText = ""
}

// FailWith makes subsequent negotiations return the given HTTP status and
// error payload. The error text is what clients must surface verbatim.
func (b *MockBackend) FailWith(status int, errText string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.errText = errText
}

// SetDelay delays every response, for timeout tests.
func (b *MockBackend) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Requests returns a copy of all recorded negotiation requests.
func (b *MockBackend) Requests() []NegotiationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]NegotiationRequest(nil), b.requests...)
}
