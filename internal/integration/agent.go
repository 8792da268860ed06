package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// AgentEvent is one SSE frame the fake agent sends.
type AgentEvent struct {
	Type    string
	Payload any
}

// FakeAgent imitates the agent that runs inside a sandbox. Streams are
// scripted per endpoint and every request path is recorded.
type FakeAgent struct {
	Server *httptest.Server

	mu           sync.Mutex
	ready        bool
	plan         []AgentEvent
	requirements []AgentEvent
	build        []AgentEvent
	requests     []string
	bodies       map[string][]byte
}

func NewFakeAgent(t *testing.T) *FakeAgent {
	t.Helper()
	a := &FakeAgent{ready: true, bodies: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent/health", func(w http.ResponseWriter, r *http.Request) {
		a.record(r, nil)
		a.mu.Lock()
		ready := a.ready
		a.mu.Unlock()
		writeJSON(w, map[string]bool{"alive": true, "ready": ready})
	})
	mux.HandleFunc("POST /agent/plan", a.streamHandler(func() []AgentEvent { return a.plan }))
	mux.HandleFunc("POST /agent/requirements", a.streamHandler(func() []AgentEvent { return a.requirements }))
	mux.HandleFunc("POST /agent/build", a.streamHandler(func() []AgentEvent { return a.build }))
	mux.HandleFunc("POST /agent/build/cancel", func(w http.ResponseWriter, r *http.Request) {
		a.record(r, nil)
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("POST /agent/git/pull", func(w http.ResponseWriter, r *http.Request) {
		a.record(r, nil)
		writeJSON(w, map[string]any{"success": true, "commit": "abc123"})
	})

	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Server.Close)
	return a
}

func (a *FakeAgent) SetReady(ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = ready
}

func (a *FakeAgent) ScriptPlan(events ...AgentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plan = events
}

func (a *FakeAgent) ScriptRequirements(events ...AgentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requirements = events
}

func (a *FakeAgent) ScriptBuild(events ...AgentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.build = events
}

// Requests returns "METHOD /path" for every request received.
func (a *FakeAgent) Requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}

// LastBody returns the last request body sent to path.
func (a *FakeAgent) LastBody(path string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bodies[path]
}

func (a *FakeAgent) record(r *http.Request, body []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, r.Method+" "+r.URL.Path)
	if body != nil {
		a.bodies[r.URL.Path] = body
	}
}

func (a *FakeAgent) streamHandler(script func() []AgentEvent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.record(r, body)

		a.mu.Lock()
		events := script()
		a.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

// AgentEndpoint resolves every session to the fake agent.
func (a *FakeAgent) AgentEndpoint(_ context.Context, _ string) (string, error) {
	return a.Server.URL, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
