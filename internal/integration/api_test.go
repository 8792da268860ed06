package integration

import (
	"net/http"
	"testing"
)

func TestAPIRequiresBearerToken(t *testing.T) {
	ts := NewTestServer(t)

	resp, err := http.Get(ts.Server.URL + "/api/projects/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	AssertStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()

	resp, err = http.Get(ts.Server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()
}

func TestUnknownResources(t *testing.T) {
	ts := NewTestServer(t)

	for _, path := range []string{
		"/api/projects/missing",
		"/api/sessions/missing",
		"/api/builds/missing",
	} {
		t.Run(path, func(t *testing.T) {
			resp := ts.Get(path)
			AssertStatus(t, resp, http.StatusNotFound)
			_ = resp.Body.Close()
		})
	}

	resp := ts.Post("/api/sessions/missing/plan", map[string]string{"message": "hi"})
	AssertStatus(t, resp, http.StatusNotFound)
	_ = resp.Body.Close()
}

func TestCreateSessionRejectsUnknownMode(t *testing.T) {
	ts := NewTestServer(t)
	project := ts.CreateTestProject("shop")

	resp := ts.Post("/api/projects/"+project.ID+"/sessions", map[string]string{"name": "x", "sandboxMode": "turbo"})
	AssertStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()
}
