package sandbox

import (
	"strings"
	"testing"

	"github.com/forgeline/sandboxd/internal/config"
)

func TestNaming_ExactIDsAreKept(t *testing.T) {
	n := Naming{Prefix: "sandboxd", Domain: "sandbox.example.com"}

	if got := n.ContainerName("s1"); got != "sandboxd-s1" {
		t.Errorf("ContainerName = %q", got)
	}
	if got := n.Hostname("s1"); got != "s1.sandbox.example.com" {
		t.Errorf("Hostname = %q", got)
	}
	if got := n.DatabaseName("s1"); got != "sandboxd_s1" {
		t.Errorf("DatabaseName = %q", got)
	}
}

func TestNaming_AlteredIDsGetHashSuffix(t *testing.T) {
	n := Naming{Prefix: "sandboxd"}

	// These differ only in characters the slug cannot represent.
	a := n.ContainerName("Session_1")
	b := n.ContainerName("session-1")
	c := n.ContainerName("session.1")
	if a == b || b == c || a == c {
		t.Fatalf("collision: %q %q %q", a, b, c)
	}
	if b != "sandboxd-session-1" {
		t.Errorf("exact rendition should not be suffixed: %q", b)
	}
	if !strings.HasPrefix(a, "sandboxd-session-1-") || len(a) != len("sandboxd-session-1-")+hashSuffixLen {
		t.Errorf("unexpected altered name %q", a)
	}
}

func TestNaming_LengthLimits(t *testing.T) {
	n := Naming{Prefix: "sandboxd", Domain: "example.com"}
	long := strings.Repeat("a", 100)
	longer := long + "b"

	host := n.Hostname(long)
	label := strings.TrimSuffix(host, ".example.com")
	if len(label) > maxDNSLabel {
		t.Errorf("label length %d > %d", len(label), maxDNSLabel)
	}
	if n.Hostname(long) == n.Hostname(longer) {
		t.Error("truncated ids must stay distinct")
	}

	db := n.DatabaseName(long)
	if len(db) > maxPGIdent {
		t.Errorf("database name length %d > %d", len(db), maxPGIdent)
	}
	if strings.ContainsAny(db, "-.") {
		t.Errorf("database name %q is not a plain identifier", db)
	}
}

func TestNaming_DatabaseNameFromUUID(t *testing.T) {
	n := Naming{Prefix: "sandboxd"}
	got := n.DatabaseName("3f2c9a4e-8b1d-4c7e-9f00-1a2b3c4d5e6f")
	if !strings.HasPrefix(got, "sandboxd_3f2c9a4e_8b1d_") {
		t.Errorf("DatabaseName = %q", got)
	}
	for _, r := range got {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			t.Fatalf("invalid identifier character %q in %q", r, got)
		}
	}
}

func TestRecordLabelsRoundTrip(t *testing.T) {
	rec := Record{
		SessionID:    "s1",
		ProjectID:    "p1",
		Mode:         ModeProduction,
		ServicesMode: ServicesFull,
		Branch:       "main",
		URL:          "https://s1.example.com",
	}
	got, ok := RecordFromLabels(rec.Labels())
	if !ok || got != rec {
		t.Fatalf("RecordFromLabels = %+v, %v", got, ok)
	}
	if _, ok := RecordFromLabels(map[string]string{"com.example": "x"}); ok {
		t.Error("unmanaged container must not decode")
	}
}

func TestProxyRouter(t *testing.T) {
	cfg := &config.Config{
		DockerNetwork: "edge",
		Sandbox:       config.SandboxConfig{NamePrefix: "sandboxd", ServicePort: 3000},
		Routing: config.RoutingConfig{
			Mode:         config.RoutingProxy,
			Domain:       "sandbox.example.com",
			EntryPoint:   "websecure",
			CertResolver: "letsencrypt",
		},
	}
	router, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	route, err := router.Route("s1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.URL != "https://s1.sandbox.example.com" {
		t.Errorf("url = %q", route.URL)
	}
	if route.HostPort != 0 {
		t.Errorf("proxy routing must not bind a host port, got %d", route.HostPort)
	}
	want := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers.sandboxd-s1.rule":                         "Host(`s1.sandbox.example.com`)",
		"traefik.http.routers.sandboxd-s1.entrypoints":                  "websecure",
		"traefik.http.routers.sandboxd-s1.tls.certresolver":             "letsencrypt",
		"traefik.http.services.sandboxd-s1.loadbalancer.server.port":    "3000",
		"traefik.docker.network":                                        "edge",
	}
	for k, v := range want {
		if route.Labels[k] != v {
			t.Errorf("label %s = %q, want %q", k, route.Labels[k], v)
		}
	}
}

func TestLocalPortRouter(t *testing.T) {
	r, err := NewLocalPortRouter(20000, 20009)
	if err != nil {
		t.Fatalf("NewLocalPortRouter: %v", err)
	}
	for i := 0; i < 50; i++ {
		route, _ := r.Route("s1")
		if route.HostPort < 20000 || route.HostPort > 20009 {
			t.Fatalf("port %d out of range", route.HostPort)
		}
		if len(route.Labels) != 0 {
			t.Fatal("local routing adds no labels")
		}
	}

	if _, err := NewLocalPortRouter(30000, 20000); err == nil {
		t.Error("expected error for inverted range")
	}
}
