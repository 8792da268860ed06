package sandbox

import (
	"fmt"
	"math/rand/v2"

	"github.com/forgeline/sandboxd/internal/config"
)

// Route is how a sandbox's app service is reached from outside.
type Route struct {
	URL      string            // externally reachable URL
	Labels   map[string]string // extra container labels (reverse proxy rules)
	HostPort int               // host port to bind the service port to; 0 for none
}

// Router computes the route for a session's sandbox. Implementations are
// chosen once from configuration.
type Router interface {
	Route(sessionID string) (Route, error)
}

// NewRouter builds the router selected by cfg.Routing.Mode.
func NewRouter(cfg *config.Config) (Router, error) {
	naming := Naming{Prefix: cfg.Sandbox.NamePrefix, Domain: cfg.Routing.Domain}
	switch cfg.Routing.Mode {
	case config.RoutingProxy:
		return &ProxyRouter{
			Naming:       naming,
			EntryPoint:   cfg.Routing.EntryPoint,
			CertResolver: cfg.Routing.CertResolver,
			Network:      cfg.DockerNetwork,
			ServicePort:  cfg.Sandbox.ServicePort,
		}, nil
	case config.RoutingLocal, "":
		return NewLocalPortRouter(cfg.Routing.PortMin, cfg.Routing.PortMax)
	default:
		return nil, fmt.Errorf("unknown routing mode %q", cfg.Routing.Mode)
	}
}

// ProxyRouter routes by virtual host through a label-driven reverse proxy
// (Traefik). No host port is opened.
type ProxyRouter struct {
	Naming       Naming
	EntryPoint   string
	CertResolver string
	Network      string
	ServicePort  int
}

func (r *ProxyRouter) Route(sessionID string) (Route, error) {
	host := r.Naming.Hostname(sessionID)
	router := r.Naming.ContainerName(sessionID)

	labels := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers." + router + ".rule": fmt.Sprintf("Host(`%s`)", host),
		"traefik.http.services." + router + ".loadbalancer.server.port": fmt.Sprintf("%d", r.ServicePort),
	}
	if r.EntryPoint != "" {
		labels["traefik.http.routers."+router+".entrypoints"] = r.EntryPoint
	}
	if r.CertResolver != "" {
		labels["traefik.http.routers."+router+".tls.certresolver"] = r.CertResolver
	}
	if r.Network != "" {
		labels["traefik.docker.network"] = r.Network
	}

	return Route{URL: "https://" + host, Labels: labels}, nil
}

// LocalPortRouter binds the service to a pseudo-random host port. Collisions
// are not tracked; a port already in use fails container creation.
type LocalPortRouter struct {
	Min, Max int

	intN func(n int) int
}

func NewLocalPortRouter(min, max int) (*LocalPortRouter, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid local port range %d-%d", min, max)
	}
	return &LocalPortRouter{Min: min, Max: max, intN: rand.IntN}, nil
}

func (r *LocalPortRouter) Route(string) (Route, error) {
	port := r.Min + r.intN(r.Max-r.Min+1)
	return Route{URL: fmt.Sprintf("http://localhost:%d", port), HostPort: port}, nil
}
