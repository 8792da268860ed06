package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileOverlay is the on-disk shape of SANDBOXD_CONFIG. Only non-zero values
// replace what the environment provided.
type fileOverlay struct {
	Sandbox SandboxConfig `yaml:"sandbox"`
	Routing RoutingConfig `yaml:"routing"`
}

// ApplyFile merges the sandbox and routing sections of a YAML file into c.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	s := overlay.Sandbox
	setString(&c.Sandbox.Image, s.Image)
	setString(&c.Sandbox.NamePrefix, s.NamePrefix)
	setInt(&c.Sandbox.AgentPort, s.AgentPort)
	setInt(&c.Sandbox.ServicePort, s.ServicePort)
	setInt(&c.Sandbox.HealthAttempts, s.HealthAttempts)
	if s.StopTimeout > 0 {
		c.Sandbox.StopTimeout = s.StopTimeout
	}
	if s.CommandTimeout > 0 {
		c.Sandbox.CommandTimeout = s.CommandTimeout
	}
	if s.MemoryMB > 0 {
		c.Sandbox.MemoryMB = s.MemoryMB
	}
	if s.CPUs > 0 {
		c.Sandbox.CPUs = s.CPUs
	}

	r := overlay.Routing
	setString(&c.Routing.Mode, r.Mode)
	setString(&c.Routing.Domain, r.Domain)
	setString(&c.Routing.EntryPoint, r.EntryPoint)
	setString(&c.Routing.CertResolver, r.CertResolver)
	setInt(&c.Routing.PortMin, r.PortMin)
	setInt(&c.Routing.PortMax, r.PortMax)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
