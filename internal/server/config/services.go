package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Duration parses YAML durations given either as Go duration strings ("30s")
// or bare integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServiceHealthCheck overrides probe defaults for a single service.
type ServiceHealthCheck struct {
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Service declares one workload exposed through the routing layer.
type Service struct {
	Name         string              `yaml:"name"`
	Image        string              `yaml:"image"`
	Dependencies []string            `yaml:"dependencies"`
	HealthCheck  *ServiceHealthCheck `yaml:"health_check"`
}

type servicesFile struct {
	Services []Service `yaml:"services"`
}

// Resolved probe settings for a service, falling back to daemon defaults.
func (s Service) Resolved(defaults HealthCheck) HealthCheck {
	out := defaults
	if s.HealthCheck == nil {
		return out
	}
	if s.HealthCheck.Path != "" {
		out.Path = s.HealthCheck.Path
	}
	if s.HealthCheck.Interval > 0 {
		out.Interval = time.Duration(s.HealthCheck.Interval)
	}
	if s.HealthCheck.Timeout > 0 {
		out.Timeout = time.Duration(s.HealthCheck.Timeout)
	}
	return out
}

// LoadServices reads and validates the service definition file. A missing
// path yields an empty list: the daemon can run purely on discovered or
// operator-created targets.
func LoadServices(path string) ([]Service, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	var parsed servicesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}
	if err := validateServices(parsed.Services); err != nil {
		return nil, err
	}
	return parsed.Services, nil
}

func validateServices(services []Service) error {
	byName := make(map[string]Service, len(services))
	for _, svc := range services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return fmt.Errorf("service with empty name")
		}
		if _, dup := byName[name]; dup {
			return fmt.Errorf("duplicate service %q", name)
		}
		byName[name] = svc
	}
	for _, svc := range services {
		for _, dep := range svc.Dependencies {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("service %q depends on unknown service %q", svc.Name, dep)
			}
		}
	}
	return detectCycles(byName)
}

func detectCycles(services map[string]Service) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(services))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("dependency cycle involving service %q", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range services[name].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for name := range services {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
