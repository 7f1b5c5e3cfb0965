// Package config loads and merges the YAML deployment configuration:
// one base service definition plus named destination overlays that
// shallow-override it, the same generic-map overlay idiom the
// reference apply command uses for its resource manifests.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/peleka/pkg/errkind"
)

var validate = validator.New()

// EnvValue is either a literal string or a `{ env: "NAME" }` reference
// resolved against the invoking process's environment at plan time.
type EnvValue struct {
	Literal string
	EnvRef  string
}

func (e *EnvValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Literal = node.Value
		return nil
	}
	if node.Kind == yaml.MappingNode {
		var ref struct {
			Env string `yaml:"env"`
		}
		if err := node.Decode(&ref); err != nil {
			return err
		}
		if ref.Env == "" {
			return fmt.Errorf("env reference must set 'env'")
		}
		e.EnvRef = ref.Env
		return nil
	}
	return fmt.Errorf("env value must be a string or {env: NAME} mapping")
}

// Resolve returns the value substituted from the environment, or the
// literal. It returns errkind.KindConfig if an EnvRef isn't set.
func (e EnvValue) Resolve(name string) (string, error) {
	if e.EnvRef == "" {
		return e.Literal, nil
	}
	v, ok := os.LookupEnv(e.EnvRef)
	if !ok {
		return "", errkind.New(errkind.KindConfig, fmt.Sprintf("env var %q referenced by %q is not set", e.EnvRef, name))
	}
	return v, nil
}

type HealthCheckConfig struct {
	Cmd         []string `yaml:"cmd"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

type ResourcesConfig struct {
	Memory string  `yaml:"memory"`
	CPUs   float64 `yaml:"cpus"`
}

type NetworkConfig struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

type StopConfig struct {
	Timeout string `yaml:"timeout"`
}

type CleanupConfig struct {
	GracePeriod string `yaml:"grace_period"`
}

type LoggingConfig struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options"`
}

// SSHConfig describes how to reach a service's servers over SSH. It is
// ambient to every destination rather than per-server: peleka assumes
// one key and user work across all of a service's servers, the same
// way a Capistrano-style deploy tool's stage config does.
type SSHConfig struct {
	User                 string `yaml:"user"`
	Port                 int    `yaml:"port"`
	PrivateKeyPath       string `yaml:"private_key_path"`
	KnownHostsPath       string `yaml:"known_hosts_path"`
	TrustFirstConnection bool   `yaml:"trust_first_connection"`
	ConnectTimeout       string `yaml:"connect_timeout"`
	DialRetryMaxElapsed  string `yaml:"dial_retry_max_elapsed"`
}

// Config is the merged, destination-resolved configuration for one
// service. Destinations is cleared on the value Load returns — it
// only makes sense on the as-parsed base document.
type Config struct {
	Service          string              `yaml:"service" validate:"required"`
	Image            string              `yaml:"image" validate:"required"`
	Servers          []string            `yaml:"servers" validate:"required,min=1"`
	Ports            []string            `yaml:"ports"`
	Volumes          []string            `yaml:"volumes"`
	Env              map[string]EnvValue `yaml:"env"`
	Labels           map[string]string   `yaml:"labels"`
	HealthCheck      HealthCheckConfig   `yaml:"healthcheck"`
	HealthTimeout    string              `yaml:"health_timeout"`
	ImagePullTimeout string              `yaml:"image_pull_timeout"`
	PullPolicy       string              `yaml:"pull_policy"`
	Resources        ResourcesConfig     `yaml:"resources"`
	Network          NetworkConfig       `yaml:"network"`
	Restart          string              `yaml:"restart"`
	Strategy         string              `yaml:"strategy"`
	Stop             StopConfig          `yaml:"stop"`
	Cleanup          CleanupConfig       `yaml:"cleanup"`
	Logging          LoggingConfig       `yaml:"logging"`
	SSH              SSHConfig           `yaml:"ssh"`
	Destinations     map[string]Config   `yaml:"destinations"`
}

// Load reads path, and if destination is non-empty, shallow-merges
// that named destination's fields over the base document before
// validating the struct tags above.
func Load(path, destination string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errkind.Wrap(errkind.KindConfig, fmt.Sprintf("read config %s", path), err)
	}

	var base Config
	if err := yaml.Unmarshal(data, &base); err != nil {
		return Config{}, errkind.Wrap(errkind.KindConfig, fmt.Sprintf("parse config %s", path), err)
	}

	merged := base
	if destination != "" {
		overlay, ok := base.Destinations[destination]
		if !ok {
			return Config{}, errkind.New(errkind.KindConfig, fmt.Sprintf("destination %q not found in %s", destination, path))
		}
		merged = overlayConfig(base, overlay)
	}
	merged.Destinations = nil

	if err := validate.Struct(merged); err != nil {
		return Config{}, errkind.Wrap(errkind.KindConfig, "config validation failed", err)
	}
	return merged, nil
}

// overlayConfig shallow-overrides base's fields with any field in
// overlay that was actually set (non-zero value), field by field —
// it never merges nested slices/maps element-wise.
func overlayConfig(base, overlay Config) Config {
	out := base
	bv := reflect.ValueOf(&out).Elem()
	ov := reflect.ValueOf(overlay)
	t := bv.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if name == "Destinations" {
			continue
		}
		field := ov.Field(i)
		if !field.IsZero() {
			bv.Field(i).Set(field)
		}
	}
	return out
}

// ParseDuration parses a human-readable duration ("10s", "2m"),
// returning def if s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errkind.Wrap(errkind.KindConfig, fmt.Sprintf("invalid duration %q", s), err)
	}
	return d, nil
}
