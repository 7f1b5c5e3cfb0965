package types

import (
	"fmt"
	"regexp"
	"time"
)

// serviceNamePattern matches a lower-case DNS-label-compatible identifier.
var serviceNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ServiceName is the stable logical identity of a service on a host.
type ServiceName string

// Valid reports whether s is 1-63 characters and DNS-label-compatible.
func (s ServiceName) Valid() bool {
	return len(s) >= 1 && len(s) <= 63 && serviceNamePattern.MatchString(string(s))
}

func (s ServiceName) String() string { return string(s) }

// ImageReference is a registry-qualified image coordinate, treated
// opaquely by the state machine and passed verbatim to the runtime.
type ImageReference string

// Color alternates between generations of the same service on a host.
type Color string

const (
	ColorBlue  Color = "blue"
	ColorGreen Color = "green"
)

// Opposite returns the other color, used when computing the next
// generation's color from the currently-live one.
func (c Color) Opposite() Color {
	if c == ColorBlue {
		return ColorGreen
	}
	return ColorBlue
}

// Role identifies what part a container plays in a deployment.
type Role string

const (
	RoleLive     Role = "live"
	RolePrevious Role = "previous"
	RolePending  Role = "pending"
)

// Strategy selects how a new generation replaces the old one.
type Strategy string

const (
	StrategyBlueGreen Strategy = "blue-green"
	StrategyRecreate  Strategy = "recreate"
)

// PullPolicy controls whether the image is pulled before create.
type PullPolicy string

const (
	PullAlways PullPolicy = "always"
	PullNever  PullPolicy = "never"
)

// Label keys written on every container peleka creates.
const (
	LabelService    = "peleka.service"
	LabelGeneration = "peleka.generation"
	LabelColor      = "peleka.color"
	LabelRole       = "peleka.role"
	LabelDeployID   = "peleka.deploy-id"
)

// Generation identifies a deployment instance on a host: a
// monotonic-within-a-host integer plus the alternating color.
type Generation struct {
	Number int
	Color  Color
}

// Next computes the generation that follows g: number+1, opposite color.
// The zero Generation (Number == 0) represents "no live container yet",
// in which case Next yields generation 1, color blue.
func (g Generation) Next() Generation {
	if g.Number == 0 {
		return Generation{Number: 1, Color: ColorBlue}
	}
	return Generation{Number: g.Number + 1, Color: g.Color.Opposite()}
}

// ContainerName is deterministic: "{service}-{color}".
func ContainerName(service ServiceName, color Color) string {
	return fmt.Sprintf("%s-%s", service, color)
}

// LockContainerName is the reserved, never-started container that
// represents the per-(host,service) deploy lock.
func LockContainerName(service ServiceName) string {
	return fmt.Sprintf("peleka-lock-%s", service)
}

// PortSpec is a single port mapping entry, e.g. "8080:80" or "80".
type PortSpec struct {
	HostPort      int    // 0 means no static host port (dynamic/none)
	ContainerPort int
	Protocol      string // "tcp" or "udp"
}

// StaticHostPort reports whether this mapping binds a fixed host port,
// which makes blue-green deployment impossible (both generations would
// try to bind the same host port at once).
func (p PortSpec) StaticHostPort() bool {
	return p.HostPort > 0
}

// VolumeSpec is a single bind or named-volume mount.
type VolumeSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResourceSpec carries resource limits for a container.
type ResourceSpec struct {
	MemoryBytes int64
	CPUs        float64
}

// NetworkSpec describes the network a container joins.
type NetworkSpec struct {
	Name    string
	Aliases []string
}

// LoggingSpec describes the container's log driver configuration.
type LoggingSpec struct {
	Driver  string
	Options map[string]string
}

// HealthProbeSpec configures the health prober.
type HealthProbeSpec struct {
	Command       []string
	Interval      time.Duration
	Timeout       time.Duration
	Retries       int
	StartPeriod   time.Duration
	HealthTimeout time.Duration
}

// DeploymentPlan is the resolved per-host desired state. It is created
// once at the start of a host's state machine and is immutable
// thereafter.
type DeploymentPlan struct {
	Service       ServiceName
	Image         ImageReference
	ContainerName string
	Generation    Generation
	Ports         []PortSpec
	Volumes       []VolumeSpec
	Env           map[string]string
	Labels        map[string]string
	Resources     ResourceSpec
	Network       NetworkSpec
	Restart       string
	Logging       LoggingSpec
	StopTimeout   time.Duration
	Probe         HealthProbeSpec
	Strategy      Strategy
	PullPolicy    PullPolicy
	DeployID      string
}

// AllLabels returns the full label set for the container this plan
// describes, carrying the given role on top of the plan's own labels.
func (p *DeploymentPlan) AllLabels(role Role) map[string]string {
	out := make(map[string]string, len(p.Labels)+5)
	for k, v := range p.Labels {
		out[k] = v
	}
	out[LabelService] = string(p.Service)
	out[LabelGeneration] = fmt.Sprintf("%d", p.Generation.Number)
	out[LabelColor] = string(p.Generation.Color)
	out[LabelRole] = string(role)
	out[LabelDeployID] = p.DeployID
	return out
}

// LockRecord is the payload carried by a deploy lock's labels.
type LockRecord struct {
	DeployID    string
	Owner       string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// Result is the terminal outcome of one host's deployment attempt.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
)

// HostOutcome is the per-host result the coordinator aggregates.
type HostOutcome struct {
	Host               string
	Result             Result
	Reason             string
	PreviousGeneration Generation
	NewGeneration      Generation
	Duration           time.Duration
	Warnings           []string
}
