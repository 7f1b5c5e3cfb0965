// Package output renders the stream of deployment events the
// coordinator and deployer emit as they move through the state
// machine, in whichever of three formats the CLI was asked for.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/peleka/pkg/types"
)

// Phase names a point in a host's deployment lifecycle worth reporting
// to the operator, independent of the INIT..DONE state machine's
// internal bookkeeping.
type Phase string

const (
	PhaseLockAcquired Phase = "lock_acquired"
	PhasePulling      Phase = "pulling_image"
	PhaseStarting     Phase = "starting"
	PhaseHealthCheck  Phase = "health_check"
	PhasePromoted     Phase = "promoted"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// Event is one point-in-time update about a single host's deployment.
type Event struct {
	Host    string
	Service string
	Phase   Phase
	Message string
	Warning bool
}

// Sink consumes a stream of Events and, at the end of a run, every
// host's final HostOutcome.
type Sink interface {
	Emit(Event)
	Summary(outcomes []types.HostOutcome)
}

// Human renders events as zerolog console lines and prints a
// plain-text summary table at the end, the CLI's default format.
type Human struct {
	mu     sync.Mutex
	logger zerolog.Logger
	out    io.Writer
}

// NewHuman builds a Human sink writing to out.
func NewHuman(out io.Writer) *Human {
	return &Human{
		out: out,
		logger: zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger(),
	}
}

func (h *Human) Emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	evt := h.logger.Info()
	if e.Warning {
		evt = h.logger.Warn()
	}
	evt.Str("host", e.Host).Str("service", e.Service).Str("phase", string(e.Phase)).Msg(e.Message)
}

func (h *Human) Summary(outcomes []types.HostOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintln(h.out, "\nSummary:")
	for _, o := range outcomes {
		fmt.Fprintf(h.out, "  %-20s %-8s gen %d -> %d", o.Host, o.Result, o.PreviousGeneration.Number, o.NewGeneration.Number)
		if o.Reason != "" {
			fmt.Fprintf(h.out, " (%s)", o.Reason)
		}
		fmt.Fprintln(h.out)
		for _, w := range o.Warnings {
			fmt.Fprintf(h.out, "      warning: %s\n", w)
		}
	}
}

// Quiet discards events and only reports a terse per-host pass/fail
// line, for non-interactive invocations that only care about the
// process exit code.
type Quiet struct {
	mu  sync.Mutex
	out io.Writer
}

func NewQuiet(out io.Writer) *Quiet {
	return &Quiet{out: out}
}

func (q *Quiet) Emit(Event) {}

func (q *Quiet) Summary(outcomes []types.HostOutcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range outcomes {
		fmt.Fprintf(q.out, "%s %s\n", o.Host, o.Result)
	}
}

// ndjsonEvent is the wire shape of one NDJSON line, distinct from
// Event/types.HostOutcome so the output format doesn't couple to
// internal field names.
type ndjsonEvent struct {
	Type    string           `json:"type"`
	Time    time.Time        `json:"time"`
	Host    string           `json:"host,omitempty"`
	Service string           `json:"service,omitempty"`
	Phase   string           `json:"phase,omitempty"`
	Message string           `json:"message,omitempty"`
	Warning bool             `json:"warning,omitempty"`
	Outcome *types.HostOutcome `json:"outcome,omitempty"`
}

// NDJSON renders one JSON object per line per event and, at the end,
// one per host outcome, for machine consumption (CI logs, dashboards).
type NDJSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewNDJSON(out io.Writer) *NDJSON {
	return &NDJSON{enc: json.NewEncoder(out)}
}

func (n *NDJSON) Emit(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.enc.Encode(ndjsonEvent{
		Type:    "event",
		Time:    time.Now(),
		Host:    e.Host,
		Service: e.Service,
		Phase:   string(e.Phase),
		Message: e.Message,
		Warning: e.Warning,
	})
}

func (n *NDJSON) Summary(outcomes []types.HostOutcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range outcomes {
		_ = n.enc.Encode(ndjsonEvent{Type: "outcome", Time: time.Now(), Outcome: &outcomes[i]})
	}
}
