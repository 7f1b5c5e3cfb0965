package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/types"
)

// fakeContainer is the in-memory state backing FakeAdapter.
type fakeContainer struct {
	id      string
	name    string
	image   string
	labels  map[string]string
	state   ContainerState
	exit    int
	started time.Time
	// ExecScript is consumed in order by Exec; when exhausted the last
	// entry repeats. Nil means "always succeed".
	execScript []ExecResult
	execCalls  int
}

// FakeAdapter is an in-memory Adapter used by unit tests for the lock
// manager, health prober, planner and state machine — it never shells
// out or dials a socket.
type FakeAdapter struct {
	mu         sync.Mutex
	kind       Kind
	containers map[string]*fakeContainer
	PulledImages []string
	FailPull   bool
	// ExecScripts lets a test script a container's exec outcomes by name.
	ExecScripts map[string][]ExecResult
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		kind:       Docker,
		containers: make(map[string]*fakeContainer),
		ExecScripts: make(map[string][]ExecResult),
	}
}

func (f *FakeAdapter) Kind() Kind  { return f.kind }
func (f *FakeAdapter) Close() error { return nil }

func (f *FakeAdapter) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPull {
		return errkind.New(errkind.KindRuntimeAPI, "fake pull failure")
	}
	f.PulledImages = append(f.PulledImages, image)
	return nil
}

func (f *FakeAdapter) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == spec.Name && c.state != StateExited {
			return "", errkind.New(errkind.KindRuntimeAPI, fmt.Sprintf("container name %s already in use", spec.Name))
		}
	}
	id := uuid.NewString()
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.containers[id] = &fakeContainer{
		id:         id,
		name:       spec.Name,
		image:      spec.Image,
		labels:     labels,
		state:      StateCreated,
		execScript: f.ExecScripts[spec.Name],
	}
	return id, nil
}

func (f *FakeAdapter) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errkind.New(errkind.KindRuntimeAPI, "no such container")
	}
	if c.state == StateRunning {
		return errkind.New(errkind.KindRuntimeAPI, "already started")
	}
	c.state = StateRunning
	c.started = time.Now()
	return nil
}

func (f *FakeAdapter) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	c.state = StateExited
	return nil
}

func (f *FakeAdapter) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *FakeAdapter) Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ExecResult{}, errkind.New(errkind.KindRuntimeAPI, "no such container")
	}
	if len(c.execScript) == 0 {
		return ExecResult{ExitCode: 0}, nil
	}
	idx := c.execCalls
	if idx >= len(c.execScript) {
		idx = len(c.execScript) - 1
	}
	c.execCalls++
	return c.execScript[idx], nil
}

func (f *FakeAdapter) Inspect(ctx context.Context, id string) (Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Inspection{}, errkind.New(errkind.KindRuntimeAPI, "no such container")
	}
	return Inspection{
		State:     c.state,
		ExitCode:  c.exit,
		StartedAt: c.started,
		Labels:    c.labels,
	}, nil
}

func (f *FakeAdapter) ListByLabel(ctx context.Context, service string) ([]ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerSummary
	for _, c := range f.containers {
		if c.labels[types.LabelService] == service {
			out = append(out, ContainerSummary{ID: c.id, Name: c.name, Labels: c.labels})
		}
	}
	return out, nil
}

// Relabel emulates the recreate-to-relabel primitive but keeps the
// same id, since the in-memory fake has no reason to churn identity.
func (f *FakeAdapter) Relabel(ctx context.Context, id string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", errkind.New(errkind.KindRuntimeAPI, "no such container")
	}
	for k, v := range labels {
		c.labels[k] = v
	}
	return id, nil
}

// SetExitCode lets a test simulate a container exiting on its own
// (observed by inspect) outside of a Stop call.
func (f *FakeAdapter) SetExitCode(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.state = StateExited
		c.exit = code
	}
}
