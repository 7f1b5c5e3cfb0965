package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/log"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

// lockImage is a never-started placeholder; its contents are
// irrelevant because the container is never run.
const lockImage = "scratch"

const (
	labelOwner       = "peleka.lock.owner"
	labelAcquiredAt  = "peleka.lock.acquired-at"
	labelHeartbeatAt = "peleka.lock.heartbeat-at"
)

// DefaultRefreshInterval is how often a held lock's heartbeat is
// refreshed.
const DefaultRefreshInterval = 15 * time.Second

// Manager acquires, refreshes, and releases per-(host,service) deploy
// locks through a runtime.Adapter.
type Manager struct {
	adapter         runtime.Adapter
	refreshInterval time.Duration
}

func NewManager(adapter runtime.Adapter) *Manager {
	return &Manager{adapter: adapter, refreshInterval: DefaultRefreshInterval}
}

// WithRefreshInterval overrides the default heartbeat cadence, mainly
// for tests that want to observe staleness without sleeping 30s.
func (m *Manager) WithRefreshInterval(d time.Duration) *Manager {
	m.refreshInterval = d
	return m
}

// Handle is a held lock. Release must be called exactly once.
type Handle struct {
	manager     *Manager
	containerID string
	service     types.ServiceName
	deployID    string
	owner       string
	cancelHB    context.CancelFunc
	hbDone      chan struct{}
}

// Acquire attempts to create the lock container. If one already
// exists and its heartbeat is live (within 2×refresh-interval), it
// returns LockHeld. If stale, it removes and retries exactly once. If
// wait > 0, Acquire retries with bounded backoff for up to wait before
// giving up.
func (m *Manager) Acquire(ctx context.Context, service types.ServiceName, deployID, owner string, wait time.Duration) (*Handle, error) {
	if wait <= 0 {
		return m.tryAcquireOnce(ctx, service, deployID, owner)
	}

	var handle *Handle
	op := func() error {
		h, err := m.tryAcquireOnce(ctx, service, deployID, owner)
		if err != nil {
			if !isLockHeld(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		handle = h
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = wait
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 5 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.KindCancelled, "lock wait cancelled", ctx.Err())
		}
		return nil, err
	}
	return handle, nil
}

func (m *Manager) tryAcquireOnce(ctx context.Context, service types.ServiceName, deployID, owner string) (*Handle, error) {
	base := types.LockContainerName(service)
	record := newRecord(deployID, owner)

	id, err := m.createLock(ctx, service, base, record)
	if err == nil {
		return m.startHeartbeat(id, service, deployID, owner), nil
	}

	// Name collision: inspect the existing lock to decide if it's live
	// or stale. The adapter surfaces "already in use" as a runtime API
	// error; we don't have a dedicated conflict error kind because the
	// runtime API itself doesn't distinguish create-conflict from
	// other failures any more cleanly.
	existing, findErr := m.findLock(ctx, service, base)
	if findErr != nil || existing == nil {
		return nil, errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("create lock %s failed and no existing lock found", base), err)
	}

	existingRecord := parseRecord(existing.Labels)
	heartbeatAt, ok := parseHeartbeatLabel(existing.Labels)
	if !ok || time.Since(heartbeatAt) <= 2*m.refreshInterval {
		return nil, errkind.New(errkind.KindLockHeld, fmt.Sprintf("deploy lock for %s held by %s (acquired %s)", service, existingRecord.Owner, existingRecord.AcquiredAt.Format(time.RFC3339)))
	}

	log.Warn(fmt.Sprintf("stale deploy lock for %s held by %s, taking over", service, existingRecord.Owner))
	if removeErr := m.adapter.Remove(ctx, existing.ID, true); removeErr != nil {
		return nil, errkind.Wrap(errkind.KindRuntimeAPI, "failed to remove stale lock", removeErr)
	}

	id, err = m.createLock(ctx, service, base, record)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindLockHeld, fmt.Sprintf("deploy lock for %s: stale takeover raced with another deployer", service), err)
	}
	return m.startHeartbeat(id, service, deployID, owner), nil
}

// createLock creates the lock container under its fixed base name. The
// runtime enforces name-uniqueness on exactly that name, which is what
// gives Acquire its atomic mutual exclusion — the name must never be
// touched again for as long as the lock is held, so the heartbeat
// refresh (startHeartbeat) updates a label instead of renaming.
func (m *Manager) createLock(ctx context.Context, service types.ServiceName, base string, record types.LockRecord) (string, error) {
	return m.adapter.Create(ctx, runtime.ContainerSpec{
		Name:   base,
		Image:  lockImage,
		Labels: recordLabels(service, record),
	})
}

// findLock locates the lock container for service by its fixed name,
// among the containers carrying service's peleka.service label (which
// also includes every deployed generation, not just the lock).
func (m *Manager) findLock(ctx context.Context, service types.ServiceName, base string) (*runtime.ContainerSummary, error) {
	summaries, err := m.adapter.ListByLabel(ctx, string(service))
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		name := strings.TrimPrefix(summaries[i].Name, "/")
		if name == base {
			return &summaries[i], nil
		}
	}
	return nil, nil
}

// parseHeartbeatLabel reads the heartbeat timestamp label, reporting
// false if it is missing or unparsable so a caller can fail closed
// (treat the lock as live) rather than risk a false stale-takeover.
func parseHeartbeatLabel(labels map[string]string) (time.Time, bool) {
	v, ok := labels[labelHeartbeatAt]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// startHeartbeat refreshes the lock's heartbeat label on an interval
// via Relabel, which keeps the container's name (the mutex) fixed
// while it recreates the container under a new id — so the running
// id tracked on the handle must be updated after every refresh.
func (m *Manager) startHeartbeat(containerID string, service types.ServiceName, deployID, owner string) *Handle {
	hbCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		manager:     m,
		containerID: containerID,
		service:     service,
		deployID:    deployID,
		owner:       owner,
		cancelHB:    cancel,
		hbDone:      make(chan struct{}),
	}

	go func() {
		defer close(h.hbDone)
		current := containerID
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				h.containerID = current
				return
			case <-ticker.C:
				next, err := m.adapter.Relabel(hbCtx, current, map[string]string{labelHeartbeatAt: time.Now().Format(time.RFC3339Nano)})
				if err != nil {
					log.Warn(fmt.Sprintf("lock heartbeat refresh for %s failed: %v", service, err))
					continue
				}
				current = next
				h.containerID = current
			}
		}
	}()

	return h
}

// Release removes the lock container, verifying its deploy-id matches
// this handle's to avoid releasing a peer's lock acquired after clock
// skew or a stale takeover raced with us. The heartbeat is cancelled
// and awaited before the container is removed, so a zombie heartbeat
// can never re-touch a lock a peer has since re-acquired.
func (h *Handle) Release(ctx context.Context) error {
	h.cancelHB()
	<-h.hbDone

	current, err := h.manager.adapter.Inspect(ctx, h.containerID)
	if err != nil {
		// Already gone is fine: whoever removed it owns the cleanup.
		return nil
	}
	if current.Labels[types.LabelDeployID] != h.deployID {
		return errkind.New(errkind.KindRuntimeAPI, fmt.Sprintf("refusing to release lock for %s: deploy-id mismatch (owned by a different run)", h.service))
	}
	return h.manager.adapter.Remove(ctx, h.containerID, true)
}

// WithLock acquires the lock, runs fn, and guarantees Release runs
// afterward regardless of how fn returns — including panics, which are
// re-raised after cleanup completes.
func WithLock(ctx context.Context, m *Manager, service types.ServiceName, deployID, owner string, wait time.Duration, fn func(ctx context.Context) error) (err error) {
	handle, err := m.Acquire(ctx, service, deployID, owner, wait)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		releaseCtx := ctx
		if r != nil {
			releaseCtx = context.Background()
		}
		if relErr := handle.Release(releaseCtx); relErr != nil && err == nil && r == nil {
			err = relErr
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx)
}

func newRecord(deployID, owner string) types.LockRecord {
	now := time.Now()
	return types.LockRecord{DeployID: deployID, Owner: owner, AcquiredAt: now, HeartbeatAt: now}
}

// recordLabels carries peleka.service so findLock's ListByLabel(service)
// scan actually turns up the lock container, alongside every deployed
// generation that also carries that label.
func recordLabels(service types.ServiceName, r types.LockRecord) map[string]string {
	return map[string]string{
		types.LabelService:  string(service),
		types.LabelDeployID: r.DeployID,
		labelOwner:          r.Owner,
		labelAcquiredAt:     r.AcquiredAt.Format(time.RFC3339Nano),
		labelHeartbeatAt:    r.HeartbeatAt.Format(time.RFC3339Nano),
	}
}

func parseRecord(labels map[string]string) types.LockRecord {
	acquired, _ := time.Parse(time.RFC3339Nano, labels[labelAcquiredAt])
	heartbeat, _ := time.Parse(time.RFC3339Nano, labels[labelHeartbeatAt])
	return types.LockRecord{
		DeployID:    labels[types.LabelDeployID],
		Owner:       labels[labelOwner],
		AcquiredAt:  acquired,
		HeartbeatAt: heartbeat,
	}
}

func isLockHeld(err error) bool {
	return errkind.Of(err) == errkind.KindLockHeld
}
