package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

func webConfig() config.Config {
	return config.Config{
		Service: "web",
		Image:   "nginx:1.25",
		Servers: []string{"10.0.0.1"},
		HealthCheck: config.HealthCheckConfig{
			Cmd:      []string{"true"},
			Interval: "1ms",
			Retries:  1,
		},
		Cleanup: config.CleanupConfig{GracePeriod: "1ms"},
	}
}

func liveContainer(t *testing.T, adapter *runtime.FakeAdapter, service string) runtime.ContainerSummary {
	t.Helper()
	summaries, err := adapter.ListByLabel(context.Background(), service)
	require.NoError(t, err)
	for _, c := range summaries {
		if c.Labels[types.LabelRole] == string(types.RoleLive) {
			return c
		}
	}
	t.Fatalf("no live container found for %s", service)
	return runtime.ContainerSummary{}
}

func TestRunFreshDeployIsGenerationOneBlue(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	o, err := d.Run(context.Background(), "host-a", webConfig(), "tester")
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, o.Result)
	assert.Equal(t, 1, o.NewGeneration.Number)
	assert.Equal(t, types.ColorBlue, o.NewGeneration.Color)

	live := liveContainer(t, adapter, "web")
	assert.Equal(t, "web-blue", live.Name)
}

func TestRunSecondDeployPromotesAndRetiresPrior(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	_, err := d.Run(context.Background(), "host-a", webConfig(), "tester")
	require.NoError(t, err)

	cfg := webConfig()
	cfg.Image = "nginx:1.27"
	o, err := d.Run(context.Background(), "host-a", cfg, "tester")
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, o.Result)
	assert.Equal(t, 2, o.NewGeneration.Number)
	assert.Equal(t, types.ColorGreen, o.NewGeneration.Color)

	live := liveContainer(t, adapter, "web")
	assert.Equal(t, "web-green", live.Name)

	summaries, err := adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	var previousCount, liveCount int
	for _, c := range summaries {
		switch c.Labels[types.LabelRole] {
		case string(types.RolePrevious):
			previousCount++
		case string(types.RoleLive):
			liveCount++
		}
	}
	assert.Equal(t, 1, previousCount)
	assert.Equal(t, 1, liveCount)
}

func TestRunUnhealthyDeploymentLeavesPriorLiveUntouched(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	_, err := d.Run(context.Background(), "host-a", webConfig(), "tester")
	require.NoError(t, err)
	before := liveContainer(t, adapter, "web")

	cfg := webConfig()
	cfg.Image = "nginx:broken"
	cfg.HealthCheck.Cmd = []string{"false"}
	adapter.ExecScripts["web-green"] = []runtime.ExecResult{{ExitCode: 1}}

	o, err := d.Run(context.Background(), "host-a", cfg, "tester")
	require.Error(t, err)
	assert.Equal(t, errkind.KindUnhealthy, errkind.Of(err))
	assert.Equal(t, types.ResultFailed, o.Result)

	after := liveContainer(t, adapter, "web")
	assert.Equal(t, before.ID, after.ID, "prior live must be untouched after an unhealthy deploy")

	summaries, err := adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	for _, c := range summaries {
		assert.NotEqual(t, string(types.RolePending), c.Labels[types.LabelRole], "pending container must be cleaned up after an unhealthy deploy")
	}
}

func TestRunStaticHostPortSelectsRecreateWithOneContainer(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	cfg := webConfig()
	cfg.Ports = []string{"8080:80"}

	o, err := d.Run(context.Background(), "host-a", cfg, "tester")
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, o.Result)
	require.Len(t, o.Warnings, 1)

	summaries, err := adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, summaries, 1, "recreate keeps exactly one container")
	assert.Equal(t, string(types.RoleLive), summaries[0].Labels[types.LabelRole])
}

func TestRunLockHeldByConcurrentDeployFailsWithCode2(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	lockName := types.LockContainerName("web")
	// No heartbeat label: Acquire fails closed and treats an absent
	// heartbeat as held rather than risking a false stale-takeover.
	_, err := adapter.Create(context.Background(), runtime.ContainerSpec{
		Name: lockName,
		Labels: map[string]string{
			types.LabelService:  "web",
			types.LabelDeployID: "other-deploy",
		},
	})
	require.NoError(t, err)

	o, err := d.Run(context.Background(), "host-a", webConfig(), "tester")
	require.Error(t, err)
	assert.Equal(t, errkind.KindLockHeld, errkind.Of(err))
	assert.Equal(t, types.ResultFailed, o.Result)
}
