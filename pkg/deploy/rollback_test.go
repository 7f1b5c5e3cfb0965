package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

func TestRollbackFailsWithNoPreviousDeployment(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	_, err := d.Run(context.Background(), "host-a", webConfig(), "tester")
	require.NoError(t, err)

	o, err := d.Rollback(context.Background(), "host-a", webConfig(), "tester", false)
	require.Error(t, err)
	assert.Equal(t, errkind.KindNoPrevious, errkind.Of(err))
	assert.Equal(t, types.ResultFailed, o.Result)
}

func TestRollbackSwapsLiveAndPreviousRoles(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	_, err := d.Run(context.Background(), "host-a", webConfig(), "tester")
	require.NoError(t, err)

	cfg := webConfig()
	cfg.Image = "nginx:1.27"
	_, err = d.Run(context.Background(), "host-a", cfg, "tester")
	require.NoError(t, err)

	liveBefore := liveContainer(t, adapter, "web")
	assert.Equal(t, "web-green", liveBefore.Name)

	o, err := d.Rollback(context.Background(), "host-a", cfg, "tester", false)
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, o.Result)
	assert.Equal(t, 2, o.PreviousGeneration.Number)
	assert.Equal(t, 1, o.NewGeneration.Number)

	liveAfter := liveContainer(t, adapter, "web")
	assert.Equal(t, "web-blue", liveAfter.Name)

	summaries, err := adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	var previousCount int
	for _, c := range summaries {
		if c.Labels[types.LabelRole] == string(types.RolePrevious) {
			previousCount++
			assert.Equal(t, "web-green", c.Name)
		}
	}
	assert.Equal(t, 1, previousCount)
}

func TestRollbackRestartsStoppedPreviousContainer(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	d := NewDeployer(adapter)

	_, err := d.Run(context.Background(), "host-a", webConfig(), "tester")
	require.NoError(t, err)
	cfg := webConfig()
	cfg.Image = "nginx:1.27"
	_, err = d.Run(context.Background(), "host-a", cfg, "tester")
	require.NoError(t, err)

	summaries, err := adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	var previousID string
	for _, c := range summaries {
		if c.Labels[types.LabelRole] == string(types.RolePrevious) {
			previousID = c.ID
		}
	}
	require.NotEmpty(t, previousID)
	inspectionBefore, err := adapter.Inspect(context.Background(), previousID)
	require.NoError(t, err)
	require.Equal(t, runtime.StateExited, inspectionBefore.State, "previous container must be stopped before rollback")

	_, err = d.Rollback(context.Background(), "host-a", cfg, "tester", false)
	require.NoError(t, err)

	inspectionAfter, err := adapter.Inspect(context.Background(), previousID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, inspectionAfter.State, "rollback must restart the stopped previous container")
}
