package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

func minimalConfig() config.Config {
	return config.Config{
		Service: "web",
		Image:   "nginx:1.25",
		Servers: []string{"10.0.0.1"},
		Ports:   []string{"8080:80"},
	}
}

func TestPlanFreshDeployIsGenerationOneBlue(t *testing.T) {
	adapter := runtime.NewFakeAdapter()

	plan, liveGen, warnings, err := Plan(context.Background(), adapter, minimalConfig(), "deploy-1")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, types.Generation{}, liveGen)
	assert.Equal(t, 1, plan.Generation.Number)
	assert.Equal(t, types.ColorBlue, plan.Generation.Color)
	assert.Equal(t, "web-blue", plan.ContainerName)
}

func TestPlanSecondDeployAlternatesColor(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	_, err := adapter.Create(context.Background(), runtime.ContainerSpec{
		Name: "web-blue",
		Labels: map[string]string{
			types.LabelService:    "web",
			types.LabelGeneration: "1",
			types.LabelColor:      "blue",
			types.LabelRole:       "live",
		},
	})
	require.NoError(t, err)

	plan, liveGen, _, err := Plan(context.Background(), adapter, minimalConfig(), "deploy-2")
	require.NoError(t, err)
	assert.Equal(t, 1, liveGen.Number)
	assert.Equal(t, types.ColorBlue, liveGen.Color)
	assert.Equal(t, 2, plan.Generation.Number)
	assert.Equal(t, types.ColorGreen, plan.Generation.Color)
}

func TestPlanGarbageCollectsStalePending(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	staleID, err := adapter.Create(context.Background(), runtime.ContainerSpec{
		Name: "web-green",
		Labels: map[string]string{
			types.LabelService:  "web",
			types.LabelRole:     "pending",
			types.LabelDeployID: "crashed-deploy",
		},
	})
	require.NoError(t, err)

	_, _, warnings, err := Plan(context.Background(), adapter, minimalConfig(), "deploy-new")
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	_, inspectErr := adapter.Inspect(context.Background(), staleID)
	assert.Error(t, inspectErr, "stale pending container should have been removed")
}

func TestPlanKeepsPendingFromSameDeploy(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	_, err := adapter.Create(context.Background(), runtime.ContainerSpec{
		Name: "web-green",
		Labels: map[string]string{
			types.LabelService:  "web",
			types.LabelRole:     "pending",
			types.LabelDeployID: "deploy-current",
		},
	})
	require.NoError(t, err)

	_, _, warnings, err := Plan(context.Background(), adapter, minimalConfig(), "deploy-current")
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestPlanResolvesEnvReference(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db")
	adapter := runtime.NewFakeAdapter()
	cfg := minimalConfig()
	cfg.Env = map[string]config.EnvValue{
		"DATABASE_URL": {EnvRef: "DATABASE_URL"},
	}

	plan, _, _, err := Plan(context.Background(), adapter, cfg, "deploy-1")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db", plan.Env["DATABASE_URL"])
}

func TestPlanFailsOnMissingEnvReference(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	cfg := minimalConfig()
	cfg.Env = map[string]config.EnvValue{
		"DATABASE_URL": {EnvRef: "DOES_NOT_EXIST"},
	}

	_, _, _, err := Plan(context.Background(), adapter, cfg, "deploy-1")
	require.Error(t, err)
}

func TestPlanRejectsInvalidServiceName(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	cfg := minimalConfig()
	cfg.Service = "Not_Valid!"

	_, _, _, err := Plan(context.Background(), adapter, cfg, "deploy-1")
	require.Error(t, err)
}

func TestParsePortsStaticAndDynamic(t *testing.T) {
	ports, err := parsePorts([]string{"8080:80", "53/udp"})
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.True(t, ports[0].StaticHostPort())
	assert.False(t, ports[1].StaticHostPort())
	assert.Equal(t, "udp", ports[1].Protocol)
}

func TestParseMemorySuffixes(t *testing.T) {
	v, err := parseMemory("512m")
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), v)
}
