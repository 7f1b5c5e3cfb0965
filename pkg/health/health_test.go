package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

func TestAwaitHealthyAfterConsecutiveSuccesses(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	id, err := adapter.Create(context.Background(), runtime.ContainerSpec{Name: "api-blue", Image: "app:v1"})
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background(), id))

	adapter.ExecScripts["api-blue"] = []runtime.ExecResult{
		{ExitCode: 1},
		{ExitCode: 0},
		{ExitCode: 0},
	}

	prober := NewProber(adapter)
	result, err := prober.Await(context.Background(), id, types.HealthProbeSpec{
		Command:       []string{"curl", "-f", "http://localhost/healthz"},
		Interval:      10 * time.Millisecond,
		Timeout:       time.Second,
		Retries:       2,
		HealthTimeout: time.Second,
	})

	require.NoError(t, err)
	assert.True(t, result.Healthy)
}

func TestAwaitUnhealthyAfterConsecutiveFailures(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	id, err := adapter.Create(context.Background(), runtime.ContainerSpec{Name: "api-blue", Image: "app:v1"})
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background(), id))

	adapter.ExecScripts["api-blue"] = []runtime.ExecResult{{ExitCode: 1}}

	prober := NewProber(adapter)
	_, err = prober.Await(context.Background(), id, types.HealthProbeSpec{
		Command:       []string{"false"},
		Interval:      5 * time.Millisecond,
		Timeout:       time.Second,
		Retries:       3,
		HealthTimeout: time.Second,
	})

	require.Error(t, err)
	assert.Equal(t, errkind.KindUnhealthy, errkind.Of(err))
}

func TestAwaitShortCircuitsOnContainerExit(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	id, err := adapter.Create(context.Background(), runtime.ContainerSpec{Name: "api-blue", Image: "app:v1"})
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background(), id))
	adapter.SetExitCode(id, 137)

	prober := NewProber(adapter)
	_, err = prober.Await(context.Background(), id, types.HealthProbeSpec{
		Command:       []string{"true"},
		Interval:      time.Minute,
		Timeout:       time.Second,
		Retries:       3,
		HealthTimeout: time.Minute,
	})

	require.Error(t, err)
}

func TestAwaitSkipsDuringStartPeriod(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	id, err := adapter.Create(context.Background(), runtime.ContainerSpec{Name: "api-blue", Image: "app:v1"})
	require.NoError(t, err)
	require.NoError(t, adapter.Start(context.Background(), id))

	// Every probe would fail, but start_period outlasts health_timeout
	// so Await must time out rather than ever reporting unhealthy.
	adapter.ExecScripts["api-blue"] = []runtime.ExecResult{{ExitCode: 1}}

	prober := NewProber(adapter)
	_, err = prober.Await(context.Background(), id, types.HealthProbeSpec{
		Command:       []string{"false"},
		Interval:      5 * time.Millisecond,
		Timeout:       time.Second,
		Retries:       2,
		StartPeriod:   time.Hour,
		HealthTimeout: 30 * time.Millisecond,
	})

	require.Error(t, err)
}

func TestAwaitNoCommandIsImmediatelyHealthy(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	id, err := adapter.Create(context.Background(), runtime.ContainerSpec{Name: "api-blue", Image: "app:v1"})
	require.NoError(t, err)

	prober := NewProber(adapter)
	result, err := prober.Await(context.Background(), id, types.HealthProbeSpec{})

	require.NoError(t, err)
	assert.True(t, result.Healthy)
}
