package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

func fakeConnect(failHosts map[string]bool) connectFunc {
	return func(ctx context.Context, host string) (runtime.Adapter, func() error, error) {
		if failHosts[host] {
			return nil, nil, fmt.Errorf("connect to %s refused", host)
		}
		adapter := runtime.NewFakeAdapter()
		return adapter, func() error { return nil }, nil
	}
}

func TestRunWritesOneOutcomePerHostAtItsOwnIndex(t *testing.T) {
	c := &Coordinator{connect: fakeConnect(nil)}
	hosts := []string{"a", "b", "c"}

	outcomes, errs := c.Run(context.Background(), hosts, func(ctx context.Context, adapter runtime.Adapter, host string) (types.HostOutcome, error) {
		return types.HostOutcome{Host: host, Result: types.ResultSuccess}, nil
	})

	require := assert.New(t)
	require.Len(outcomes, 3)
	require.Len(errs, 3)
	for i, h := range hosts {
		require.Equal(h, outcomes[i].Host)
		require.Equal(types.ResultSuccess, outcomes[i].Result)
		require.NoError(errs[i])
	}
}

func TestRunOneHostFailureDoesNotAbortPeers(t *testing.T) {
	c := &Coordinator{connect: fakeConnect(map[string]bool{"bad": true})}
	hosts := []string{"good-1", "bad", "good-2"}

	ran := make(map[string]bool)
	outcomes, errs := c.Run(context.Background(), hosts, func(ctx context.Context, adapter runtime.Adapter, host string) (types.HostOutcome, error) {
		ran[host] = true
		return types.HostOutcome{Host: host, Result: types.ResultSuccess}, nil
	})

	assert.True(t, ran["good-1"])
	assert.True(t, ran["good-2"])
	assert.False(t, ran["bad"], "operation must not run for a host whose connect failed")

	var failedCount, successCount int
	for _, o := range outcomes {
		switch o.Result {
		case types.ResultFailed:
			failedCount++
		case types.ResultSuccess:
			successCount++
		}
	}
	assert.Equal(t, 1, failedCount)
	assert.Equal(t, 2, successCount)

	for i, h := range hosts {
		if h == "bad" {
			assert.Error(t, errs[i])
		} else {
			assert.NoError(t, errs[i])
		}
	}
}

func TestRunOperationErrorSurfacesAsFailedOutcome(t *testing.T) {
	c := &Coordinator{connect: fakeConnect(nil)}

	outcomes, errs := c.Run(context.Background(), []string{"host-a"}, func(ctx context.Context, adapter runtime.Adapter, host string) (types.HostOutcome, error) {
		err := errkind.New(errkind.KindUnhealthy, "probe failed")
		return types.HostOutcome{Host: host, Result: types.ResultFailed, Reason: err.Error()}, err
	})

	assert.Len(t, outcomes, 1)
	assert.Equal(t, types.ResultFailed, outcomes[0].Result)
	assert.Equal(t, errkind.KindUnhealthy, errkind.Of(errs[0]))
}
