package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/peleka/pkg/types"
)

func TestSelectExplicitStrategy(t *testing.T) {
	s, warnings, err := Select("recreate", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRecreate, s)
	assert.Empty(t, warnings)
}

func TestSelectAutoRecreateOnStaticPort(t *testing.T) {
	s, warnings, err := Select("", []types.PortSpec{{HostPort: 8080, ContainerPort: 80}})
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRecreate, s)
	require.Len(t, warnings, 1)
}

func TestSelectDefaultsToBlueGreen(t *testing.T) {
	s, warnings, err := Select("", []types.PortSpec{{ContainerPort: 80}})
	require.NoError(t, err)
	assert.Equal(t, types.StrategyBlueGreen, s)
	assert.Empty(t, warnings)
}

func TestSelectRejectsUnknownStrategy(t *testing.T) {
	_, _, err := Select("canary", nil)
	require.Error(t, err)
}
