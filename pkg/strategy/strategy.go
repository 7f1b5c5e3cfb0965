// Package strategy selects how a new generation replaces the old one
// on a host: blue-green (default, keeps the old container serving
// until the new one is healthy) or recreate (stops the old container
// first, accepting brief downtime).
package strategy

import (
	"fmt"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/types"
)

// Select honors an explicit strategy if cfg names one; otherwise it
// auto-selects recreate when any port binds a static host port (two
// generations can't both bind the same host port under blue-green),
// emitting a warning diagnostic, and falls back to blue-green.
func Select(explicit string, ports []types.PortSpec) (types.Strategy, []string, error) {
	if explicit != "" {
		s := types.Strategy(explicit)
		if s != types.StrategyBlueGreen && s != types.StrategyRecreate {
			return "", nil, errkind.New(errkind.KindConfig, fmt.Sprintf("unknown strategy %q", explicit))
		}
		return s, nil, nil
	}

	for _, p := range ports {
		if p.StaticHostPort() {
			return types.StrategyRecreate, []string{"auto-selected recreate due to static host port"}, nil
		}
	}

	return types.StrategyBlueGreen, nil, nil
}
