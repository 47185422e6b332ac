package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/codex-k8s/stagehand/internal/env"
)

// Port is the resolved listening-port variable.
type Port struct {
	// Var is the variable name the backend reads (e.g. "PORT").
	Var string
	// Value is the port number the backend binds and the image exposes.
	Value int
	// FromEnv reports whether Value came from the environment rather than the recipe.
	FromEnv bool
}

// String renders the port as VAR=VALUE.
func (p Port) String() string {
	return p.Var + "=" + strconv.Itoa(p.Value)
}

// ResolvePort reads the listening-port variable once from vars, falling back to launch.port.
func ResolvePort(launch LaunchSpec, vars env.Vars) (Port, error) {
	name := launch.PortVar
	if name == "" {
		name = DefaultPortVar
	}

	raw, ok := vars[name]
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		value := launch.Port
		if value == 0 {
			value = DefaultPort
		}
		if err := checkPort(value); err != nil {
			return Port{}, fmt.Errorf("launch.port: %w", err)
		}
		return Port{Var: name, Value: value}, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return Port{}, fmt.Errorf("%s=%q is not a port number", name, raw)
	}
	if err := checkPort(value); err != nil {
		return Port{}, fmt.Errorf("%s: %w", name, err)
	}
	return Port{Var: name, Value: value, FromEnv: true}, nil
}

func checkPort(value int) error {
	if value < 1 || value > 65535 {
		return fmt.Errorf("port %d out of range 1..65535", value)
	}
	return nil
}
