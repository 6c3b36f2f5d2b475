package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotFound is returned when a definition does not exist in the source.
var ErrNotFound = errors.New("not found")

// Source provides controller, actuator and method definitions. It is
// read-only to the runtime except for SaveField, a narrow upsert of
// persisted resume fields.
type Source interface {
	// Controller returns a validated snapshot of one controller.
	Controller(ctx context.Context, id string) (*ControllerConfig, error)
	// Controllers returns every controller of kind, or all kinds for "".
	// Definitions that fail validation are returned in the error slice and
	// do not prevent the others from loading.
	Controllers(ctx context.Context, kind Kind) ([]*ControllerConfig, []error, error)
	// Actuators returns every actuator definition.
	Actuators(ctx context.Context) ([]ActuatorConfig, error)
	// SaveField upserts one persisted field for a controller.
	SaveField(ctx context.Context, id, field, value string) error
}

// applyState overlays persisted fields onto a definition.
func applyState(c *ControllerConfig, state map[string]string) {
	if len(state) == 0 {
		return
	}
	c.Resume = make(map[string]string, len(state))
	for k, v := range state {
		c.Resume[k] = v
	}
	if v, ok := state[FieldEnabled]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Enabled = b
		}
	}
}

// resolveMethod attaches the method referenced by a PID definition.
func resolveMethod(c *ControllerConfig, lookup func(id string) (*Method, error)) error {
	if c.PID == nil || c.PID.MethodID == "" {
		return nil
	}
	m, err := lookup(c.PID.MethodID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid(c.ID, "pid.method_id", "unknown method %q", c.PID.MethodID)
		}
		return fmt.Errorf("method %s: %w", c.PID.MethodID, err)
	}
	c.PID.Method = m
	return nil
}

func matchKind(c *ControllerConfig, kind Kind) bool {
	return kind == "" || c.Kind == kind
}
