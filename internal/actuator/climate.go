package actuator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jtecio/smart-heating-optimizer/internal/ha"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
)

// Climate drives a Home Assistant climate entity
type Climate struct {
	client   ha.HAClient
	entityID string
}

// NewClimate binds a climate entity such as climate.living_room
func NewClimate(client ha.HAClient, entityID string) *Climate {
	return &Climate{client: client, entityID: entityID}
}

// Ref returns the entity ID
func (c *Climate) Ref() string {
	return c.entityID
}

// ReadSetpoint returns the entity's current target temperature
func (c *Climate) ReadSetpoint(ctx context.Context) (float64, error) {
	state, err := c.state()
	if err != nil {
		return 0, err
	}

	temp, ok := state.FloatAttribute("temperature")
	if !ok {
		return 0, fmt.Errorf("%s has no temperature attribute", c.entityID)
	}
	return temp, nil
}

// WriteSetpoint calls climate.set_temperature and waits for HA to confirm
func (c *Climate) WriteSetpoint(ctx context.Context, tempC float64) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("%s: %w", c.entityID, setpoint.ErrActuatorUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := map[string]interface{}{
		"entity_id":   c.entityID,
		"temperature": tempC,
	}
	var err error
	if caller, ok := c.client.(ha.ServiceCaller); ok {
		err = caller.CallServiceContext(ctx, "climate", "set_temperature", data)
	} else {
		err = c.client.CallService("climate", "set_temperature", data)
	}
	if errors.Is(err, ha.ErrNotConnected) {
		return fmt.Errorf("%s: %w", c.entityID, errors.Join(setpoint.ErrActuatorUnavailable, err))
	}
	return err
}

func (c *Climate) state() (*ha.State, error) {
	if !c.client.IsConnected() {
		return nil, fmt.Errorf("%s: %w", c.entityID, setpoint.ErrActuatorUnavailable)
	}

	state, err := c.client.GetState(c.entityID)
	if err != nil {
		if errors.Is(err, ha.ErrEntityNotFound) || errors.Is(err, ha.ErrNotConnected) {
			return nil, errors.Join(setpoint.ErrActuatorUnavailable, err)
		}
		return nil, err
	}
	if !state.Available() {
		return nil, fmt.Errorf("%s is %s: %w", c.entityID, state.State, setpoint.ErrActuatorUnavailable)
	}
	return state, nil
}
