package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"pod-service/internal/logger"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

// Pod control commands
const (
	CmdGetState       uint8 = 64
	CmdStateReport    uint8 = 65
	CmdSetDestination uint8 = 68
	CmdLaunch         uint8 = 69
	CmdBrake          uint8 = 99
)

// Controller owns launch and brake policy. DeviceTransport only executes.
type Controller struct {
	store     *StateStore
	transport DeviceTransport
	trips     TripQueue
	logger    *logger.Logger

	mu     sync.Mutex
	params types.LaunchParams
}

func NewController(store *StateStore, transport DeviceTransport, trips TripQueue, l *logger.Logger) *Controller {
	return &Controller{
		store:     store,
		transport: transport,
		trips:     trips,
		logger:    l,
	}
}

func (c *Controller) Handle(ctx context.Context, cmd *packet.Command) *packet.Command {
	switch cmd.CmdType {
	case CmdGetState:
		return c.getState(cmd)
	case CmdSetDestination:
		return c.setDestination(cmd)
	case CmdLaunch:
		return c.launch(ctx, cmd)
	case CmdBrake:
		return c.engageBrakes(ctx, cmd)
	default:
		return cmd.Error("Invalid command")
	}
}

func stateJSON(s types.PodState) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (c *Controller) getState(cmd *packet.Command) *packet.Command {
	return cmd.Reply(CmdStateReport, stateJSON(c.store.Current()))
}

// Params returns a copy of the stored launch parameters.
func (c *Controller) Params() types.LaunchParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.Copy()
}

func (c *Controller) setDestination(cmd *packet.Command) *packet.Command {
	var params types.LaunchParams
	if err := json.Unmarshal([]byte(cmd.Arg(0)), &params); err != nil {
		return cmd.Error("Malformed launch parameters")
	}
	if params.Distance != nil && (*params.Distance < 0 || *params.Distance >= types.MaxDistance) {
		return cmd.Error("Distance out of valid range")
	}
	if params.MaxSpeed != nil && (*params.MaxSpeed < 0 || *params.MaxSpeed >= types.MaxSpeed) {
		return cmd.Error("Max speed out of valid range")
	}

	c.mu.Lock()
	c.params = params.Copy()
	c.mu.Unlock()

	c.logger.Infof("Launch parameters set: %s", params)
	return cmd.Reply(CmdSetDestination, "Destination set")
}

func (c *Controller) launch(ctx context.Context, cmd *packet.Command) *packet.Command {
	release, err := c.store.Reserve("launch", types.StateLocked)
	if errors.Is(err, ErrBusy) {
		return cmd.Error("Pod busy, try again")
	}
	if err != nil {
		return cmd.Error("PodState not locked, cannot launch")
	}
	defer release()

	if err := c.transport.Launch(ctx); err != nil {
		c.logger.Errorf("Launch failed: %v", err)
		return cmd.Error("Launch failed: " + err.Error())
	}
	if err := c.store.Launch(); err != nil {
		c.logger.Errorf("Launch transition refused: %v", err)
		return cmd.Error("PodState not locked, cannot launch")
	}

	params := c.Params()
	if err := c.trips.Schedule(ctx, params); err != nil {
		c.logger.Errorf("Failed to schedule trip (%s): %v", params, err)
	}
	c.logger.Infof("Pod launched (%s)", params)
	return cmd.Reply(CmdLaunch, "Pod launched")
}

func (c *Controller) engageBrakes(ctx context.Context, cmd *packet.Command) *packet.Command {
	if c.store.Current() != types.StateMoving {
		return cmd.Error("PodState not moving, cannot brake")
	}
	if err := c.transport.Brake(ctx); err != nil {
		c.logger.Errorf("Brake failed: %v", err)
		return cmd.Error("Brake failed: " + err.Error())
	}
	if err := c.store.Brake(); err != nil {
		// another actor braked first
		if c.store.Current() != types.StateBraking {
			c.logger.Errorf("Brake transition refused: %v", err)
			return cmd.Error("PodState not moving, cannot brake")
		}
	}
	c.logger.Infof("Brakes engaged")
	return cmd.Reply(CmdBrake, "Brakes engaged")
}
