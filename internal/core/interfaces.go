package core

import (
	"context"
	"time"

	"pod-service/internal/hardware"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

// UserStore persists operator accounts.
type UserStore interface {
	GetUser(name string) (types.User, error)
	SaveUser(u types.User) error
	DeleteUser(name string) (bool, error)
	ListUsers() ([]types.UserSecure, error)
}

// DeviceStore persists the configured device list.
type DeviceStore interface {
	SaveDevices(devices []types.Device) error
	LoadDevices() ([]types.Device, error)
}

type StatePublisher interface {
	PublishPodState(state types.PodState) error
}

type TelemetryPublisher interface {
	PublishTelemetry(snapshot []byte) error
}

// MessagingClient defines the Redis operations needed by PodSystem
type MessagingClient interface {
	Connect() error
	StartListening() error
	Close() error

	UserStore
	DeviceStore
	StatePublisher
	TelemetryPublisher
}

// DeviceTransport is the connection owner for every embedded device.
type DeviceTransport interface {
	PopulateConnections(ctx context.Context) error
	ClearConnections(ctx context.Context) error
	SendCommand(ctx context.Context, index int, code uint8, payload *packet.DevicePayload) error
	DiscoverAll(ctx context.Context) error
	Launch(ctx context.Context) error
	Brake(ctx context.Context) error
	AllConnected() bool
}

// TelemetryArchive keeps a local history of snapshots.
type TelemetryArchive interface {
	Put(ts time.Time, snapshot []byte) error
	Since(ts time.Time) ([][]byte, error)
}

// HardwareIO defines the GPIO operations needed by PodSystem
type HardwareIO interface {
	RequestInput(channel, chip string, line int, debounce time.Duration) error
	RequestOutput(channel, chip string, line int, initial bool) error
	RegisterInputCallback(channel string, callback hardware.InputCallback)
	ReadDigitalInput(channel string) (bool, error)
	WriteDigitalOutput(channel string, value bool) error
	Cleanup()
}

// TripQueue accepts launch parameters for a trip that has just started.
type TripQueue interface {
	Schedule(ctx context.Context, params types.LaunchParams) error
}

// Handler processes one command and returns the reply.
type Handler interface {
	Handle(ctx context.Context, cmd *packet.Command) *packet.Command
}

// Caller forwards a command to a subsystem and waits for its reply.
type Caller interface {
	Call(ctx context.Context, cmd *packet.Command) (*packet.Command, error)
}
