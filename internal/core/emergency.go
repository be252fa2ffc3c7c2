package core

import (
	"context"

	"pod-service/internal/logger"
	"pod-service/internal/metrics"
	"pod-service/internal/types"
)

// Emergency trigger sources
const (
	SourceGateway = "gateway"
	SourceRedis   = "redis"
	SourceEStop   = "estop"
)

// Emergency brakes the pod on external triggers. It talks to the transport
// directly and never waits on the router or the trip scheduler.
type Emergency struct {
	store     *StateStore
	transport DeviceTransport
	logger    *logger.Logger
	metrics   *metrics.Metrics
	triggers  chan string
}

func NewEmergency(store *StateStore, transport DeviceTransport, l *logger.Logger, m *metrics.Metrics) *Emergency {
	return &Emergency{
		store:     store,
		transport: transport,
		logger:    l,
		metrics:   m,
		triggers:  make(chan string, 8),
	}
}

// Notify queues a trigger without blocking. A trigger is dropped only when
// one is already pending, which brakes just the same.
func (e *Emergency) Notify(source string) {
	select {
	case e.triggers <- source:
	default:
		e.logger.Warnf("Emergency queue full, dropped trigger from %s", source)
	}
}

func (e *Emergency) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case source := <-e.triggers:
			msg, err := e.Trigger(ctx, source)
			if err != nil {
				e.logger.Errorf("Emergency brake from %s failed: %v", source, err)
				continue
			}
			e.logger.Infof("Emergency trigger from %s: %s", source, msg)
		}
	}
}

// Trigger brakes every device if the pod is moving. A failed brake leaves
// the pod Moving so the operator or the next trigger can retry.
func (e *Emergency) Trigger(ctx context.Context, source string) (string, error) {
	if e.store.Current() != types.StateMoving {
		e.metrics.Emergency(source, "unnecessary")
		return "Braking unnecessary", nil
	}

	if err := e.transport.Brake(ctx); err != nil {
		e.metrics.Emergency(source, "failed")
		return "", err
	}
	if err := e.store.Brake(); err != nil && e.store.Current() != types.StateBraking {
		e.metrics.Emergency(source, "failed")
		return "", err
	}
	e.metrics.Emergency(source, "braked")
	return "Brakes engaged", nil
}

// EStopCallback adapts the e-stop input line to Notify. Only the pressed
// edge triggers.
func (e *Emergency) EStopCallback(channel string, pressed bool) error {
	if pressed {
		e.Notify(SourceEStop)
	}
	return nil
}

// RedisCallback adapts the Redis emergency list to Notify.
func (e *Emergency) RedisCallback(reason string) error {
	e.logger.Infof("Emergency requested via Redis: %s", reason)
	e.Notify(SourceRedis)
	return nil
}
