package core

import (
	"context"
	"time"

	"pod-service/internal/logger"
	"pod-service/internal/metrics"
	"pod-service/internal/types"
)

// HalfTime is the time spent in each half of a trip: accelerating to the
// midpoint, then braking. Speed is km/h and distance m, so the speed is
// converted to m/s first.
func HalfTime(distance, maxSpeed float64) time.Duration {
	seconds := distance / (maxSpeed / 3.6) / 2
	return time.Duration(seconds * float64(time.Second))
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TripScheduler drives the pod through a trip without operator input:
// Braking at half time, Locked at the end. The state is set without checking
// what happened in between, so a trip that was braked early by the emergency
// path still runs to completion.
type TripScheduler struct {
	store           *StateStore
	transport       DeviceTransport
	logger          *logger.Logger
	metrics         *metrics.Metrics
	defaultDistance float64
	defaultSpeed    float64

	trips chan types.LaunchParams
	sleep sleepFunc
}

func NewTripScheduler(store *StateStore, transport DeviceTransport, l *logger.Logger, m *metrics.Metrics, defaultDistance, defaultSpeed float64, queueSize int) *TripScheduler {
	return &TripScheduler{
		store:           store,
		transport:       transport,
		logger:          l,
		metrics:         m,
		defaultDistance: defaultDistance,
		defaultSpeed:    defaultSpeed,
		trips:           make(chan types.LaunchParams, queueSize),
		sleep:           sleepCtx,
	}
}

// Schedule hands a copy of params to the scheduler.
func (t *TripScheduler) Schedule(ctx context.Context, params types.LaunchParams) error {
	select {
	case t.trips <- params.Copy():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TripScheduler) Run(ctx context.Context) error {
	t.logger.Infof("Trip scheduler running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case params := <-t.trips:
			if err := t.runTrip(ctx, params); err != nil {
				t.logger.Warnf("Trip aborted: %v", err)
				return nil
			}
		}
	}
}

func (t *TripScheduler) resolve(params types.LaunchParams) (distance, speed float64) {
	distance, speed = t.defaultDistance, t.defaultSpeed
	if params.Distance != nil && *params.Distance > 0 {
		distance = *params.Distance
	}
	if params.MaxSpeed != nil && *params.MaxSpeed > 0 {
		speed = *params.MaxSpeed
	}
	return distance, speed
}

// runTrip returns an error only when ctx is cancelled mid-trip.
func (t *TripScheduler) runTrip(ctx context.Context, params types.LaunchParams) error {
	distance, speed := t.resolve(params)
	half := HalfTime(distance, speed)
	t.metrics.Trip()
	t.logger.Infof("Trip started: distance=%g max_speed=%g half_time=%v", distance, speed, half)

	if err := t.sleep(ctx, half); err != nil {
		return err
	}
	if err := t.store.Force(types.StateBraking); err != nil {
		t.logger.Errorf("Failed to enter Braking: %v", err)
	}
	if err := t.transport.Brake(ctx); err != nil {
		t.logger.Errorf("Scheduled brake failed: %v", err)
	}

	if err := t.sleep(ctx, half); err != nil {
		return err
	}
	if err := t.store.Force(types.StateLocked); err != nil {
		t.logger.Errorf("Failed to enter Locked: %v", err)
	}
	t.logger.Infof("Trip complete")
	return nil
}
