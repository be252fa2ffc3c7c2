package core

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/tomb.v2"

	"pod-service/internal/archive"
	"pod-service/internal/auth"
	"pod-service/internal/config"
	"pod-service/internal/devices"
	"pod-service/internal/gateway"
	"pod-service/internal/hardware"
	"pod-service/internal/logger"
	"pod-service/internal/messaging"
	"pod-service/internal/metrics"
	"pod-service/internal/types"
)

// PodSystem wires every service of the pod and supervises them. If any
// service fails the whole system is torn down.
type PodSystem struct {
	cfg     *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	redis   MessagingClient
	io      HardwareIO
	archive *archive.Archive

	list      *devices.List
	transport *devices.Transport
	store     *StateStore
	link      *LinkService
	control   *Controller
	telemetry *TelemetryService
	data      *DataService
	trips     *TripScheduler
	emergency *Emergency
	router    *Router
	gateway   *gateway.Server

	mailboxes []*Mailbox
	t         tomb.Tomb
	running   bool
}

// NewPodSystem builds the system against Redis and, if any line is enabled,
// the GPIO chip.
func NewPodSystem(cfg *config.Config, l *logger.Logger) (*PodSystem, error) {
	var s *PodSystem
	rc := messaging.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.DB, l.WithTag("redis"), messaging.Callbacks{
		EmergencyCallback: func(reason string) error {
			return s.emergency.RedisCallback(reason)
		},
	})

	var io HardwareIO
	if cfg.EStop.Enabled || cfg.BrakeLamp.Enabled {
		io = hardware.NewLinuxHardwareIO(l.WithTag("gpio"))
	}

	sys, err := newPodSystem(cfg, l, rc, io)
	if err != nil {
		return nil, err
	}
	s = sys
	return s, nil
}

func newPodSystem(cfg *config.Config, l *logger.Logger, msg MessagingClient, io HardwareIO) (*PodSystem, error) {
	s := &PodSystem{
		cfg:     cfg,
		logger:  l,
		metrics: metrics.New(),
		redis:   msg,
		io:      io,
		list:    devices.NewList(nil),
	}

	s.transport = devices.New(s.list, l.WithTag("transport"), devices.Options{
		DialTimeout: cfg.Devices.DialTimeout,
		Timeout:     cfg.Devices.Timeout,
		Metrics:     s.metrics,
	})

	store, err := NewStateStore(l.WithTag("fsm"), s.transport.AllConnected)
	if err != nil {
		return nil, err
	}
	s.store = store

	size := cfg.Router.QueueSize
	s.trips = NewTripScheduler(store, s.transport, l.WithTag("trip"), s.metrics,
		cfg.Trip.DefaultDistance, cfg.Trip.DefaultMaxSpeed, size)
	s.emergency = NewEmergency(store, s.transport, l.WithTag("emerg"), s.metrics)

	s.link = NewLinkService(s.list, s.transport, store, msg, l.WithTag("link"))
	s.control = NewController(store, s.transport, s.trips, l.WithTag("control"))
	s.data = NewDataService(msg, l.WithTag("data"))
	s.telemetry = NewTelemetryService(s.list, store, s.transport, l.WithTag("tele"), TelemetryOptions{
		Interval:    cfg.Telemetry.Interval,
		PollDevices: cfg.Telemetry.PollDevices,
		Publisher:   msg,
	})

	linkBox := NewMailbox("link", s.link, size, l.WithTag("link"))
	controlBox := NewMailbox("control", s.control, size, l.WithTag("control"))
	teleBox := NewMailbox("telemetry", s.telemetry, size, l.WithTag("tele"))
	dataBox := NewMailbox("data", s.data, size, l.WithTag("data"))
	s.mailboxes = []*Mailbox{linkBox, controlBox, teleBox, dataBox}

	s.router = NewRouter(Subsystems{
		Link:      linkBox,
		Control:   controlBox,
		Telemetry: teleBox,
		Data:      dataBox,
	}, auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL), l.WithTag("router"), s.metrics, size, cfg.Router.MaxInFlight)

	s.gateway = gateway.New(s.router, l.WithTag("gateway"), gateway.Options{
		Listen:            cfg.Gateway.Listen,
		BrakeOnDisconnect: cfg.Gateway.BrakeOnDisconnect,
		Emergency:         s.emergency,
		Metrics:           s.metrics.Handler(),
	})

	store.AddListener(s.onStateChange)
	return s, nil
}

func (s *PodSystem) Start() error {
	s.logger.Infof("Starting pod system")

	if err := s.redis.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if s.cfg.Telemetry.ArchivePath != "" {
		a, err := archive.Open(s.cfg.Telemetry.ArchivePath, s.cfg.Telemetry.ArchiveLimit)
		if err != nil {
			s.logger.Warnf("Telemetry archive disabled: %v", err)
		} else {
			s.archive = a
			s.telemetry.archive = a
			if ts, _, err := a.Latest(); err == nil {
				s.logger.Infof("Telemetry archive holds %d snapshots, newest %s", a.Len(), ts.Format(time.RFC3339))
			}
		}
	}

	if err := s.link.LoadDevices(); err != nil {
		s.logger.Warnf("Failed to load saved devices, starting empty: %v", err)
	}
	s.logger.Infof("Loaded %d devices", s.list.Len())

	if err := s.data.Bootstrap(s.cfg.Auth.AdminPassword); err != nil {
		return err
	}

	ctx := s.t.Context(nil)
	if err := s.store.Start(ctx); err != nil {
		return err
	}

	if err := s.initHardware(); err != nil {
		return err
	}

	if err := s.redis.StartListening(); err != nil {
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}

	s.run(ctx)

	if err := s.redis.PublishPodState(s.store.Current()); err != nil {
		s.logger.Warnf("Failed to publish initial state: %v", err)
	}
	s.metrics.State(s.store.Current())
	s.logger.Infof("Pod system started in %s", s.store.Current())
	return nil
}

func (s *PodSystem) initHardware() error {
	if s.io == nil {
		return nil
	}
	if s.cfg.BrakeLamp.Enabled {
		if err := s.io.RequestOutput(hardware.ChannelBrakeLamp, s.cfg.BrakeLamp.Chip, s.cfg.BrakeLamp.Line, false); err != nil {
			return fmt.Errorf("failed to initialize brake lamp: %w", err)
		}
	}
	if s.cfg.EStop.Enabled {
		s.io.RegisterInputCallback(hardware.ChannelEStop, s.emergency.EStopCallback)
		if err := s.io.RequestInput(hardware.ChannelEStop, s.cfg.EStop.Chip, s.cfg.EStop.Line, s.cfg.EStop.Debounce); err != nil {
			return fmt.Errorf("failed to initialize e-stop: %w", err)
		}
		if pressed, err := s.io.ReadDigitalInput(hardware.ChannelEStop); err != nil {
			s.logger.Warnf("Failed to read e-stop: %v", err)
		} else if pressed {
			s.logger.Warnf("E-stop is pressed at startup")
		}
	}
	return nil
}

func (s *PodSystem) run(ctx context.Context) {
	services := []interface {
		Run(ctx context.Context) error
	}{s.transport, s.store, s.trips, s.emergency, s.telemetry, s.router, s.gateway}
	for _, m := range s.mailboxes {
		services = append(services, m)
	}
	for _, svc := range services {
		svc := svc
		s.t.Go(func() error {
			return svc.Run(ctx)
		})
	}
	s.running = true
}

func (s *PodSystem) onStateChange(from, to types.PodState) {
	s.metrics.State(to)
	if err := s.redis.PublishPodState(to); err != nil {
		s.logger.Warnf("Failed to publish state %s: %v", to, err)
	}
	if s.io != nil && s.cfg.BrakeLamp.Enabled {
		if err := s.io.WriteDigitalOutput(hardware.ChannelBrakeLamp, to == types.StateBraking); err != nil {
			s.logger.Warnf("Failed to set brake lamp: %v", err)
		}
	}
}

// Dying is closed when any service fails or Shutdown is called.
func (s *PodSystem) Dying() <-chan struct{} {
	return s.t.Dying()
}

// Err returns the reason the system is dying, if any.
func (s *PodSystem) Err() error {
	return s.t.Err()
}

func (s *PodSystem) Shutdown() error {
	s.logger.Infof("Shutting down pod system")
	var err error
	s.t.Kill(nil)
	if s.running {
		err = s.t.Wait()
	}

	if s.io != nil {
		s.io.Cleanup()
	}
	if s.archive != nil {
		if cerr := s.archive.Close(); cerr != nil {
			s.logger.Warnf("Failed to close telemetry archive: %v", cerr)
		}
	}
	if cerr := s.redis.Close(); cerr != nil {
		s.logger.Warnf("Failed to close Redis client: %v", cerr)
	}
	return err
}
