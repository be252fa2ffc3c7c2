package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pod-service/internal/devices"
	"pod-service/internal/logger"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

// Telemetry commands
const (
	CmdTelemetryReport  uint8 = 128
	CmdTelemetryHistory uint8 = 129
)

type DeviceTelemetry struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Type             types.DeviceType       `json:"device_type"`
	ConnectionStatus types.ConnectionStatus `json:"connection_status"`
	DeviceStatus     types.DeviceStatus     `json:"device_status"`
	Fields           []types.DeviceField    `json:"fields"`
}

type TelemetrySnapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	State     types.PodState    `json:"pod_state"`
	Devices   []DeviceTelemetry `json:"devices"`
}

// TelemetryService samples the device list once per interval while the pod
// is not Unlocked, archives and publishes each sample, and answers reports
// with the latest one.
type TelemetryService struct {
	list      *devices.List
	store     *StateStore
	transport DeviceTransport
	archive   TelemetryArchive
	publisher TelemetryPublisher
	logger    *logger.Logger
	interval  time.Duration
	poll      bool
	now       func() time.Time

	mu     sync.Mutex
	latest *TelemetrySnapshot
}

type TelemetryOptions struct {
	Interval    time.Duration
	PollDevices bool
	Archive     TelemetryArchive
	Publisher   TelemetryPublisher
}

func NewTelemetryService(list *devices.List, store *StateStore, transport DeviceTransport, l *logger.Logger, opts TelemetryOptions) *TelemetryService {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &TelemetryService{
		list:      list,
		store:     store,
		transport: transport,
		archive:   opts.Archive,
		publisher: opts.Publisher,
		logger:    l,
		interval:  opts.Interval,
		poll:      opts.PollDevices,
		now:       time.Now,
	}
}

func (t *TelemetryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if t.store.Current() == types.StateUnlocked {
				continue
			}
			t.Sample(ctx)
		}
	}
}

// Sample refreshes, records and publishes one snapshot.
func (t *TelemetryService) Sample(ctx context.Context) *TelemetrySnapshot {
	if t.poll && t.transport != nil {
		if err := t.transport.DiscoverAll(ctx); err != nil {
			t.logger.Debugf("Telemetry poll incomplete: %v", err)
		}
	}

	snap := t.snapshot()
	t.mu.Lock()
	t.latest = snap
	t.mu.Unlock()

	b, err := json.Marshal(snap)
	if err != nil {
		t.logger.Errorf("Failed to encode telemetry: %v", err)
		return snap
	}
	if t.archive != nil {
		if err := t.archive.Put(snap.Timestamp, b); err != nil {
			t.logger.Warnf("Failed to archive telemetry: %v", err)
		}
	}
	if t.publisher != nil {
		if err := t.publisher.PublishTelemetry(b); err != nil {
			t.logger.Debugf("Failed to publish telemetry: %v", err)
		}
	}
	return snap
}

func (t *TelemetryService) snapshot() *TelemetrySnapshot {
	devs := t.list.Snapshot()
	out := &TelemetrySnapshot{
		Timestamp: t.now(),
		State:     t.store.Current(),
		Devices:   make([]DeviceTelemetry, 0, len(devs)),
	}
	for _, d := range devs {
		out.Devices = append(out.Devices, DeviceTelemetry{
			ID:               d.ID,
			Name:             d.Name,
			Type:             d.Type,
			ConnectionStatus: d.ConnectionStatus,
			DeviceStatus:     d.DeviceStatus,
			Fields:           d.Fields,
		})
	}
	return out
}

func (t *TelemetryService) Handle(ctx context.Context, cmd *packet.Command) *packet.Command {
	switch cmd.CmdType {
	case CmdTelemetryReport:
		return t.report(cmd)
	case CmdTelemetryHistory:
		return t.history(cmd)
	default:
		return cmd.Error("Command not implemented")
	}
}

// report returns [telemetry, pod state], both JSON. The pod state is read at
// report time; telemetry is the latest sample.
func (t *TelemetryService) report(cmd *packet.Command) *packet.Command {
	t.mu.Lock()
	snap := t.latest
	t.mu.Unlock()
	if snap == nil {
		snap = t.snapshot()
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return cmd.Error("Telemetry unavailable")
	}
	return cmd.Reply(CmdTelemetryReport, string(b), stateJSON(t.store.Current()))
}

// history returns archived snapshots at or after payload[0] (RFC 3339), or
// the last minute when no time is given.
func (t *TelemetryService) history(cmd *packet.Command) *packet.Command {
	if t.archive == nil {
		return cmd.Error("Telemetry archive disabled")
	}
	since := t.now().Add(-time.Minute)
	if arg := cmd.Arg(0); arg != "" {
		ts, err := time.Parse(time.RFC3339, arg)
		if err != nil {
			return cmd.Error("Malformed timestamp")
		}
		since = ts
	}

	snaps, err := t.archive.Since(since)
	if err != nil {
		t.logger.Errorf("Failed to read telemetry archive: %v", err)
		return cmd.Error("Telemetry unavailable")
	}
	out := make([]json.RawMessage, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, json.RawMessage(s))
	}
	b, err := json.Marshal(out)
	if err != nil {
		return cmd.Error("Telemetry unavailable")
	}
	return cmd.Reply(CmdTelemetryHistory, string(b))
}
