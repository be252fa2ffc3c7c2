package devices

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"pod-service/internal/logger"
	"pod-service/internal/metrics"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

var (
	ErrDeviceTimeout  = errors.New("device timed out")
	ErrNotConnected   = errors.New("device not connected")
	ErrDeviceRejected = errors.New("device rejected command")
	ErrClosed         = errors.New("device transport stopped")
)

const queueSize = 32

type Options struct {
	DialTimeout time.Duration
	Timeout     time.Duration
	Metrics     *metrics.Metrics
}

type request struct {
	run   func() error
	reply chan error
}

// Transport owns one TCP connection per device, index-aligned with the
// shared List. Every socket operation runs on the Run goroutine, so callers
// from different subsystems never interleave frames on a connection.
type Transport struct {
	list    *List
	logger  *logger.Logger
	metrics *metrics.Metrics
	dialer  net.Dialer
	timeout time.Duration

	requests  chan request
	done      chan struct{}
	connected atomic.Int32

	// owned by Run
	conns []net.Conn
}

func New(list *List, l *logger.Logger, opts Options) *Transport {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = opts.Timeout
	}
	return &Transport{
		list:    list,
		logger:  l,
		metrics: opts.Metrics,
		dialer: net.Dialer{
			Timeout: opts.DialTimeout,
			Control: userTimeoutControl(opts.Timeout),
		},
		timeout:  opts.Timeout,
		requests: make(chan request, queueSize),
		done:     make(chan struct{}),
	}
}

// Run serves requests until ctx is cancelled, then disconnects every device.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.done)
	defer t.clear()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.requests:
			req.reply <- req.run()
		}
	}
}

func (t *Transport) call(ctx context.Context, fn func() error) error {
	req := request{run: fn, reply: make(chan error, 1)}
	select {
	case t.requests <- req:
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-t.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// ConnectedCount reports how many devices hold a connection.
func (t *Transport) ConnectedCount() int {
	return int(t.connected.Load())
}

// AllConnected reports whether every configured device holds a connection.
func (t *Transport) AllConnected() bool {
	return t.ConnectedCount() == t.list.Len()
}

// PopulateConnections drops any existing connections and dials every device.
// Unless every device connects, all connections are closed again and an
// error is returned.
func (t *Transport) PopulateConnections(ctx context.Context) error {
	return t.call(ctx, func() error {
		t.clear()

		snapshot := t.list.Snapshot()
		conns := make([]net.Conn, len(snapshot))
		var errs []error
		count := 0
		for i, dev := range snapshot {
			conn, err := t.dialer.DialContext(ctx, "tcp", dev.Addr())
			if err != nil {
				t.logger.Warnf("Failed to connect to %s (%s): %v", dev.ID, dev.Addr(), err)
				errs = append(errs, fmt.Errorf("%s: %w", dev.ID, err))
				continue
			}
			conns[i] = conn
			count++
		}

		if count != len(snapshot) {
			for _, c := range conns {
				if c != nil {
					c.Close()
				}
			}
			return fmt.Errorf("connected %d of %d devices: %w", count, len(snapshot), errors.Join(errs...))
		}

		t.conns = conns
		for i := range conns {
			t.list.SetConnection(i, types.Connected)
		}
		t.connected.Store(int32(count))
		t.metrics.Connected(count)
		t.logger.Infof("Connected to %d devices", count)
		return nil
	})
}

// ClearConnections tells every device to disconnect and closes its socket.
func (t *Transport) ClearConnections(ctx context.Context) error {
	return t.call(ctx, func() error {
		t.clear()
		return nil
	})
}

func (t *Transport) clear() {
	for i, conn := range t.conns {
		if conn == nil {
			continue
		}
		if err := t.roundTrip(i, packet.DeviceDisconnect, nil); err != nil {
			t.logger.Debugf("Disconnect of device %d: %v", i, err)
		}
		conn.Close()
		t.list.SetConnection(i, types.Disconnected)
	}
	t.conns = nil
	t.connected.Store(0)
	t.metrics.Connected(0)
}

// SendCommand frames code and payload to the device at index and, unless
// code is a disconnect, waits for its reply.
func (t *Transport) SendCommand(ctx context.Context, index int, code uint8, payload *packet.DevicePayload) error {
	return t.call(ctx, func() error {
		return t.roundTrip(index, code, payload)
	})
}

func (t *Transport) Discover(ctx context.Context, index int) error {
	return t.SendCommand(ctx, index, packet.DeviceDiscovery, nil)
}

// DiscoverAll refreshes every connected device and joins the failures.
func (t *Transport) DiscoverAll(ctx context.Context) error {
	return t.call(ctx, func() error {
		var errs []error
		for i := range t.conns {
			if err := t.roundTrip(i, packet.DeviceDiscovery, nil); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Launch relays the launch command to every device, stopping at the first
// device that does not acknowledge. Devices that already acknowledged are
// sent a brake before the error is returned.
func (t *Transport) Launch(ctx context.Context) error {
	return t.call(ctx, func() error {
		for i := range t.conns {
			if err := t.roundTrip(i, packet.DeviceLaunch, nil); err != nil {
				t.rollbackLaunch(i)
				return err
			}
		}
		return nil
	})
}

func (t *Transport) rollbackLaunch(launched int) {
	for i := 0; i < launched; i++ {
		if err := t.roundTrip(i, packet.DeviceBrake, nil); err != nil {
			t.logger.Errorf("Failed to brake device %d after aborted launch: %v", i, err)
		}
	}
}

// Brake relays the brake command to every device. A failing device does not
// stop the others from being braked.
func (t *Transport) Brake(ctx context.Context) error {
	return t.call(ctx, func() error {
		var errs []error
		for i := range t.conns {
			if err := t.roundTrip(i, packet.DeviceBrake, nil); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (t *Transport) roundTrip(index int, code uint8, payload *packet.DevicePayload) error {
	dev, ok := t.list.Get(index)
	if !ok || index >= len(t.conns) || t.conns[index] == nil {
		t.metrics.RoundTrip(code, "not_connected")
		return fmt.Errorf("%w: index %d", ErrNotConnected, index)
	}
	conn := t.conns[index]

	if err := conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return t.fail(code, dev, "deadline", err)
	}
	defer conn.SetDeadline(time.Time{})

	frame := packet.NewDeviceFrame(code, payload)
	if _, err := conn.Write(packet.EncodeDevice(frame)); err != nil {
		return t.fail(code, dev, "write", err)
	}
	if code == packet.DeviceDisconnect {
		t.metrics.RoundTrip(code, "ok")
		return nil
	}

	resp, err := packet.ReadDevice(conn)
	if err != nil {
		return t.fail(code, dev, "read", err)
	}
	if err := t.dispatch(index, dev, resp); err != nil {
		t.metrics.RoundTrip(code, "rejected")
		return err
	}
	t.metrics.RoundTrip(code, "ok")
	return nil
}

func (t *Transport) fail(code uint8, dev types.Device, op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.metrics.RoundTrip(code, "timeout")
		t.logger.Warnf("Device %s timed out on %s of command %d", dev.ID, op, code)
		return fmt.Errorf("%w: %s", ErrDeviceTimeout, dev.ID)
	}
	t.metrics.RoundTrip(code, "error")
	t.logger.Errorf("Device %s %s failed for command %d: %v", dev.ID, op, code, err)
	return fmt.Errorf("device %s %s: %w", dev.ID, op, err)
}

func (t *Transport) dispatch(index int, dev types.Device, resp *packet.Device) error {
	switch resp.CmdType {
	case packet.DeviceDiscovery:
		p, err := packet.DecodePayload(resp.Payload)
		if err != nil {
			return fmt.Errorf("discovery reply from %s: %w", dev.ID, err)
		}
		fields, commands := discovered(p)
		t.list.SetDiscovery(index, fields, commands)
		t.logger.Debugf("Discovered %s: %d fields, %d commands", dev.ID, len(fields), len(commands))
	case packet.DeviceLaunch, packet.DeviceBrake:
		t.logger.Debugf("Device %s acknowledged command %d", dev.ID, resp.CmdType)
	case packet.DeviceError:
		return fmt.Errorf("%w: %s", ErrDeviceRejected, dev.ID)
	default:
		t.logger.Debugf("Device %s replied with command %d", dev.ID, resp.CmdType)
	}
	return nil
}

// discovered pairs field names with telemetry bytes and command names with
// codes. Unpaired trailing entries are dropped.
func discovered(p *packet.DevicePayload) ([]types.DeviceField, []types.DeviceCommand) {
	fields := make([]types.DeviceField, 0, len(p.FieldNames))
	for i, name := range p.FieldNames {
		if i >= len(p.TelemetryData) {
			break
		}
		fields = append(fields, types.DeviceField{
			Name:  name,
			Value: strconv.Itoa(int(p.TelemetryData[i])),
		})
	}

	n := min(len(p.CommandNames), len(p.CommandCodes))
	commands := make([]types.DeviceCommand, 0, n)
	for i := 0; i < n; i++ {
		commands = append(commands, types.DeviceCommand{
			Name: p.CommandNames[i],
			Code: p.CommandCodes[i],
		})
	}
	return fields, commands
}
