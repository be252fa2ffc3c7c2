package core

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"pod-service/internal/devices"
	"pod-service/internal/logger"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

// Link management commands
const (
	CmdListDevices   uint8 = 32
	CmdAddDevice     uint8 = 33
	CmdUpdateDevice  uint8 = 34
	CmdRemoveDevice  uint8 = 35
	CmdDeviceCommand uint8 = 36
	CmdUnlock        uint8 = 62
	CmdLock          uint8 = 63
)

// LinkService edits the device list while the pod is Unlocked and moves the
// pod between Unlocked and Locked.
type LinkService struct {
	list      *devices.List
	transport DeviceTransport
	store     *StateStore
	devices   DeviceStore
	logger    *logger.Logger
}

func NewLinkService(list *devices.List, transport DeviceTransport, store *StateStore, ds DeviceStore, l *logger.Logger) *LinkService {
	return &LinkService{
		list:      list,
		transport: transport,
		store:     store,
		devices:   ds,
		logger:    l,
	}
}

// LoadDevices replaces the device list with the persisted one.
func (s *LinkService) LoadDevices() error {
	if s.devices == nil {
		return nil
	}
	saved, err := s.devices.LoadDevices()
	if err != nil {
		return err
	}
	for i := range saved {
		saved[i].ConnectionStatus = types.Disconnected
		saved[i].DeviceStatus = types.DeviceUnsafe
	}
	s.list.Replace(saved)
	s.logger.Infof("Loaded %d devices", len(saved))
	return nil
}

func (s *LinkService) persist() {
	if s.devices == nil {
		return
	}
	if err := s.devices.SaveDevices(s.list.Snapshot()); err != nil {
		s.logger.Warnf("Failed to persist device list: %v", err)
	}
}

func (s *LinkService) Handle(ctx context.Context, cmd *packet.Command) *packet.Command {
	switch cmd.CmdType {
	case CmdListDevices:
		return s.listDevices(cmd)
	case CmdAddDevice:
		return s.addDevice(cmd)
	case CmdUpdateDevice:
		return s.updateDevice(cmd)
	case CmdRemoveDevice:
		return s.removeDevice(cmd)
	case CmdDeviceCommand:
		return s.deviceCommand(ctx, cmd)
	case CmdUnlock:
		return s.unlockPod(ctx, cmd)
	case CmdLock:
		return s.lockPod(ctx, cmd)
	default:
		return cmd.Error("Command not implemented")
	}
}

func (s *LinkService) listDevices(cmd *packet.Command) *packet.Command {
	b, err := json.Marshal(s.list.Snapshot())
	if err != nil {
		return cmd.Error("Device list unavailable")
	}
	return cmd.Reply(CmdListDevices, string(b))
}

func (s *LinkService) unlocked() bool {
	return s.store.Current() == types.StateUnlocked
}

func parseDevice(arg string) (types.Device, error) {
	var d types.Device
	if err := json.Unmarshal([]byte(arg), &d); err != nil {
		return types.Device{}, err
	}
	if d.ID == "" {
		return types.Device{}, errors.New("missing device id")
	}
	return d, nil
}

// deviceID accepts either a device JSON object or a bare id.
func deviceID(arg string) string {
	if d, err := parseDevice(arg); err == nil {
		return d.ID
	}
	var id string
	if err := json.Unmarshal([]byte(arg), &id); err == nil {
		return id
	}
	return strings.TrimSpace(arg)
}

func (s *LinkService) addDevice(cmd *packet.Command) *packet.Command {
	if !s.unlocked() {
		return cmd.Error("Pod must be unlocked first")
	}
	d, err := parseDevice(cmd.Arg(0))
	if err != nil {
		return cmd.Error("Malformed device information")
	}
	if err := s.list.Add(d); err != nil {
		if errors.Is(err, devices.ErrDuplicateDevice) {
			return cmd.Error("Device already exists")
		}
		return cmd.Error("Device add failed")
	}
	s.persist()
	s.logger.Infof("Device %s added", d.ID)
	return cmd.Reply(CmdAddDevice, "Device added")
}

func (s *LinkService) updateDevice(cmd *packet.Command) *packet.Command {
	if !s.unlocked() {
		return cmd.Error("Pod must be unlocked first")
	}
	d, err := parseDevice(cmd.Arg(0))
	if err != nil {
		return cmd.Error("Malformed device information")
	}
	if err := s.list.Update(d); err != nil {
		return cmd.Error("Device not found")
	}
	s.persist()
	s.logger.Infof("Device %s updated", d.ID)
	return cmd.Reply(CmdUpdateDevice, "Device updated")
}

func (s *LinkService) removeDevice(cmd *packet.Command) *packet.Command {
	if !s.unlocked() {
		return cmd.Error("Pod must be unlocked first")
	}
	id := deviceID(cmd.Arg(0))
	if err := s.list.Remove(id); err != nil {
		return cmd.Error("Device not found")
	}
	s.persist()
	s.logger.Infof("Device %s removed", id)
	return cmd.Reply(CmdRemoveDevice, "Device removed")
}

func (s *LinkService) deviceCommand(ctx context.Context, cmd *packet.Command) *packet.Command {
	if s.unlocked() {
		return cmd.Error("Pod must be locked first")
	}
	id := deviceID(cmd.Arg(0))
	index := s.list.Index(id)
	if index < 0 {
		return cmd.Error("Device not found")
	}
	code, err := strconv.ParseUint(strings.TrimSpace(cmd.Arg(1)), 10, 8)
	if err != nil {
		return cmd.Error("Malformed device command")
	}

	dev, _ := s.list.Get(index)
	command, ok := dev.CommandCode(uint8(code))
	if !ok || packet.IsReservedDeviceCode(uint8(code)) {
		return cmd.Error("Unknown device command")
	}

	payload := &packet.DevicePayload{TargetID: id, TargetCmdCode: uint8(code)}
	if err := s.transport.SendCommand(ctx, index, uint8(code), payload); err != nil {
		s.logger.Errorf("Device command %s on %s failed: %v", command.Name, id, err)
		return cmd.Error("Device command failed: " + err.Error())
	}
	s.logger.Infof("Sent %s (%d) to %s", command.Name, code, id)
	return cmd.Reply(CmdDeviceCommand, "Cmd sent to device")
}

func (s *LinkService) unlockPod(ctx context.Context, cmd *packet.Command) *packet.Command {
	release, err := s.store.Reserve("unlock", types.StateLocked)
	if errors.Is(err, ErrBusy) {
		return cmd.Error("Pod busy, try again")
	}
	if err != nil {
		return cmd.Error("PodState not locked, cannot unlock")
	}
	defer release()

	if err := s.transport.ClearConnections(ctx); err != nil {
		s.logger.Errorf("Failed to clear connections: %v", err)
		return cmd.Error("unlock unsuccessful")
	}
	if err := s.store.Unlock(); err != nil {
		s.logger.Errorf("Unlock refused: %v", err)
		return cmd.Error("unlock unsuccessful")
	}
	s.persist()
	return cmd.Reply(CmdUnlock, "unlock successful")
}

func (s *LinkService) lockPod(ctx context.Context, cmd *packet.Command) *packet.Command {
	release, err := s.store.Reserve("lock", types.StateUnlocked)
	if errors.Is(err, ErrBusy) {
		return cmd.Error("Pod busy, try again")
	}
	if err != nil {
		return cmd.Error("Pod must be unlocked first")
	}
	defer release()

	if err := s.transport.PopulateConnections(ctx); err != nil {
		s.logger.Errorf("Lock failed: %v", err)
		return cmd.Error("lock unsuccessful: " + err.Error())
	}
	if err := s.store.Lock(); err != nil {
		s.logger.Errorf("Lock refused: %v", err)
		if cerr := s.transport.ClearConnections(ctx); cerr != nil {
			s.logger.Warnf("Failed to clear connections: %v", cerr)
		}
		return cmd.Error("lock unsuccessful")
	}

	if err := s.transport.DiscoverAll(ctx); err != nil {
		s.logger.Warnf("Discovery after lock incomplete: %v", err)
	}
	s.persist()
	return cmd.Reply(CmdLock, "lock successful")
}
