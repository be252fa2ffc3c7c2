package core

import (
	"context"
	"encoding/json"
	"fmt"

	"pod-service/internal/auth"
	"pod-service/internal/logger"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

// Persistence commands
const (
	CmdAddUser     uint8 = 160
	CmdGetUser     uint8 = 161
	CmdListUsers   uint8 = 162
	CmdRemoveUser  uint8 = 163
	CmdSetGroup    uint8 = 164
	CmdSetPassword uint8 = 165
)

// DataService manages operator accounts.
type DataService struct {
	users  UserStore
	logger *logger.Logger
	hash   func(string) (string, error)
}

func NewDataService(users UserStore, l *logger.Logger) *DataService {
	return &DataService{
		users:  users,
		logger: l,
		hash:   auth.HashPassword,
	}
}

// Bootstrap creates the admin account when it does not exist yet.
func (d *DataService) Bootstrap(adminPassword string) error {
	u, err := d.users.GetUser(types.AdminName)
	if err != nil {
		return fmt.Errorf("failed to look up admin account: %w", err)
	}
	if u.Name != "" {
		return nil
	}
	hash, err := d.hash(adminPassword)
	if err != nil {
		return err
	}
	if err := d.users.SaveUser(types.User{Name: types.AdminName, Hash: hash, UGroup: types.GroupAdmin}); err != nil {
		return fmt.Errorf("failed to create admin account: %w", err)
	}
	d.logger.Infof("Created %s account", types.AdminName)
	return nil
}

func (d *DataService) Handle(ctx context.Context, cmd *packet.Command) *packet.Command {
	switch cmd.CmdType {
	case CmdAddUser:
		return d.addUser(cmd)
	case CmdGetUser:
		return d.getUser(cmd)
	case CmdListUsers:
		return d.listUsers(cmd)
	case CmdRemoveUser:
		return d.removeUser(cmd)
	case CmdSetGroup:
		return d.setGroup(cmd)
	case CmdSetPassword:
		return d.setPassword(cmd)
	default:
		return cmd.Error("Command not implemented")
	}
}

func (d *DataService) addUser(cmd *packet.Command) *packet.Command {
	var raw types.UserRaw
	if err := json.Unmarshal([]byte(cmd.Arg(0)), &raw); err != nil {
		return cmd.Error("Malformed user information")
	}
	name := types.NormalizeName(raw.Name)
	if name == "" || raw.Pwd == "" {
		return cmd.Error("Malformed user information")
	}

	existing, err := d.users.GetUser(name)
	if err != nil || existing.Name != "" {
		return cmd.Error("User add failed")
	}
	hash, err := d.hash(raw.Pwd)
	if err != nil {
		return cmd.Error("User add failed")
	}
	if err := d.users.SaveUser(types.User{Name: name, Hash: hash, UGroup: raw.UGroup}); err != nil {
		d.logger.Errorf("Failed to add user %s: %v", name, err)
		return cmd.Error("User add failed")
	}
	d.logger.Infof("User %s added with group %d", name, raw.UGroup)
	return cmd.Reply(cmd.CmdType, "User added")
}

// getUser returns the stored user including its hash, or an empty user.
func (d *DataService) getUser(cmd *packet.Command) *packet.Command {
	var req types.UserSecure
	if err := json.Unmarshal([]byte(cmd.Arg(0)), &req); err != nil {
		return cmd.Error("Malformed user information")
	}
	u, err := d.users.GetUser(types.NormalizeName(req.Name))
	if err != nil {
		d.logger.Errorf("User lookup failed: %v", err)
		return cmd.Error("User lookup failed")
	}
	b, err := json.Marshal(u)
	if err != nil {
		return cmd.Error("User lookup failed")
	}
	return cmd.Reply(cmd.CmdType, string(b))
}

func (d *DataService) listUsers(cmd *packet.Command) *packet.Command {
	users, err := d.users.ListUsers()
	if err != nil {
		d.logger.Errorf("User list failed: %v", err)
		return cmd.Error("User list failed")
	}
	if users == nil {
		users = []types.UserSecure{}
	}
	b, err := json.Marshal(users)
	if err != nil {
		return cmd.Error("User list failed")
	}
	return cmd.Reply(cmd.CmdType, string(b))
}

func (d *DataService) removeUser(cmd *packet.Command) *packet.Command {
	name := types.NormalizeName(cmd.Arg(0))
	if name == types.AdminName {
		return cmd.Error("Cannot remove admin account")
	}
	removed, err := d.users.DeleteUser(name)
	if err != nil || !removed {
		return cmd.Error("User remove failed")
	}
	d.logger.Infof("User %s removed", name)
	return cmd.Reply(cmd.CmdType, "User removed")
}

func (d *DataService) setGroup(cmd *packet.Command) *packet.Command {
	var req types.UserSecure
	if err := json.Unmarshal([]byte(cmd.Arg(0)), &req); err != nil {
		return cmd.Error("Malformed user information")
	}
	name := types.NormalizeName(req.Name)
	if name == types.AdminName {
		return cmd.Error("Cannot change admin account permissions")
	}
	u, err := d.users.GetUser(name)
	if err != nil || u.Name == "" {
		return cmd.Error("User group update failed")
	}
	u.UGroup = req.UGroup
	if err := d.users.SaveUser(u); err != nil {
		return cmd.Error("User group update failed")
	}
	d.logger.Infof("User %s moved to group %d", name, req.UGroup)
	return cmd.Reply(cmd.CmdType, "User group updated")
}

func (d *DataService) setPassword(cmd *packet.Command) *packet.Command {
	var raw types.UserRaw
	if err := json.Unmarshal([]byte(cmd.Arg(0)), &raw); err != nil {
		return cmd.Error("Malformed user information")
	}
	name := types.NormalizeName(raw.Name)
	if raw.Pwd == "" {
		return cmd.Error("Malformed user information")
	}
	u, err := d.users.GetUser(name)
	if err != nil || u.Name == "" {
		return cmd.Error("User password update failed")
	}
	if u.Hash, err = d.hash(raw.Pwd); err != nil {
		return cmd.Error("User password update failed")
	}
	if err := d.users.SaveUser(u); err != nil {
		return cmd.Error("User password update failed")
	}
	d.logger.Infof("Password updated for %s", name)
	return cmd.Reply(cmd.CmdType, "User password updated")
}
