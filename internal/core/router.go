package core

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"pod-service/internal/auth"
	"pod-service/internal/logger"
	"pod-service/internal/metrics"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

// CmdLogin is the only local command.
const CmdLogin uint8 = 1

type commandRange int

const (
	rangeLocal commandRange = iota
	rangeLink
	rangeControl
	rangeTelemetry
	rangeData
	rangePassThrough
)

func (r commandRange) String() string {
	switch r {
	case rangeLocal:
		return "local"
	case rangeLink:
		return "link"
	case rangeControl:
		return "control"
	case rangeTelemetry:
		return "telemetry"
	case rangeData:
		return "data"
	default:
		return "passthrough"
	}
}

func classify(cmdType uint8) commandRange {
	switch {
	case cmdType < 32:
		return rangeLocal
	case cmdType < 64:
		return rangeLink
	case cmdType < 128:
		return rangeControl
	case cmdType < 160:
		return rangeTelemetry
	case cmdType < 196:
		return rangeData
	default:
		return rangePassThrough
	}
}

// authorized reports whether an operator group may use a range.
func authorized(r commandRange, group uint8) bool {
	switch r {
	case rangeLink:
		return group != types.GroupNone && group != types.GroupMissionControl
	case rangeControl:
		return group != types.GroupNone && group != types.GroupSoftware
	case rangeTelemetry:
		return group != types.GroupNone
	case rangeData:
		return group == types.GroupAdmin
	default:
		return true
	}
}

// Subsystems are the callers the router forwards to.
type Subsystems struct {
	Link      Caller
	Control   Caller
	Telemetry Caller
	Data      Caller
}

type routedCommand struct {
	ctx   context.Context
	cmd   *packet.Command
	reply chan *packet.Command
}

// Router authorizes commands by range and forwards them to the owning
// subsystem. Each submitted command gets exactly one reply.
type Router struct {
	subsystems  Subsystems
	tokens      *auth.Tokens
	logger      *logger.Logger
	metrics     *metrics.Metrics
	maxInFlight int

	queue chan routedCommand
	done  chan struct{}
}

func NewRouter(subsystems Subsystems, tokens *auth.Tokens, l *logger.Logger, m *metrics.Metrics, queueSize, maxInFlight int) *Router {
	if queueSize <= 0 {
		queueSize = 32
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Router{
		subsystems:  subsystems,
		tokens:      tokens,
		logger:      l,
		metrics:     m,
		maxInFlight: maxInFlight,
		queue:       make(chan routedCommand, queueSize),
		done:        make(chan struct{}),
	}
}

// Submit queues cmd and waits for its reply.
func (r *Router) Submit(ctx context.Context, cmd *packet.Command) (*packet.Command, error) {
	rc := routedCommand{ctx: ctx, cmd: cmd, reply: make(chan *packet.Command, 1)}

	select {
	case r.queue <- rc:
	case <-r.done:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-rc.reply:
		return reply, nil
	case <-r.done:
		select {
		case reply := <-rc.reply:
			return reply, nil
		default:
			return nil, ErrUnavailable
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer close(r.done)
	defer wg.Wait()

	slots := make(chan struct{}, r.maxInFlight)
	r.logger.Infof("Router running, max %d in flight", r.maxInFlight)

	for {
		select {
		case <-ctx.Done():
			return nil
		case rc := <-r.queue:
			if r.maxInFlight == 1 {
				rc.reply <- r.Route(rc.ctx, rc.cmd)
				continue
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				rc.reply <- rc.cmd.Error("Service unavailable")
				return nil
			}
			wg.Add(1)
			go func(rc routedCommand) {
				defer wg.Done()
				defer func() { <-slots }()
				rc.reply <- r.Route(rc.ctx, rc.cmd)
			}(rc)
		}
	}
}

// Route handles one command synchronously.
func (r *Router) Route(ctx context.Context, cmd *packet.Command) *packet.Command {
	rng := classify(cmd.CmdType)

	if rng == rangePassThrough {
		r.metrics.Command(rng.String(), "passthrough")
		return cmd
	}
	if rng == rangeLocal {
		reply := r.local(ctx, cmd)
		r.metrics.Command(rng.String(), outcome(reply))
		return reply
	}

	group := r.tokens.Group(cmd.TokenString())
	if !authorized(rng, group) {
		r.logger.Debugf("Rejected cmd_type %d for group %d", cmd.CmdType, group)
		r.metrics.Command(rng.String(), "unauthorized")
		return cmd.Error("Not authorized")
	}

	reply, err := r.caller(rng).Call(ctx, cmd)
	if err != nil {
		r.logger.Warnf("%s subsystem unavailable for cmd_type %d: %v", rng, cmd.CmdType, err)
		r.metrics.Command(rng.String(), "unavailable")
		return cmd.Error("Service unavailable")
	}
	r.metrics.Command(rng.String(), outcome(reply))
	return reply
}

func outcome(reply *packet.Command) string {
	if reply.CmdType == 0 {
		return "error"
	}
	return "ok"
}

func (r *Router) caller(rng commandRange) Caller {
	switch rng {
	case rangeLink:
		return r.subsystems.Link
	case rangeControl:
		return r.subsystems.Control
	case rangeTelemetry:
		return r.subsystems.Telemetry
	default:
		return r.subsystems.Data
	}
}

func (r *Router) local(ctx context.Context, cmd *packet.Command) *packet.Command {
	switch cmd.CmdType {
	case CmdLogin:
		return r.login(ctx, cmd)
	default:
		return cmd.Error("Command not implemented")
	}
}

func (r *Router) login(ctx context.Context, cmd *packet.Command) *packet.Command {
	var creds types.LoginCredentials
	if err := json.Unmarshal([]byte(cmd.Arg(0)), &creds); err != nil {
		return cmd.Error("Login Error")
	}

	user, err := r.lookup(ctx, types.NormalizeName(creds.Username))
	if err != nil {
		r.logger.Warnf("Login lookup failed: %v", err)
		return cmd.Error("Login Error")
	}

	if !auth.VerifyPassword(creds.Password, user.Hash) {
		if user.Name == "" {
			return cmd.Error("User not found")
		}
		return cmd.Error("Wrong password")
	}

	token, err := r.tokens.Issue(user.UGroup)
	if err != nil {
		r.logger.Errorf("Failed to issue token: %v", err)
		return cmd.Error("Login Error")
	}
	r.logger.Infof("User %s logged in with group %d", user.Name, user.UGroup)
	reply := cmd.Reply(CmdLogin, "Authenticated", strconv.Itoa(int(user.UGroup)))
	reply.Token = &token
	return reply
}

var errLookup = errors.New("user lookup rejected")

func (r *Router) lookup(ctx context.Context, name string) (types.User, error) {
	b, _ := json.Marshal(types.UserSecure{Name: name})
	reply, err := r.subsystems.Data.Call(ctx, packet.NewCommand(CmdGetUser, string(b)))
	if err != nil {
		return types.User{}, err
	}
	if reply.CmdType == 0 {
		return types.User{}, errLookup
	}
	var u types.User
	if err := json.Unmarshal([]byte(reply.Arg(0)), &u); err != nil {
		return types.User{}, err
	}
	return u, nil
}
