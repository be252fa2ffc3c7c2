package core

import (
	"context"
	"sync/atomic"

	"pod-service/internal/logger"
	"pod-service/internal/packet"
)

type envelope struct {
	id    uint64
	ctx   context.Context
	cmd   *packet.Command
	reply chan *packet.Command
}

// Mailbox runs a Handler on a single goroutine behind a bounded queue.
// Every request carries its own reply channel, so callers on different
// goroutines never receive each other's replies.
type Mailbox struct {
	name     string
	handler  Handler
	logger   *logger.Logger
	requests chan envelope
	done     chan struct{}
	nextID   atomic.Uint64
}

func NewMailbox(name string, h Handler, size int, l *logger.Logger) *Mailbox {
	if size <= 0 {
		size = 32
	}
	return &Mailbox{
		name:     name,
		handler:  h,
		logger:   l,
		requests: make(chan envelope, size),
		done:     make(chan struct{}),
	}
}

func (m *Mailbox) Run(ctx context.Context) error {
	defer close(m.done)
	m.logger.Debugf("%s mailbox running", m.name)

	for {
		select {
		case <-ctx.Done():
			m.logger.Debugf("%s mailbox stopped", m.name)
			return nil
		case env := <-m.requests:
			m.logger.Debugf("%s handling request %d: cmd_type %d", m.name, env.id, env.cmd.CmdType)
			env.reply <- m.handler.Handle(env.ctx, env.cmd)
		}
	}
}

func (m *Mailbox) Call(ctx context.Context, cmd *packet.Command) (*packet.Command, error) {
	env := envelope{
		id:    m.nextID.Add(1),
		ctx:   ctx,
		cmd:   cmd,
		reply: make(chan *packet.Command, 1),
	}

	select {
	case m.requests <- env:
	case <-m.done:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-env.reply:
		return reply, nil
	case <-m.done:
		select {
		case reply := <-env.reply:
			return reply, nil
		default:
			return nil, ErrUnavailable
		}
	}
}
