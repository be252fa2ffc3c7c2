package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/librescoot/librefsm"

	"pod-service/internal/fsm"
	"pod-service/internal/logger"
	"pod-service/internal/types"
)

// podMachine is the subset of the librefsm machine the store drives.
type podMachine interface {
	Start(ctx context.Context) error
	CurrentState() librefsm.StateID
	SetState(id librefsm.StateID) error
	SendSync(ev librefsm.Event) error
}

type StateListener func(from, to types.PodState)

type stateChange struct {
	from, to types.PodState
}

// StateStore holds the single authoritative pod state. Transitions are
// serialized by mu; listeners run on the Run goroutine, outside the lock.
// Changes not yet delivered coalesce into one from -> to pair.
type StateStore struct {
	mu        sync.Mutex
	machine   podMachine
	logger    *logger.Logger
	connected func() bool
	reserved  string

	listeners []StateListener
	pendingMu sync.Mutex
	pending   *stateChange
	wake      chan struct{}
}

// NewStateStore builds the pod FSM. connected backs the lock guard.
func NewStateStore(l *logger.Logger, connected func() bool) (*StateStore, error) {
	s := &StateStore{
		logger:    l,
		connected: connected,
		wake:      make(chan struct{}, 1),
	}

	machine, err := fsm.NewDefinition(s).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build pod state machine: %w", err)
	}
	// Never call back into the machine from here: the FSM holds its own lock.
	machine.OnStateChange(func(from, to librefsm.StateID) {
		s.logger.Debugf("FSM %s -> %s", from, to)
	})
	s.machine = machine
	return s, nil
}

// AddListener registers fn for every state change. Call before Run.
func (s *StateStore) AddListener(fn StateListener) {
	s.listeners = append(s.listeners, fn)
}

func (s *StateStore) Start(ctx context.Context) error {
	if err := s.machine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pod state machine: %w", err)
	}
	s.logger.Infof("librefsm state machine started in %s", s.Current())
	return nil
}

// Run delivers state changes to listeners until ctx is cancelled.
func (s *StateStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.pendingMu.Lock()
			c := s.pending
			s.pending = nil
			s.pendingMu.Unlock()
			if c == nil || c.from == c.to {
				continue
			}
			for _, fn := range s.listeners {
				fn(c.from, c.to)
			}
		}
	}
}

// Reserve claims the store for an operation that must talk to devices before
// it transitions out of from. Until release is called, other reservations
// fail with ErrBusy. Force and Brake are not blocked.
func (s *StateStore) Reserve(op string, from types.PodState) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reserved != "" {
		return nil, fmt.Errorf("%w: %s running, %s refused", ErrBusy, s.reserved, op)
	}
	if cur := s.Current(); cur != from {
		return nil, fmt.Errorf("%w: pod is %s, %s needs %s", ErrState, cur, op, from)
	}
	s.reserved = op

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.reserved = ""
			s.mu.Unlock()
		})
	}, nil
}

func (s *StateStore) Current() types.PodState {
	return fsm.ToPodState(s.machine.CurrentState())
}

// Lock moves Unlocked to Locked. The FSM guard refuses unless every device
// is connected.
func (s *StateStore) Lock() error {
	return s.transition(fsm.EvLock, types.StateUnlocked, types.StateLocked)
}

func (s *StateStore) Unlock() error {
	return s.transition(fsm.EvUnlock, types.StateLocked, types.StateUnlocked)
}

func (s *StateStore) Launch() error {
	return s.transition(fsm.EvLaunch, types.StateLocked, types.StateMoving)
}

func (s *StateStore) Brake() error {
	return s.transition(fsm.EvBrake, types.StateMoving, types.StateBraking)
}

// Force sets the state without consulting the transition table.
func (s *StateStore) Force(to types.PodState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.Current()
	if err := s.machine.SetState(fsm.FromPodState(to)); err != nil {
		return fmt.Errorf("failed to set pod state %s: %w", to, err)
	}
	if from != to {
		s.notify(from, to)
	}
	return nil
}

func (s *StateStore) transition(ev librefsm.EventID, from, to types.PodState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Current()
	if cur != from {
		return fmt.Errorf("%w: pod is %s, %s needs %s", ErrState, cur, ev, from)
	}
	if err := s.machine.SendSync(librefsm.Event{ID: ev}); err != nil {
		return fmt.Errorf("%w: %s refused: %v", ErrState, ev, err)
	}
	if got := s.Current(); got != to {
		return fmt.Errorf("%w: %s refused in %s", ErrState, ev, got)
	}
	s.notify(from, to)
	return nil
}

func (s *StateStore) notify(from, to types.PodState) {
	s.logger.Infof("State transition: %s -> %s", from, to)
	s.pendingMu.Lock()
	if s.pending == nil {
		s.pending = &stateChange{from: from, to: to}
	} else {
		s.pending.to = to
	}
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// === FSM actions ===

func (s *StateStore) EnterUnlocked(c *librefsm.Context) error {
	s.logger.Debugf("Entering Unlocked from %s", c.FromState)
	return nil
}

func (s *StateStore) EnterLocked(c *librefsm.Context) error {
	s.logger.Debugf("Entering Locked from %s", c.FromState)
	return nil
}

func (s *StateStore) EnterMoving(c *librefsm.Context) error {
	s.logger.Debugf("Entering Moving from %s", c.FromState)
	return nil
}

func (s *StateStore) EnterBraking(c *librefsm.Context) error {
	s.logger.Debugf("Entering Braking from %s", c.FromState)
	return nil
}

func (s *StateStore) AllDevicesConnected(c *librefsm.Context) bool {
	return s.connected == nil || s.connected()
}
