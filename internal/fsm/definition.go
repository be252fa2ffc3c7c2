package fsm

import "github.com/librescoot/librefsm"

// NewDefinition creates the pod FSM definition.
//
//	Unlocked --lock--> Locked --launch--> Moving --brake--> Braking
//	   ^                 |  ^                                  |
//	   +----unlock-------+  +-----------trip-complete----------+
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateUnlocked,
			librefsm.WithOnEnter(actions.EnterUnlocked),
		).
		State(StateLocked,
			librefsm.WithOnEnter(actions.EnterLocked),
		).
		State(StateMoving,
			librefsm.WithOnEnter(actions.EnterMoving),
		).
		State(StateBraking,
			librefsm.WithOnEnter(actions.EnterBraking),
		).
		Transition(StateUnlocked, EvLock, StateLocked,
			librefsm.WithGuard(actions.AllDevicesConnected),
		).
		Transition(StateLocked, EvUnlock, StateUnlocked).
		Transition(StateLocked, EvLaunch, StateMoving).
		Transition(StateMoving, EvBrake, StateBraking).
		Transition(StateBraking, EvTripComplete, StateLocked).
		Initial(StateUnlocked)
}
