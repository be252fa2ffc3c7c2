package fsm

import (
	"github.com/librescoot/librefsm"

	"pod-service/internal/types"
)

// Pod states
const (
	StateUnlocked librefsm.StateID = librefsm.StateID(types.StateUnlocked)
	StateLocked   librefsm.StateID = librefsm.StateID(types.StateLocked)
	StateMoving   librefsm.StateID = librefsm.StateID(types.StateMoving)
	StateBraking  librefsm.StateID = librefsm.StateID(types.StateBraking)
)

// Pod events
const (
	// Operator commands
	EvLock   librefsm.EventID = "lock"
	EvUnlock librefsm.EventID = "unlock"
	EvLaunch librefsm.EventID = "launch"
	EvBrake  librefsm.EventID = "brake"

	// Trip scheduler
	EvTripComplete librefsm.EventID = "trip-complete"
)

// ToPodState maps a machine state back onto the domain type.
func ToPodState(id librefsm.StateID) types.PodState {
	return types.PodState(id)
}

// FromPodState maps a domain state onto its machine state.
func FromPodState(s types.PodState) librefsm.StateID {
	return librefsm.StateID(s)
}
