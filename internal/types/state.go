package types

// PodState is the safety state of the pod. It gates which operations may run:
// device edits only while Unlocked, launch only from Locked, brake only while
// Moving, unlock only from Locked.
type PodState string

const (
	StateUnlocked PodState = "Unlocked"
	StateLocked   PodState = "Locked"
	StateMoving   PodState = "Moving"
	StateBraking  PodState = "Braking"
)

// AllPodStates lists every state in cycle order.
var AllPodStates = []PodState{StateUnlocked, StateLocked, StateMoving, StateBraking}

func (s PodState) Valid() bool {
	switch s {
	case StateUnlocked, StateLocked, StateMoving, StateBraking:
		return true
	}
	return false
}
