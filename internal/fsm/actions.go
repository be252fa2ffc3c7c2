package fsm

import "github.com/librescoot/librefsm"

// Actions defines the callbacks the pod state machine needs.
// core.StateStore implements this interface.
type Actions interface {
	EnterUnlocked(c *librefsm.Context) error
	EnterLocked(c *librefsm.Context) error
	EnterMoving(c *librefsm.Context) error
	EnterBraking(c *librefsm.Context) error

	// Lock is refused unless every configured device holds a connection.
	AllDevicesConnected(c *librefsm.Context) bool
}
