package types

import "fmt"

const (
	MaxDistance = 250.0
	MaxSpeed    = 111.0
)

// LaunchParams is the operator-set trip. Both fields are optional; a nil
// field means "use the configured default" when the trip is scheduled.
type LaunchParams struct {
	Distance *float64 `json:"distance,omitempty"`
	MaxSpeed *float64 `json:"max_speed,omitempty"`
}

// Copy returns a deep copy so a running trip never observes later edits.
func (p LaunchParams) Copy() LaunchParams {
	var out LaunchParams
	if p.Distance != nil {
		d := *p.Distance
		out.Distance = &d
	}
	if p.MaxSpeed != nil {
		s := *p.MaxSpeed
		out.MaxSpeed = &s
	}
	return out
}

func (p LaunchParams) String() string {
	return fmt.Sprintf("distance=%s max_speed=%s", optFloat(p.Distance), optFloat(p.MaxSpeed))
}

func optFloat(v *float64) string {
	if v == nil {
		return "unset"
	}
	return fmt.Sprintf("%g", *v)
}
