package osd

import (
	"log/slog"

	"github.com/user/osd/internal/metrics"
)

// State is the lifecycle state of the node.
type State int32

const (
	StateInitializing State = iota
	StatePreboot
	StateBooting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePreboot:
		return "preboot"
	case StateBooting:
		return "booting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// State returns the current lifecycle state.
func (o *OSD) State() State { return State(o.state.Load()) }

func (o *OSD) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	metrics.State.Set(float64(s))
	if prev != s {
		slog.Info("osd state changed", "osd", o.whoami, "from", prev.String(), "to", s.String())
	}
}
