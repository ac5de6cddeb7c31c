package scheduler

import (
	"context"
	"fmt"

	"github.com/pddg/liveupdate/internal/config"
)

// DeviceState is what the host reports about its resources when a check is due.
type DeviceState struct {
	Unmetered bool
	// BatteryLevel is a percentage, or -1 when the device has no battery.
	BatteryLevel int
	Charging     bool
}

// Conditions reports the device state. It is asked once per scheduled check.
type Conditions interface {
	DeviceState(ctx context.Context) (DeviceState, error)
}

// ConditionsFunc adapts a function to Conditions.
type ConditionsFunc func(ctx context.Context) (DeviceState, error)

func (f ConditionsFunc) DeviceState(ctx context.Context) (DeviceState, error) {
	return f(ctx)
}

// Unconstrained describes a machine on mains power and an unmetered network.
var Unconstrained = ConditionsFunc(func(context.Context) (DeviceState, error) {
	return DeviceState{Unmetered: true, BatteryLevel: -1, Charging: true}, nil
})

// unmet returns why state does not satisfy the constraints of bg, or "".
func unmet(bg config.BackgroundConfig, state DeviceState) string {
	if bg.RequireUnmeteredNetwork && !state.Unmetered {
		return "network is metered"
	}
	if bg.RequireCharging && !state.Charging {
		return "device is not charging"
	}
	if bg.MinBatteryLevel > 0 && state.BatteryLevel >= 0 && state.BatteryLevel < bg.MinBatteryLevel {
		return fmt.Sprintf("battery level %d%% is below %d%%", state.BatteryLevel, bg.MinBatteryLevel)
	}
	return ""
}
