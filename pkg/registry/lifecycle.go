package registry

import (
	"errors"

	"aegis/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid device lifecycle transition")

type Event string

const (
	EventRegister   Event = "REGISTER"
	EventDeactivate Event = "DEACTIVATE"
)

// CanTransition encodes UNREGISTERED -> ACTIVE -> INACTIVE. Reactivation is an
// operator action outside this package.
func CanTransition(from, to models.DeviceStatus) bool {
	switch from {
	case models.DeviceUnregistered, "":
		return to == models.DeviceActive
	case models.DeviceActive:
		return to == models.DeviceInactive
	default:
		return false
	}
}

func Transition(from, to models.DeviceStatus) (models.DeviceStatus, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from models.DeviceStatus, event Event) (models.DeviceStatus, error) {
	switch event {
	case EventRegister:
		return Transition(from, models.DeviceActive)
	case EventDeactivate:
		return Transition(from, models.DeviceInactive)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status models.DeviceStatus) bool {
	return status == models.DeviceInactive
}
