package core

// Role is the part the peripheral plays on the bus.
type Role uint8

const (
	RoleNone       Role = iota // Disabled, all lines inputs
	RoleController             // Drives clock and select
	RolePeripheral             // Clocked by a remote controller
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RolePeripheral:
		return "peripheral"
	default:
		return "none"
	}
}

// roleTransitions[from][to] reports whether moving between roles must pass
// through idle first, releasing the lines the old role configured.
var roleTransitions = [3][3]bool{
	RoleNone: {
		RoleNone:       false,
		RoleController: false,
		RolePeripheral: false,
	},
	RoleController: {
		RoleNone:       true,
		RoleController: false,
		RolePeripheral: true,
	},
	RolePeripheral: {
		RoleNone:       true,
		RoleController: true,
		RolePeripheral: false,
	},
}

// throughIdle reports whether the transition from -> to needs a reset.
func throughIdle(from, to Role) bool {
	if from > RolePeripheral || to > RolePeripheral {
		return true
	}
	return roleTransitions[from][to]
}
