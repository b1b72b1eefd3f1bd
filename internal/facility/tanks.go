// Package facility implements the supervisor's plant model: per-unit
// control state, the facility-wide automatic control state machine, the
// auto-SCRAM safety supervisor, the tank topology solver, and the alarm
// annunciators feeding the tone mixer.
package facility

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Tank Topology Solver
// -------------------------------------------------------------------------

// Tank definition values for each unit slot.
const (
	// TankNone marks a unit with no dynamic tank connection.
	TankNone = 0

	// TankUnit marks a unit-local dynamic tank.
	TankUnit = 1

	// TankFacility marks a connection into a shared facility tank.
	TankFacility = 2
)

// tankSlots is the number of unit slots a tank layout covers.
const tankSlots = 4

// tankModeGroups lists, per facility tank mode 1..7, the windows of unit
// slots (1-based, inclusive) that share one facility tank:
//
//	1: A A A A    2: A A A B    3: A A B B    4: A B B B
//	5: A A B C    6: A B B C    7: A B C C
var tankModeGroups = [8][][2]int{
	nil, // mode 0: defs copied unchanged
	{{1, 4}},
	{{1, 3}, {4, 4}},
	{{1, 2}, {3, 4}},
	{{1, 1}, {2, 4}},
	{{1, 2}, {3, 3}, {4, 4}},
	{{1, 1}, {2, 3}, {4, 4}},
	{{1, 1}, {2, 2}, {3, 4}},
}

// Solver errors.
var (
	// ErrTankModeRange indicates a mode outside [0, 7].
	ErrTankModeRange = errors.New("tank mode out of range")

	// ErrTankDefsLen indicates defs does not cover all unit slots.
	ErrTankDefsLen = errors.New("tank defs must cover 4 unit slots")
)

// SolveTankList decodes the facility tank layout. Given per-slot tank
// definitions and a topology mode, it returns the slots where a tank
// object is physically present: within each mode window, only the first
// slot defining a facility tank keeps its 2; later facility connections
// in the window feed that same tank and become 0. Unit-local tanks (1)
// pass through untouched, as does everything in mode 0.
func SolveTankList(mode int, defs []int) ([]int, error) {
	if mode < 0 || mode >= len(tankModeGroups) {
		return nil, fmt.Errorf("mode %d: %w", mode, ErrTankModeRange)
	}
	if len(defs) != tankSlots {
		return nil, fmt.Errorf("%d defs: %w", len(defs), ErrTankDefsLen)
	}

	list := make([]int, tankSlots)
	copy(list, defs)
	if mode == 0 {
		return list, nil
	}

	for _, win := range tankModeGroups[mode] {
		seen := false
		for slot := win[0]; slot <= win[1]; slot++ {
			if list[slot-1] != TankFacility {
				continue
			}
			if seen {
				list[slot-1] = TankNone
			}
			seen = true
		}
	}

	return list, nil
}
