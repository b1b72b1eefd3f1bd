package facility

import "fmt"

// This file implements the auto-SCRAM safety supervisor: a prioritized
// condition scan that forces the facility out of automatic control and
// broadcasts a one-shot scram to every PLC.

// -------------------------------------------------------------------------
// Reasons
// -------------------------------------------------------------------------

// ScramReason identifies why an automatic SCRAM was commanded.
type ScramReason uint8

const (
	// ScramNone: no safety condition present.
	ScramNone ScramReason = iota

	// ScramMatrixDC: the induction matrix disconnected while automatic
	// control was active.
	ScramMatrixDC

	// ScramMatrixFill: matrix charge reached the fill threshold.
	ScramMatrixFill

	// ScramCritAlarm: a critical alarm is active on any unit.
	ScramCritAlarm

	// ScramRadiation: an environment detector reads above threshold.
	ScramRadiation

	// ScramGenFault: GEN_RATE control cannot achieve any generation.
	ScramGenFault
)

// String returns the human-readable name for the reason.
func (r ScramReason) String() string {
	switch r {
	case ScramNone:
		return "None"
	case ScramMatrixDC:
		return "MATRIX_DC"
	case ScramMatrixFill:
		return "MATRIX_FILL"
	case ScramCritAlarm:
		return "CRIT_ALARM"
	case ScramRadiation:
		return "RADIATION"
	case ScramGenFault:
		return "GEN_FAULT"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

// -------------------------------------------------------------------------
// Thresholds
// -------------------------------------------------------------------------

const (
	// matrixFillTrip is the charge fraction that trips MATRIX_FILL.
	matrixFillTrip = 0.99

	// radiationTrip is the environment dose rate (mSv/h) that trips
	// RADIATION.
	radiationTrip = 0.01
)

// -------------------------------------------------------------------------
// Safety Supervisor
// -------------------------------------------------------------------------

// SafetyInputs is the snapshot the supervisor evaluates each tick.
type SafetyInputs struct {
	// AutoActive is true when a non-INACTIVE process mode is running.
	AutoActive bool

	// MatrixLinked is true while the induction matrix RTU entry is OK.
	MatrixLinked bool

	// ChargeFraction is the matrix fill fraction (0..1).
	ChargeFraction float64

	// AnyCritAlarm is true when any unit latches a critical alarm.
	AnyCritAlarm bool

	// MaxRadiation is the highest environment detector reading (mSv/h).
	MaxRadiation float64

	// GenFault is true when GEN_RATE control saturated with no
	// achievable generation.
	GenFault bool
}

// SafetySupervisor latches the first matching SCRAM condition and issues
// at most one scram broadcast per trip. Not safe for concurrent use; the
// facility update task owns it.
type SafetySupervisor struct {
	tripped   ScramReason
	broadcast bool
}

// Evaluate scans the conditions in priority order (first match wins) and
// returns the latched reason. Once tripped, the latch holds until Clear.
func (s *SafetySupervisor) Evaluate(in SafetyInputs) ScramReason {
	if s.tripped != ScramNone {
		return s.tripped
	}

	switch {
	case in.AutoActive && !in.MatrixLinked:
		s.trip(ScramMatrixDC)
	case in.ChargeFraction >= matrixFillTrip:
		s.trip(ScramMatrixFill)
	case in.AnyCritAlarm:
		s.trip(ScramCritAlarm)
	case in.MaxRadiation >= radiationTrip:
		s.trip(ScramRadiation)
	case in.GenFault:
		s.trip(ScramGenFault)
	}

	return s.tripped
}

// trip latches a reason and arms the one-shot broadcast.
func (s *SafetySupervisor) trip(r ScramReason) {
	s.tripped = r
	s.broadcast = true
}

// TakeBroadcast consumes the pending scram broadcast. It returns true at
// most once per trip so repeated evaluation with unchanged inputs never
// issues a second scram_all.
func (s *SafetySupervisor) TakeBroadcast() bool {
	if !s.broadcast {
		return false
	}
	s.broadcast = false
	return true
}

// Tripped returns the latched reason, ScramNone when clear.
func (s *SafetySupervisor) Tripped() ScramReason { return s.tripped }

// Clear releases the latch after operator acknowledgement.
func (s *SafetySupervisor) Clear() {
	s.tripped = ScramNone
	s.broadcast = false
}
