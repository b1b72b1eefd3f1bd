package facility

import (
	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// Unit — one reactor and its cooling train
// -------------------------------------------------------------------------

// Alarm evaluation thresholds. Temperatures in kelvin, fills as fractions.
const (
	damageCritical = 100.0
	damageHigh     = 30.0
	tempOver       = 1200.0
	tempHigh       = 1150.0
	wasteHighFill  = 0.85
	wasteLeakFill  = 0.99
)

// WasteMode selects how a unit's waste output is routed.
type WasteMode uint8

const (
	// WasteAuto lets the facility route waste by demand.
	WasteAuto WasteMode = iota

	// WastePlutonium forces plutonium production.
	WastePlutonium

	// WastePolonium forces polonium production.
	WastePolonium

	// WasteAntimatter forces the SPS chain.
	WasteAntimatter
)

// Unit models one reactor unit: its configured cooling train, live link
// state, telemetry, control setpoints, and annunciator. All mutation
// happens on the facility update task.
type Unit struct {
	// ID is the 1-based reactor unit number.
	ID int

	// Boilers and Turbines are the configured device counts.
	Boilers  int
	Turbines int

	// Group is the auto-control priority group (0 = independent).
	Group int

	// BurnLimit is the per-unit burn ceiling in mB/t. Persistent
	// configuration, applied regardless of process mode.
	BurnLimit float64

	// RequestedBurn is the operator's manual burn request in mB/t.
	RequestedBurn float64

	// AutoWaste enables facility waste routing for this unit.
	AutoWaste bool

	// Waste is the unit's waste routing mode.
	Waste WasteMode

	// Annunciator is the unit's latched alarm bank.
	Annunciator Annunciator

	// Status is the most recent full reactor telemetry.
	Status protocol.ReactorStatus

	// TelemetryValid turns true once the PLC has reported status;
	// structure-loss alarms stay quiet until then.
	TelemetryValid bool

	// RPS mirrors the PLC's protection system state.
	RPS protocol.RPSStatus

	plcLinked      bool
	linkedBoilers  int
	linkedTurbines int
	deviceFault    bool
	turbineTrip    bool

	commandedBurn float64
}

// NewUnit creates a unit with its configured cooling train.
func NewUnit(id, boilers, turbines int) *Unit {
	return &Unit{ID: id, Boilers: boilers, Turbines: turbines}
}

// SetPLCLinked records the PLC session link state. Dropping the link
// collapses readiness immediately.
func (u *Unit) SetPLCLinked(linked bool) {
	u.plcLinked = linked
	if !linked {
		u.commandedBurn = 0
		u.TelemetryValid = false
	}
}

// PLCLinked reports whether the unit's PLC session is linked.
func (u *Unit) PLCLinked() bool { return u.plcLinked }

// SetDeviceLinks records the RTU-side cooling train state: how many
// boiler and turbine valve banks are linked and whether any is faulted.
func (u *Unit) SetDeviceLinks(boilers, turbines int, fault bool) {
	u.linkedBoilers = boilers
	u.linkedTurbines = turbines
	u.deviceFault = fault
}

// SetTurbineTrip records a turbine overspeed/trip condition from the RTU.
func (u *Unit) SetTurbineTrip(tripped bool) { u.turbineTrip = tripped }

// Ready reports whether the unit can participate in automatic control:
// PLC linked, every configured boiler and turbine linked, none faulted.
func (u *Unit) Ready() bool {
	return u.plcLinked &&
		u.linkedBoilers >= u.Boilers &&
		u.linkedTurbines >= u.Turbines &&
		!u.deviceFault
}

// CommandedBurn returns the burn rate automatic control assigned, mB/t.
func (u *Unit) CommandedBurn() float64 { return u.commandedBurn }

// setCommandedBurn assigns the auto burn command, clamped to the limit.
func (u *Unit) setCommandedBurn(v float64) {
	if v < 0 {
		v = 0
	}
	if u.BurnLimit > 0 && v > u.BurnLimit {
		v = u.BurnLimit
	}
	u.commandedBurn = v
}

// residualCapacity is the headroom left under the unit's burn limit.
func (u *Unit) residualCapacity() float64 {
	r := u.BurnLimit - u.commandedBurn
	if r < 0 {
		return 0
	}
	return r
}

// EvaluateAlarms advances the annunciator from current telemetry.
// The containment breach channel asserts only while the reactor is
// formed; a vanished multiblock asserts ReactorLost instead.
func (u *Unit) EvaluateAlarms(maxRadiation float64) {
	s := &u.Status

	reactorLost := u.plcLinked && u.TelemetryValid && !s.Formed
	u.Annunciator.Update(AlarmReactorLost, reactorLost)
	u.Annunciator.Update(AlarmContainmentBreach, s.Formed && s.Damage >= damageCritical)
	u.Annunciator.Update(AlarmContainmentRadiation, maxRadiation >= radiationTrip)
	u.Annunciator.Update(AlarmCriticalDamage, s.Damage >= damageCritical)
	u.Annunciator.Update(AlarmReactorDamage, s.Damage >= damageHigh && s.Damage < damageCritical)
	u.Annunciator.Update(AlarmReactorOverTemp, s.Temperature >= tempOver)
	u.Annunciator.Update(AlarmReactorHighTemp, s.Temperature >= tempHigh && s.Temperature < tempOver)
	u.Annunciator.Update(AlarmReactorWasteLeak, s.Waste >= wasteLeakFill)
	u.Annunciator.Update(AlarmReactorHighWaste, s.Waste >= wasteHighFill && s.Waste < wasteLeakFill)
	u.Annunciator.Update(AlarmRPSTransient, u.RPS.Tripped)
	u.Annunciator.Update(AlarmRCSTransient, u.deviceFault)
	u.Annunciator.Update(AlarmTurbineTrip, u.turbineTrip)
}

// StatusFrame builds the coordinator-facing unit status frame.
func (u *Unit) StatusFrame() protocol.UnitStatus {
	return protocol.UnitStatus{
		Unit:          uint8(u.ID),
		PLCLinked:     u.plcLinked,
		Ready:         u.Ready(),
		Group:         uint8(u.Group),
		AutoWaste:     u.AutoWaste,
		BurnRate:      u.Status.ActualBurnRate,
		BurnLimit:     u.BurnLimit,
		Temperature:   u.Status.Temperature,
		Damage:        u.Status.Damage,
		AlarmsTripped: u.Annunciator.TrippedMask(),
		AlarmsAcked:   u.Annunciator.AckedMask(),
	}
}
