package facility

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dantte-lp/goscada/internal/config"
	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// Process Modes
// -------------------------------------------------------------------------

// ProcessMode is the facility automatic control mode.
type ProcessMode uint8

const (
	// ModeInactive: no automatic control; setpoints and groups mutable.
	ModeInactive ProcessMode = iota

	// ModeMonitored: telemetry and alarm evaluation only, no burn commands.
	ModeMonitored

	// ModeBurnRate: a fixed total burn target split across units.
	ModeBurnRate

	// ModeCharge: closed-loop control of induction matrix charge.
	ModeCharge

	// ModeGenRate: closed-loop control of net generation rate.
	ModeGenRate

	// ModeGenRateFaultIdle: GEN_RATE halted by a generation fault, idling
	// until the operator intervenes.
	ModeGenRateFaultIdle
)

// String returns the human-readable name for the process mode.
func (m ProcessMode) String() string {
	switch m {
	case ModeInactive:
		return "INACTIVE"
	case ModeMonitored:
		return "MONITORED"
	case ModeBurnRate:
		return "BURN_RATE"
	case ModeCharge:
		return "CHARGE"
	case ModeGenRate:
		return "GEN_RATE"
	case ModeGenRateFaultIdle:
		return "GEN_RATE_FAULT_IDLE"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(m))
	}
}

// statusMsg maps the mode to its status line message.
func (m ProcessMode) statusMsg() MsgID {
	switch m {
	case ModeMonitored:
		return MsgAutoMonitored
	case ModeBurnRate:
		return MsgAutoBurnRate
	case ModeCharge:
		return MsgAutoCharge
	case ModeGenRate:
		return MsgAutoGenRate
	case ModeGenRateFaultIdle:
		return MsgAutoGenFaultIdle
	default:
		return MsgAutoInactive
	}
}

// -------------------------------------------------------------------------
// Control Tuning
// -------------------------------------------------------------------------

const (
	// TickHz is the facility update rate.
	TickHz = 2

	// TickSeconds is the control loop step, seconds.
	TickSeconds = 1.0 / TickHz

	// genAvgWindow is the generation moving-average window in samples
	// (60 seconds at the tick rate).
	genAvgWindow = 60 * TickHz

	// rampTolerance ends the initial ramp once commanded and measured
	// total burn agree within this fraction.
	rampTolerance = 0.05

	// genFaultTicks is how many consecutive saturated ticks GEN_RATE
	// tolerates before declaring a generation fault.
	genFaultTicks = 10

	// minSetpoint is the smallest accepted burn target or unit limit.
	minSetpoint = 0.1

	// maxGroups is the number of ranked priority groups.
	maxGroups = 4
)

// chargePI is the CHARGE loop tuning. Measurement is the matrix fill
// fraction; output is total burn in mB/t.
var chargePI = PIConfig{
	Kp:       250.0,
	Ki:       2.5,
	RampKi:   0.5,
	AccumMin: -10.0,
	AccumMax: 10.0,
}

// genPI is the GEN_RATE loop tuning. Measurement is the 60 s moving
// average of net generation in FE/t; output is total burn in mB/t.
var genPI = PIConfig{
	Kp:       0.01,
	Ki:       0.001,
	RampKi:   0.0002,
	AccumMin: -200000.0,
	AccumMax: 200000.0,
}

// -------------------------------------------------------------------------
// Operator Command Surface
// -------------------------------------------------------------------------

// AutoStartConfig carries an auto_start request from the coordinator.
type AutoStartConfig struct {
	Mode         ProcessMode
	BurnTarget   float64
	ChargeTarget float64
	GenTarget    float64
	Limits       []float64
}

// Command validation errors.
var (
	// ErrBadMode indicates an auto_start mode outside MONITORED..GEN_RATE.
	ErrBadMode = errors.New("process mode not startable")

	// ErrBadSetpoint indicates a negative or below-minimum setpoint.
	ErrBadSetpoint = errors.New("setpoint below minimum")

	// ErrBadLimits indicates a limits list not matching the unit count or
	// carrying a below-minimum entry.
	ErrBadLimits = errors.New("unit burn limits invalid")

	// ErrModeLocked indicates a mutation gated to INACTIVE mode.
	ErrModeLocked = errors.New("not permitted while auto control is active")

	// ErrBadUnit indicates a unit id outside [1, UnitCount].
	ErrBadUnit = errors.New("unit id out of range")

	// ErrBadGroup indicates a priority group outside [0, 4].
	ErrBadGroup = errors.New("priority group out of range")
)

// -------------------------------------------------------------------------
// Metrics Reporter
// -------------------------------------------------------------------------

// Reporter receives facility metric events. A nil-safe no-op implementation
// is used when metrics are not wired.
type Reporter interface {
	IncScramTrips(reason string)
	SetProcessMode(mode int)
}

// noopReporter ignores every event.
type noopReporter struct{}

func (noopReporter) IncScramTrips(string) {}
func (noopReporter) SetProcessMode(int)   {}

// -------------------------------------------------------------------------
// Facility
// -------------------------------------------------------------------------

// Facility is the supervisor's single source of truth for plant state.
// All mutation happens on the facility update task; read-only consumers
// receive frame snapshots built during Tick.
type Facility struct {
	logger  *slog.Logger
	metrics Reporter

	units []*Unit

	mode    ProcessMode
	modeSet ProcessMode

	burnTarget     float64
	chargeSetpoint float64
	genSetpoint    float64

	chargeCtl *PIController
	genCtl    *PIController

	initialRamp    bool
	saturatedTicks int

	safety SafetySupervisor
	tones  ToneMixer

	// alarmTests drives the coordinator's alarm test channels.
	alarmTests [12]bool

	statusLines [2]string

	wasteMode   WasteMode
	puFallback  bool
	spsLowPower bool

	// Induction matrix telemetry, fed by the RTU projection.
	matrixLinked bool
	charge       float64
	avgCharge    *MovingAverage
	avgInflow    *MovingAverage
	avgOutflow   *MovingAverage
	avgNet       *MovingAverage

	maxRadiation float64
	spsLinked    bool

	tankMode int
	tankDefs []int
	tankList []int
}

// New builds the facility model from validated configuration. The tank
// topology is solved once here; an unsolvable layout is a config defect.
func New(fc *config.Facility, logger *slog.Logger, metrics Reporter) (*Facility, error) {
	tankList, err := SolveTankList(fc.TankMode, fc.TankDefs)
	if err != nil {
		return nil, fmt.Errorf("solve facility tanks: %w", err)
	}
	if len(fc.Cooling) < fc.UnitCount {
		return nil, fmt.Errorf("%d cooling entries for %d units: %w",
			len(fc.Cooling), fc.UnitCount, config.ErrCoolingLen)
	}

	if metrics == nil {
		metrics = noopReporter{}
	}

	f := &Facility{
		logger:     logger.With(slog.String("component", "facility")),
		metrics:    metrics,
		mode:       ModeInactive,
		modeSet:    ModeInactive,
		chargeCtl:  NewPI(chargePI),
		genCtl:     NewPI(genPI),
		avgCharge:  NewMovingAverage(genAvgWindow),
		avgInflow:  NewMovingAverage(genAvgWindow),
		avgOutflow: NewMovingAverage(genAvgWindow),
		avgNet:     NewMovingAverage(genAvgWindow),
		tankMode:   fc.TankMode,
		tankDefs:   append([]int(nil), fc.TankDefs...),
		tankList:   tankList,
	}

	for i := 0; i < fc.UnitCount; i++ {
		cc := fc.Cooling[i]
		f.units = append(f.units, NewUnit(i+1, cc.BoilerCount, cc.TurbineCount))
	}

	f.statusLines[0] = statusText(MsgAutoInactive)
	return f, nil
}

// UnitCount returns the number of reactor units.
func (f *Facility) UnitCount() int { return len(f.units) }

// Unit returns the 1-based unit, or nil when out of range.
func (f *Facility) Unit(id int) *Unit {
	if id < 1 || id > len(f.units) {
		return nil
	}
	return f.units[id-1]
}

// Units returns the unit list in id order.
func (f *Facility) Units() []*Unit { return f.units }

// Mode returns the current process mode.
func (f *Facility) Mode() ProcessMode { return f.mode }

// TankList returns the solved facility tank layout.
func (f *Facility) TankList() []int { return append([]int(nil), f.tankList...) }

// UnitsReady reports whether every unit is ready for automatic control.
func (f *Facility) UnitsReady() bool {
	for _, u := range f.units {
		if !u.Ready() {
			return false
		}
	}
	return len(f.units) > 0
}

// -------------------------------------------------------------------------
// Operator Commands
// -------------------------------------------------------------------------

// AutoStart validates and arms automatic control. Limits are persistent
// configuration and are applied even when the mode does not advance.
// The mode advances out of INACTIVE only when every unit is ready and the
// selected mode's setpoint is positive.
func (f *Facility) AutoStart(cfg AutoStartConfig) error {
	if cfg.Mode <= ModeInactive || cfg.Mode > ModeGenRate {
		return fmt.Errorf("mode %s: %w", cfg.Mode, ErrBadMode)
	}
	if cfg.BurnTarget < 0 || cfg.ChargeTarget < 0 || cfg.GenTarget < 0 {
		return fmt.Errorf("negative setpoint: %w", ErrBadSetpoint)
	}
	if cfg.Mode == ModeBurnRate && cfg.BurnTarget < minSetpoint {
		return fmt.Errorf("burn target %.3f: %w", cfg.BurnTarget, ErrBadSetpoint)
	}
	if len(cfg.Limits) != len(f.units) {
		return fmt.Errorf("%d limits for %d units: %w", len(cfg.Limits), len(f.units), ErrBadLimits)
	}
	for i, lim := range cfg.Limits {
		if lim < minSetpoint {
			return fmt.Errorf("limit[%d] = %.3f: %w", i, lim, ErrBadLimits)
		}
	}

	// Limits apply unconditionally.
	for i, u := range f.units {
		u.BurnLimit = cfg.Limits[i]
	}

	f.modeSet = cfg.Mode
	f.burnTarget = cfg.BurnTarget
	f.chargeSetpoint = cfg.ChargeTarget
	f.genSetpoint = cfg.GenTarget

	if f.mode != ModeInactive {
		return nil
	}

	if !f.UnitsReady() {
		f.statusLines[1] = statusText(MsgUnitsNotReady)
		return nil
	}
	if !f.setpointPositive(cfg.Mode) {
		return nil
	}

	f.enterMode(cfg.Mode)
	return nil
}

// setpointPositive checks the selected mode's governing setpoint.
func (f *Facility) setpointPositive(m ProcessMode) bool {
	switch m {
	case ModeBurnRate:
		return f.burnTarget > 0
	case ModeCharge:
		return f.chargeSetpoint > 0
	case ModeGenRate:
		return f.genSetpoint > 0
	case ModeMonitored:
		return true
	default:
		return false
	}
}

// enterMode activates a process mode and arms the initial ramp.
func (f *Facility) enterMode(m ProcessMode) {
	f.mode = m
	f.initialRamp = true
	f.saturatedTicks = 0
	f.chargeCtl.Reset()
	f.genCtl.Reset()
	f.statusLines[0] = statusText(m.statusMsg())
	f.statusLines[1] = ""
	f.metrics.SetProcessMode(int(m))
	f.logger.Info("auto control started", slog.String("mode", m.String()))
}

// AutoStop disarms automatic control and zeroes burn commands.
func (f *Facility) AutoStop() {
	f.mode = ModeInactive
	f.modeSet = ModeInactive
	for _, u := range f.units {
		u.setCommandedBurn(0)
	}
	f.statusLines[0] = statusText(MsgAutoInactive)
	f.statusLines[1] = ""
	f.metrics.SetProcessMode(int(ModeInactive))
	f.logger.Info("auto control stopped")
}

// Ack acknowledges every unit annunciator and releases a latched
// auto-SCRAM. A GEN_RATE fault idle drops back to INACTIVE here, so the
// acknowledge-then-auto_start sequence re-arms control after any trip.
func (f *Facility) Ack() {
	for _, u := range f.units {
		u.Annunciator.Ack()
	}
	if f.safety.Tripped() != ScramNone {
		f.safety.Clear()
		f.statusLines[1] = ""
	}
	if f.mode == ModeGenRateFaultIdle {
		f.mode = ModeInactive
		f.modeSet = ModeInactive
		f.statusLines[0] = statusText(MsgAutoInactive)
		f.metrics.SetProcessMode(int(ModeInactive))
	}
}

// SetGroup assigns a unit to a priority group. Gated to INACTIVE mode.
func (f *Facility) SetGroup(unit, group int) error {
	if f.mode != ModeInactive {
		return ErrModeLocked
	}
	u := f.Unit(unit)
	if u == nil {
		return fmt.Errorf("unit %d: %w", unit, ErrBadUnit)
	}
	if group < 0 || group > maxGroups {
		return fmt.Errorf("group %d: %w", group, ErrBadGroup)
	}
	u.Group = group
	return nil
}

// SetWasteMode selects the facility waste routing mode.
func (f *Facility) SetWasteMode(m WasteMode) { f.wasteMode = m }

// SetPuFallback toggles plutonium fallback when the SPS is unavailable.
func (f *Facility) SetPuFallback(v bool) { f.puFallback = v }

// SetSpsLowPower toggles SPS low-power operation.
func (f *Facility) SetSpsLowPower(v bool) { f.spsLowPower = v }

// SetToneTest enters or leaves tone test mode.
func (f *Facility) SetToneTest(mask uint8) { f.tones.SetTest(mask) }

// SetAlarmTest drives one alarm test channel.
func (f *Facility) SetAlarmTest(index int, active bool) {
	if index >= 0 && index < len(f.alarmTests) {
		f.alarmTests[index] = active
	}
}

// -------------------------------------------------------------------------
// Telemetry Inputs
// -------------------------------------------------------------------------

// SetMatrixState feeds induction matrix telemetry: link state, fill
// fraction, and last-tick input/output rates in FE/t.
func (f *Facility) SetMatrixState(linked bool, chargeFraction, input, output float64) {
	f.matrixLinked = linked
	f.charge = chargeFraction
	f.avgCharge.Push(chargeFraction)
	f.avgInflow.Push(input)
	f.avgOutflow.Push(output)
	f.avgNet.Push(input - output)
}

// SetSPSLinked feeds the SPS projection's link state.
func (f *Facility) SetSPSLinked(linked bool) { f.spsLinked = linked }

// SetMaxRadiation feeds the highest environment detector reading, mSv/h.
func (f *Facility) SetMaxRadiation(v float64) { f.maxRadiation = v }

// -------------------------------------------------------------------------
// Tick — serialized facility update
// -------------------------------------------------------------------------

// Tick advances alarms, safety, and automatic control by one step. The
// caller serializes Tick with every other facility mutation.
func (f *Facility) Tick() {
	annunciators := make([]*Annunciator, 0, len(f.units))
	for _, u := range f.units {
		u.EvaluateAlarms(f.maxRadiation)
		annunciators = append(annunciators, &u.Annunciator)
	}
	f.tones.Mix(annunciators)
	for i, on := range f.alarmTests {
		if on {
			f.tones.Force(Alarm(i).ToneSlot())
		}
	}

	f.evaluateSafety()

	switch f.mode {
	case ModeInactive, ModeMonitored, ModeGenRateFaultIdle:
		// No burn commands.
	case ModeBurnRate:
		f.distributeBurn(f.burnTarget)
	case ModeCharge:
		f.chargeCtl.SetOutputRange(0, f.readyCapacity())
		cmd := f.chargeCtl.Step(f.chargeSetpoint, f.charge, TickSeconds, f.initialRamp)
		f.distributeBurn(cmd)
	case ModeGenRate:
		f.genCtl.SetOutputRange(0, f.readyCapacity())
		cmd := f.genCtl.Step(f.genSetpoint, f.avgNet.Mean(), TickSeconds, f.initialRamp)
		f.distributeBurn(cmd)
		f.trackGenSaturation()
	}

	f.updateRamp()
}

// evaluateSafety runs the auto-SCRAM scan and applies a trip.
func (f *Facility) evaluateSafety() {
	in := SafetyInputs{
		AutoActive:     f.mode != ModeInactive,
		MatrixLinked:   f.matrixLinked,
		ChargeFraction: f.charge,
		AnyCritAlarm:   f.anyCritAlarm(),
		MaxRadiation:   f.maxRadiation,
		GenFault:       f.genFaultCondition(),
	}

	before := f.safety.Tripped()
	reason := f.safety.Evaluate(in)
	if reason == ScramNone || reason == before {
		return
	}

	// Fresh trip: force INACTIVE and surface the reason. A generation
	// fault parks in GEN_RATE_FAULT_IDLE instead so the front panel can
	// distinguish it; Ack treats that mode as INACTIVE for re-arming.
	f.mode = ModeInactive
	f.modeSet = ModeInactive
	if reason == ScramGenFault {
		f.mode = ModeGenRateFaultIdle
	}
	for _, u := range f.units {
		u.setCommandedBurn(0)
	}
	f.statusLines[0] = statusText(MsgAwaitingAck)
	f.statusLines[1] = statusText(scramStatusMsg(reason))
	f.metrics.IncScramTrips(reason.String())
	f.metrics.SetProcessMode(int(f.mode))
	f.logger.Warn("auto scram tripped", slog.String("reason", reason.String()))
}

// anyCritAlarm reports a critical alarm on any unit.
func (f *Facility) anyCritAlarm() bool {
	for _, u := range f.units {
		if u.Annunciator.AnyCritical() {
			return true
		}
	}
	return false
}

// genFaultCondition detects GEN_RATE saturation with no achievable
// generation: the loop pinned at its bound for genFaultTicks while the
// measured average stays at zero, or no unit left to command.
func (f *Facility) genFaultCondition() bool {
	if f.mode != ModeGenRate {
		return false
	}
	if f.saturatedTicks < genFaultTicks {
		return false
	}
	return f.avgNet.Mean() <= 0 || !f.anyUnitReady()
}

// readyCapacity sums the burn limits of units able to take commands.
func (f *Facility) readyCapacity() float64 {
	var total float64
	for _, u := range f.units {
		if u.Ready() {
			total += u.BurnLimit
		}
	}
	return total
}

// anyUnitReady reports whether at least one unit can take burn commands.
func (f *Facility) anyUnitReady() bool {
	for _, u := range f.units {
		if u.Ready() {
			return true
		}
	}
	return false
}

// trackGenSaturation counts consecutive saturated control steps.
func (f *Facility) trackGenSaturation() {
	if f.genCtl.Saturated() {
		f.saturatedTicks++
	} else {
		f.saturatedTicks = 0
	}
}

// updateRamp clears the initial ramp once commanded and measured totals
// converge within tolerance.
func (f *Facility) updateRamp() {
	if !f.initialRamp {
		return
	}
	var cmd, meas float64
	for _, u := range f.units {
		cmd += u.commandedBurn
		meas += u.Status.ActualBurnRate
	}
	if cmd <= 0 {
		return
	}
	delta := cmd - meas
	if delta < 0 {
		delta = -delta
	}
	if delta/cmd <= rampTolerance {
		f.initialRamp = false
	}
}

// -------------------------------------------------------------------------
// Burn Distribution
// -------------------------------------------------------------------------

// distributeBurn splits a total burn command across units.
//
// BURN_RATE treats every ready unit as one pool. The closed-loop modes
// walk priority groups 1..4 in rank order, splitting each group's share
// proportionally to residual capacity under the unit limits; independent
// units (group 0) take no automatic commands. Ties break by unit id.
func (f *Facility) distributeBurn(total float64) {
	if total < 0 {
		total = 0
	}
	for _, u := range f.units {
		u.setCommandedBurn(0)
	}

	if f.mode == ModeBurnRate {
		f.distributeToPool(f.readyUnits(0, true), total)
		return
	}

	remaining := total
	for g := 1; g <= maxGroups && remaining > 0; g++ {
		remaining -= f.distributeToPool(f.readyUnits(g, false), remaining)
	}
}

// readyUnits returns the ready units in a group, id ascending. With all
// set, every ready unit is returned regardless of group.
func (f *Facility) readyUnits(group int, all bool) []*Unit {
	var out []*Unit
	for _, u := range f.units {
		if !u.Ready() {
			continue
		}
		if all || u.Group == group {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// distributeToPool assigns up to total across the pool proportionally to
// residual capacity and returns the amount actually assigned.
func (f *Facility) distributeToPool(pool []*Unit, total float64) float64 {
	if total <= 0 || len(pool) == 0 {
		return 0
	}

	var capacity float64
	for _, u := range pool {
		capacity += u.residualCapacity()
	}
	if capacity <= 0 {
		return 0
	}

	alloc := total
	if alloc > capacity {
		alloc = capacity
	}

	var assigned float64
	for _, u := range pool {
		share := alloc * (u.residualCapacity() / capacity)
		u.setCommandedBurn(u.commandedBurn + share)
		assigned += share
	}
	return assigned
}

// -------------------------------------------------------------------------
// Safety Broadcast & Snapshots
// -------------------------------------------------------------------------

// TakeScramBroadcast consumes a pending one-shot scram_all. At most one
// true per trip.
func (f *Facility) TakeScramBroadcast() bool { return f.safety.TakeBroadcast() }

// ScramReasonNow returns the latched auto-SCRAM reason.
func (f *Facility) ScramReasonNow() ScramReason { return f.safety.Tripped() }

// ToneBitmap returns the packed tone slot states for the renderer.
func (f *Facility) ToneBitmap() uint8 { return f.tones.Bitmap() }

// StatusFrame builds the coordinator-facing facility status frame.
func (f *Facility) StatusFrame() protocol.FacStatus {
	return protocol.FacStatus{
		Mode:         uint8(f.mode),
		ModeSet:      uint8(f.modeSet),
		UnitsReady:   f.UnitsReady(),
		ASCRAM:       f.safety.Tripped() != ScramNone,
		ASCRAMReason: uint8(f.safety.Tripped()),
		Tones:        f.tones.Bitmap(),
		Charge:       f.charge,
		AvgInflow:    f.avgInflow.Mean(),
		AvgOutflow:   f.avgOutflow.Mean(),
		AvgNet:       f.avgNet.Mean(),
		BurnTarget:   f.burnTarget,
		StatusLines:  f.statusLines,
	}
}

// BuildsFrame builds the coordinator-facing facility structure frame.
func (f *Facility) BuildsFrame() protocol.FacBuilds {
	fb := protocol.FacBuilds{
		UnitCount: uint8(len(f.units)),
		TankMode:  uint8(f.tankMode),
	}
	for _, u := range f.units {
		fb.Boilers = append(fb.Boilers, uint8(u.Boilers))
		fb.Turbines = append(fb.Turbines, uint8(u.Turbines))
	}
	for _, d := range f.tankDefs {
		fb.TankDefs = append(fb.TankDefs, uint8(d))
	}
	for _, d := range f.tankList {
		fb.TankList = append(fb.TankList, uint8(d))
	}
	return fb
}
