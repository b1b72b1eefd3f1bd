package supervisor

import (
	"log/slog"
	"time"

	"github.com/dantte-lp/goscada/internal/facility"
	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// PLC Session
// -------------------------------------------------------------------------

// burnResendTicks is how many facility ticks may pass before an
// unacknowledged burn setpoint is re-sent. Burn commands are idempotent
// on the wire, so re-sending until the PLC's reported burn converges is
// the liveness mechanism.
const burnResendTicks = 4

// burnTolerance is the accepted difference between commanded and
// reported burn, mB/t.
const burnTolerance = 0.01

// PLCSession is the supervisor's end of one reactor PLC link. The unit
// back-reference slot is owned by this session: it is set on establish
// and cleared on teardown, so stale handles fail safely.
type PLCSession struct {
	Session

	// ReactorID is the 1-based reactor unit this PLC controls.
	ReactorID int

	unit *facility.Unit
	reg  *Registry

	// lastSentBurn and resendTicks drive the idempotent burn re-send.
	lastSentBurn float64
	burnPending  bool
	resendTicks  int
}

// base returns the embedded shared session state.
func (p *PLCSession) base() *Session { return &p.Session }

// onClose detaches the unit back-reference and frees the reactor claim.
func (p *PLCSession) onClose() {
	delete(p.reg.reactorOwner, p.ReactorID)
	if p.unit != nil {
		p.unit.SetPLCLinked(false)
	}
}

// HandlePacket ingests one RPLC packet from the PLC. LINK_REQ retries on
// a live session are answered ALLOW again (the original ack may have been
// lost); everything else is telemetry ingest.
func (p *PLCSession) HandlePacket(pkt *protocol.RPLCPacket) {
	switch pkt.Type {
	case protocol.RPLCLinkReq:
		p.sendAck(protocol.LinkAllow)

	case protocol.RPLCStatus:
		p.unit.Status = *pkt.Status
		p.unit.TelemetryValid = true

	case protocol.RPLCRPSStatus:
		p.unit.RPS = *pkt.RPSStatus

	case protocol.RPLCRPSAlarm:
		p.unit.RPS.Tripped = true
		p.reg.logger.Warn("rps alarm",
			slog.Int("reactor", p.ReactorID),
			slog.Int("cause", int(pkt.RPSAlarm.Cause)),
		)

	case protocol.RPLCTelemetryDelta:
		p.applyDelta(pkt.Delta)

	case protocol.RPLCLinkAck, protocol.RPLCCommand:
		// Supervisor-originated types arriving inbound are a peer defect.
		p.reg.logger.Warn("unexpected rplc type from plc",
			slog.Int("reactor", p.ReactorID),
			slog.String("type", pkt.Type.String()),
		)
	}
}

// Telemetry delta keys. The sparse update patches individual status
// fields between full STATUS reports.
const (
	deltaBurnRate = iota
	deltaActualBurnRate
	deltaTemperature
	deltaDamage
	deltaFuel
	deltaWaste
	deltaCoolantFill
	deltaHeatedCoolantFill
	deltaHeatingRate
)

// applyDelta patches the unit's telemetry snapshot.
func (p *PLCSession) applyDelta(d *protocol.TelemetryDelta) {
	s := &p.unit.Status
	for _, f := range d.Fields {
		switch int(f.Key) {
		case deltaBurnRate:
			s.BurnRate = f.Value
		case deltaActualBurnRate:
			s.ActualBurnRate = f.Value
		case deltaTemperature:
			s.Temperature = f.Value
		case deltaDamage:
			s.Damage = f.Value
		case deltaFuel:
			s.Fuel = f.Value
		case deltaWaste:
			s.Waste = f.Value
		case deltaCoolantFill:
			s.CoolantFill = f.Value
		case deltaHeatedCoolantFill:
			s.HeatedCoolantFill = f.Value
		case deltaHeatingRate:
			s.HeatingRate = f.Value
		}
	}
}

// onTick refreshes the burn setpoint. The command is re-sent at least
// every burnResendTicks until the PLC's reported burn matches within
// tolerance, and immediately when the desired setpoint changes.
func (p *PLCSession) onTick() {
	desired := p.desiredBurn()

	if desired != p.lastSentBurn {
		p.sendBurn(desired)
		return
	}
	if !p.burnPending {
		return
	}

	reported := p.unit.Status.BurnRate
	diff := reported - desired
	if diff < 0 {
		diff = -diff
	}
	if diff <= burnTolerance {
		p.burnPending = false
		return
	}

	p.resendTicks++
	if p.resendTicks >= burnResendTicks {
		p.sendBurn(desired)
	}
}

// desiredBurn selects the setpoint the PLC should hold: the automatic
// command while a burn-commanding mode runs, the operator request
// otherwise.
func (p *PLCSession) desiredBurn() float64 {
	switch p.reg.fac.Mode() {
	case facility.ModeBurnRate, facility.ModeCharge, facility.ModeGenRate:
		return p.unit.CommandedBurn()
	default:
		return p.unit.RequestedBurn
	}
}

// sendBurn transmits a set_burn_rate command and arms the resend tracker.
func (p *PLCSession) sendBurn(rate float64) {
	p.SendCommand(protocol.OpSetBurnRate, rate, 0)
	p.lastSentBurn = rate
	p.burnPending = true
	p.resendTicks = 0
}

// SendCommand transmits one reactor command to the PLC.
func (p *PLCSession) SendCommand(op protocol.ReactorOp, value float64, mode uint8) {
	pkt := protocol.RPLCPacket{
		Type:    protocol.RPLCCommand,
		Command: &protocol.ReactorCommand{Op: op, Value: value, Mode: mode},
	}
	payload, err := pkt.Marshal()
	if err != nil {
		p.reg.logger.Error("marshal reactor command failed",
			slog.Int("reactor", p.ReactorID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.reg.send(protocol.ProtoRPLC, &p.Session, payload)
}

// Scram commands an emergency shutdown.
func (p *PLCSession) Scram() {
	p.SendCommand(protocol.OpScram, 0, 0)
}

// sendAck transmits a LINK_ACK verdict.
func (p *PLCSession) sendAck(result protocol.LinkResult) {
	pkt := protocol.RPLCPacket{
		Type:    protocol.RPLCLinkAck,
		LinkAck: &protocol.LinkAck{Result: result},
	}
	payload, err := pkt.Marshal()
	if err != nil {
		return
	}
	p.reg.send(protocol.ProtoRPLC, &p.Session, payload)
}

// LinkAge returns how long the session has been quiet.
func (p *PLCSession) LinkAge(now time.Time) time.Duration {
	return now.Sub(p.LastRx())
}
