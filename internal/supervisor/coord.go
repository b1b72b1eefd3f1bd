package supervisor

import (
	"log/slog"

	"github.com/dantte-lp/goscada/internal/facility"
	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// Coordinator / Pocket Session
// -------------------------------------------------------------------------

// CoordSession is the supervisor's end of a coordinator or pocket link.
// Pockets are read-only consoles: they receive the same telemetry pushes
// but their commands are refused.
type CoordSession struct {
	Session

	reg *Registry

	// sentBuilds tracks whether the structure frames went out after link.
	sentBuilds bool
}

// base returns the embedded shared session state.
func (c *CoordSession) base() *Session { return &c.Session }

// onClose has no kind-specific resources to release.
func (c *CoordSession) onClose() {}

// ReadOnly reports whether the session may not issue commands.
func (c *CoordSession) ReadOnly() bool { return c.Kind == protocol.KindPocket }

// HandlePacket processes one COORD_DATA packet. Commands are dispatched
// in submission order; status/builds types are supervisor-originated and
// unexpected inbound.
func (c *CoordSession) HandlePacket(pkt *protocol.CoordPacket) {
	switch pkt.Type {
	case protocol.CoordFacCmd:
		if c.refuseIfReadOnly("facility command") {
			return
		}
		c.handleFacCmd(pkt.FacCmd)

	case protocol.CoordUnitCmd:
		if c.refuseIfReadOnly("unit command") {
			return
		}
		c.handleUnitCmd(pkt.UnitCmd)

	default:
		c.reg.logger.Warn("unexpected coord type from peer",
			slog.String("type", pkt.Type.String()),
		)
	}
}

// refuseIfReadOnly drops commands from pocket consoles.
func (c *CoordSession) refuseIfReadOnly(what string) bool {
	if !c.ReadOnly() {
		return false
	}
	c.reg.logger.Warn("read-only session issued a command",
		slog.String("command", what),
		slog.Int("addr", int(c.Addr)),
	)
	return true
}

// handleFacCmd dispatches a facility-level operator command.
func (c *CoordSession) handleFacCmd(cmd *protocol.FacCommand) {
	fac := c.reg.fac

	switch cmd.Op {
	case protocol.FacAutoStart:
		cfg := facility.AutoStartConfig{
			Mode:         facility.ProcessMode(cmd.Mode),
			BurnTarget:   cmd.BurnTarget,
			ChargeTarget: cmd.ChargeTarget,
			GenTarget:    cmd.GenTarget,
			Limits:       cmd.Limits,
		}
		if err := fac.AutoStart(cfg); err != nil {
			c.reg.logger.Warn("auto start refused", slog.String("error", err.Error()))
		}

	case protocol.FacAutoStop:
		fac.AutoStop()

	case protocol.FacAck:
		fac.Ack()

	case protocol.FacSetGroup:
		if err := fac.SetGroup(int(cmd.Unit), int(cmd.Group)); err != nil {
			c.reg.logger.Warn("set group refused", slog.String("error", err.Error()))
		}

	case protocol.FacSetWasteMode:
		fac.SetWasteMode(facility.WasteMode(cmd.Mode))

	case protocol.FacSetPuFallback:
		fac.SetPuFallback(cmd.Flag)

	case protocol.FacSetSpsLowPower:
		fac.SetSpsLowPower(cmd.Flag)

	default:
		c.reg.logger.Warn("unknown facility command",
			slog.Int("op", int(cmd.Op)),
		)
	}
}

// handleUnitCmd dispatches a unit-level operator command. Reactor-bound
// operations forward to the unit's PLC session when one is linked.
func (c *CoordSession) handleUnitCmd(cmd *protocol.UnitCommand) {
	unit := c.reg.fac.Unit(int(cmd.Unit))
	if unit == nil {
		c.reg.logger.Warn("unit command for unknown unit",
			slog.Int("unit", int(cmd.Unit)),
		)
		return
	}
	plc := c.reg.reactorOwner[int(cmd.Unit)]

	switch cmd.Op {
	case protocol.UnitScram:
		if plc != nil {
			plc.Scram()
		}

	case protocol.UnitResetRPS:
		if plc != nil {
			plc.SendCommand(protocol.OpResetRPS, 0, 0)
		}
		unit.RPS.Tripped = false

	case protocol.UnitAck:
		unit.Annunciator.Ack()

	case protocol.UnitSetBurn:
		if cmd.Value >= 0 {
			unit.RequestedBurn = cmd.Value
		}

	case protocol.UnitSetWaste:
		unit.Waste = facility.WasteMode(cmd.Mode)
		if plc != nil {
			plc.SendCommand(protocol.OpSetWaste, 0, cmd.Mode)
		}

	case protocol.UnitSetGroup:
		if err := c.reg.fac.SetGroup(int(cmd.Unit), int(cmd.Mode)); err != nil {
			c.reg.logger.Warn("set group refused", slog.String("error", err.Error()))
		}

	default:
		c.reg.logger.Warn("unknown unit command",
			slog.Int("op", int(cmd.Op)),
		)
	}
}

// -------------------------------------------------------------------------
// Telemetry Push
// -------------------------------------------------------------------------

// PushStatus sends the per-tick telemetry frames: facility status plus
// one status frame per unit. Structure frames go out once after link.
func (c *CoordSession) PushStatus() {
	if !c.sentBuilds {
		c.pushBuilds()
		c.sentBuilds = true
	}

	fs := c.reg.fac.StatusFrame()
	c.sendCoord(&protocol.CoordPacket{Type: protocol.CoordFacStatus, FacStatus: &fs})

	for _, u := range c.reg.fac.Units() {
		us := u.StatusFrame()
		c.sendCoord(&protocol.CoordPacket{Type: protocol.CoordUnitStatus, UnitStatus: &us})
	}
}

// pushBuilds sends the facility and unit structure frames.
func (c *CoordSession) pushBuilds() {
	fb := c.reg.fac.BuildsFrame()
	c.sendCoord(&protocol.CoordPacket{Type: protocol.CoordFacBuilds, FacBuilds: &fb})

	for _, u := range c.reg.fac.Units() {
		ub := protocol.UnitBuilds{
			Unit:     uint8(u.ID),
			Boilers:  uint8(u.Boilers),
			Turbines: uint8(u.Turbines),
		}
		c.sendCoord(&protocol.CoordPacket{Type: protocol.CoordUnitBuilds, UnitBuilds: &ub})
	}
}

// sendCoord marshals and transmits one COORD_DATA packet.
func (c *CoordSession) sendCoord(pkt *protocol.CoordPacket) {
	payload, err := pkt.Marshal()
	if err != nil {
		c.reg.logger.Error("marshal coord packet failed",
			slog.String("type", pkt.Type.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	c.reg.send(protocol.ProtoCoord, &c.Session, payload)
}
