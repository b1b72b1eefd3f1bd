package supervisor

import (
	"fmt"
	"log/slog"

	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// RTU Unit Entry Hardware State
// -------------------------------------------------------------------------

// HWState is an RTU unit entry's device hardware state.
type HWState uint8

const (
	// HWOffline: the backing device detached.
	HWOffline HWState = iota

	// HWUnformed: a multiblock device exists but has not formed.
	HWUnformed

	// HWFaulted: the device errored; the entry stays but is distrusted.
	HWFaulted

	// HWOK: the device is live and serviceable.
	HWOK
)

// String returns the human-readable name for the hardware state.
func (h HWState) String() string {
	switch h {
	case HWOffline:
		return "OFFLINE"
	case HWUnformed:
		return "UNFORMED"
	case HWFaulted:
		return "FAULTED"
	case HWOK:
		return "OK"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(h))
	}
}

// -------------------------------------------------------------------------
// Register Map Conventions
// -------------------------------------------------------------------------

// Register and coil addresses the gateway pushes into each entry's map.
const (
	// regFormed holds the multiblock formed flag (0/1).
	regFormed = 0

	// regFault holds the device fault flag (0/1).
	regFault = 1

	// regMatrixCharge holds the matrix fill fraction scaled by chargeScale.
	regMatrixCharge = 2

	// regMatrixInput / regMatrixOutput hold 32-bit FE/t rates (two
	// registers each, high word first).
	regMatrixInput  = 3
	regMatrixOutput = 5

	// regEnvRadiation holds the detector dose rate scaled by radScale
	// (32-bit, two registers).
	regEnvRadiation = 2

	// coilTurbineTrip is set by turbine valve banks on overspeed trip.
	coilTurbineTrip = 0
)

// Register scaling factors.
const (
	chargeScale = 10000.0
	radScale    = 100.0
)

// Register bank sizes for every entry's MODBUS server. Uniform sizes keep
// the gateway pairing simple; unused registers read zero.
const (
	entryCoils    = 16
	entryDiscrete = 16
	entryHolding  = 32
	entryInput    = 32
)

// entryQueueMax bounds each entry's inbound packet queue.
const entryQueueMax = 32

// -------------------------------------------------------------------------
// RTU Unit Entry
// -------------------------------------------------------------------------

// RTUEntry is one advertised device behind an RTU gateway. The entry owns
// its inbound packet queue and its MODBUS server instance.
type RTUEntry struct {
	// UID is the MODBUS unit id assigned at accept time.
	UID uint8

	// Type is the current device kind; KindVirtual after a detach.
	Type protocol.RTUKind

	// origType is the kind the entry was accepted with. A re-attach
	// announcing a different kind is an error, not a retype.
	origType protocol.RTUKind

	// Name is the gateway-side peripheral name.
	Name string

	// Index is the 1-based device index within its unit (boilers,
	// turbines) or zero.
	Index int

	// Reactor is the 1-based owning unit, or zero for facility devices.
	Reactor int

	// HW is the device hardware state.
	HW HWState

	// Formed tracks the last polled multiblock formed flag.
	Formed bool

	srv   *ModbusServer
	queue []*protocol.MbRequest
}

// enqueue appends an inbound request, dropping the oldest on overflow.
func (e *RTUEntry) enqueue(q *protocol.MbRequest) {
	if len(e.queue) >= entryQueueMax {
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, q)
}

// -------------------------------------------------------------------------
// RTU Session
// -------------------------------------------------------------------------

// RTUSession is the supervisor's end of one RTU gateway link.
type RTUSession struct {
	Session

	reg     *Registry
	entries []*RTUEntry
}

// base returns the embedded shared session state.
func (rs *RTUSession) base() *Session { return &rs.Session }

// onClose releases any facility-wide singleton claims held by this
// session's entries.
func (rs *RTUSession) onClose() {
	for _, e := range rs.entries {
		if rs.reg.imatrix == e {
			rs.reg.imatrix = nil
		}
		if rs.reg.sps == e {
			rs.reg.sps = nil
		}
	}
	rs.entries = nil
}

// Entries returns the accepted unit entries in uid order.
func (rs *RTUSession) Entries() []*RTUEntry { return rs.entries }

// EntryByUID returns the entry with the given MODBUS unit id, or nil.
func (rs *RTUSession) EntryByUID(uid uint8) *RTUEntry {
	for _, e := range rs.entries {
		if e.UID == uid {
			return e
		}
	}
	return nil
}

// acceptAdvert validates each advertised unit and builds the entry set.
// Uniqueness holds facility-wide: one induction matrix and one SPS across
// every RTU session. Boiler and turbine indices must fall inside the
// owning unit's configured device counts.
func (rs *RTUSession) acceptAdvert(units []protocol.AdvertUnit) *protocol.RTUAdvertAck {
	ack := &protocol.RTUAdvertAck{}

	for i, au := range units {
		if reason, ok := rs.validateAdvert(au); !ok {
			ack.Rejected = append(ack.Rejected, protocol.AdvertReject{
				Index:  uint8(i),
				Reason: reason,
			})
			rs.reg.logger.Warn("rtu advert entry rejected",
				slog.String("name", au.Name),
				slog.String("type", au.Type.String()),
				slog.String("reason", reason.String()),
			)
			continue
		}

		e := &RTUEntry{
			UID:      uint8(len(rs.entries) + 1),
			Type:     au.Type,
			origType: au.Type,
			Name:     au.Name,
			Index:    int(au.Index),
			Reactor:  int(au.Reactor),
			srv:      NewModbusServer(entryCoils, entryDiscrete, entryHolding, entryInput),
		}
		// Multiblock devices start unformed until the gateway reports
		// otherwise; plain peripherals are serviceable immediately.
		if au.Type.Multiblock() {
			e.HW = HWUnformed
		} else {
			e.HW = HWOK
		}

		switch au.Type {
		case protocol.KindIMatrix:
			rs.reg.imatrix = e
		case protocol.KindSPS:
			rs.reg.sps = e
		}

		rs.entries = append(rs.entries, e)
		ack.Accepted = append(ack.Accepted, e.UID)
	}

	return ack
}

// validateAdvert checks one advertised unit against configuration and
// facility-wide uniqueness.
func (rs *RTUSession) validateAdvert(au protocol.AdvertUnit) (protocol.AdvertReason, bool) {
	if !au.Type.Valid() {
		return protocol.RejectBadType, false
	}

	switch au.Type {
	case protocol.KindIMatrix:
		if rs.reg.imatrix != nil {
			return protocol.RejectDuplicateIMatrix, false
		}
	case protocol.KindSPS:
		if rs.reg.sps != nil {
			return protocol.RejectDuplicateSPS, false
		}
	case protocol.KindBoilerValve, protocol.KindTurbineValve:
		unit := rs.reg.fac.Unit(int(au.Reactor))
		if unit == nil {
			return protocol.RejectBadReactor, false
		}
		limit := unit.Boilers
		if au.Type == protocol.KindTurbineValve {
			limit = unit.Turbines
		}
		if int(au.Index) < 1 || int(au.Index) > limit {
			return protocol.RejectBadIndex, false
		}
	case protocol.KindDynamicValve, protocol.KindSNA:
		if au.Reactor != 0 && rs.reg.fac.Unit(int(au.Reactor)) == nil {
			return protocol.RejectBadReactor, false
		}
	case protocol.KindEnvDetector, protocol.KindRedstone:
		// Facility-scoped, unlimited.
	}

	return 0, true
}

// HandleModbus enqueues one MODBUS request on its entry's queue and
// services the queue in arrival order, transmitting replies back through
// the transport. Requests addressed to unknown or offline entries get a
// device-failure exception so the gateway can back off.
func (rs *RTUSession) HandleModbus(q *protocol.MbRequest) {
	e := rs.EntryByUID(q.UnitID)
	if e == nil {
		rs.sendReply(&protocol.MbReply{
			UnitID:    q.UnitID,
			Func:      q.Func,
			Exception: protocol.MbExDeviceFailure,
		})
		return
	}

	e.enqueue(q)
	rs.serviceEntry(e)
}

// serviceEntry drains one entry's queue through its MODBUS server.
func (rs *RTUSession) serviceEntry(e *RTUEntry) {
	for len(e.queue) > 0 {
		q := e.queue[0]
		e.queue = e.queue[1:]

		if e.Type == protocol.KindVirtual || e.HW == HWOffline {
			rs.sendReply(&protocol.MbReply{
				UnitID:    q.UnitID,
				Func:      q.Func,
				Exception: protocol.MbExDeviceFailure,
			})
			continue
		}

		rs.sendReply(e.srv.Service(q))
	}
}

// sendReply transmits one MODBUS reply to the gateway.
func (rs *RTUSession) sendReply(r *protocol.MbReply) {
	payload, err := r.MarshalReply()
	if err != nil {
		rs.reg.logger.Error("marshal modbus reply failed",
			slog.String("error", err.Error()),
		)
		return
	}
	rs.reg.send(protocol.ProtoModbus, &rs.Session, payload)
}

// pollFormed scans multiblock entries for formed-state transitions. A
// false-to-true transition remounts the entry: hardware goes OK and
// coordinators are notified. The register map is not re-bound or wiped
// on remount; only a detach clears it.
func (rs *RTUSession) pollFormed() {
	for _, e := range rs.entries {
		if !e.Type.Multiblock() || e.HW == HWOffline {
			continue
		}

		formed := e.srv.Holding(regFormed) != 0
		faulted := e.srv.Holding(regFault) != 0

		switch {
		case faulted && e.HW == HWOK:
			e.HW = HWFaulted
			rs.reg.logger.Warn("rtu device faulted",
				slog.String("name", e.Name),
				slog.String("type", e.Type.String()),
			)
		case formed && !e.Formed:
			e.remount(rs)
		case !formed && e.HW == HWOK:
			e.HW = HWUnformed
		}

		e.Formed = formed
	}
}

// remount brings a re-formed multiblock back into service. The register
// map already carries the new mount's pushes (formed arrives with them),
// so nothing is wiped here; stale data is cleared on detach instead.
func (e *RTUEntry) remount(rs *RTUSession) {
	e.HW = HWOK

	pkt := protocol.MgmtPacket{
		Type:      protocol.MgmtRemounted,
		Remounted: &protocol.Remounted{UnitID: e.UID},
	}
	payload, err := pkt.Marshal()
	if err != nil {
		return
	}
	rs.reg.broadcastMgmt(payload)
	rs.reg.logger.Info("rtu device remounted",
		slog.String("name", e.Name),
		slog.String("type", e.Type.String()),
	)
}

// -------------------------------------------------------------------------
// Device attach / detach (peripheral manager events)
// -------------------------------------------------------------------------

// HandleDetach marks the named entry offline and re-types it VIRTUAL.
func (rs *RTUSession) HandleDetach(name string) {
	for _, e := range rs.entries {
		if e.Name != name {
			continue
		}
		e.HW = HWOffline
		e.Type = protocol.KindVirtual
		e.Formed = false
		// The next mount pushes fresh state; drop the old mount's data.
		e.srv.Rebind()
		rs.reg.logger.Info("rtu device detached",
			slog.String("name", name),
			slog.String("orig_type", e.origType.String()),
		)
		return
	}
}

// HandleAttach restores a detached entry when its device returns. A
// hardware kind differing from the accepted one is an error: the entry
// faults instead of silently retyping.
func (rs *RTUSession) HandleAttach(name string, kind protocol.RTUKind) {
	for _, e := range rs.entries {
		if e.Name != name {
			continue
		}
		if e.Type != protocol.KindVirtual {
			return
		}
		if kind != e.origType {
			e.HW = HWFaulted
			rs.reg.logger.Error("rtu device re-attached with mismatched kind",
				slog.String("name", name),
				slog.String("expected", e.origType.String()),
				slog.String("got", kind.String()),
			)
			return
		}
		e.Type = e.origType
		if e.Type.Multiblock() {
			e.HW = HWUnformed
		} else {
			e.HW = HWOK
		}
		rs.reg.logger.Info("rtu device re-attached",
			slog.String("name", name),
			slog.String("type", kind.String()),
		)
		return
	}
}
