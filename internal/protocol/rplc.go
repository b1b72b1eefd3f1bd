package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// This file implements the RPLC packet family: the link between the
// supervisor and each reactor PLC. The first payload byte is the message
// type; the remainder is type-specific.

// CommsVersion is the supervisor comms version. PLCs announcing a
// different version in LINK_REQ are refused with LinkBadVersion.
const CommsVersion uint16 = 5

// -------------------------------------------------------------------------
// Message Types
// -------------------------------------------------------------------------

// RPLCType identifies an RPLC message.
type RPLCType uint8

const (
	// RPLCLinkReq is a PLC link request (handshake open).
	RPLCLinkReq RPLCType = iota + 1

	// RPLCLinkAck is the supervisor's handshake verdict.
	RPLCLinkAck

	// RPLCStatus is a full reactor status report.
	RPLCStatus

	// RPLCRPSStatus is a reactor protection system mirror report.
	RPLCRPSStatus

	// RPLCRPSAlarm is an unsolicited RPS trip notification.
	RPLCRPSAlarm

	// RPLCCommand is a supervisor command to the PLC.
	RPLCCommand

	// RPLCTelemetryDelta is a sparse telemetry update.
	RPLCTelemetryDelta
)

// String returns the human-readable name for the message type.
func (t RPLCType) String() string {
	switch t {
	case RPLCLinkReq:
		return "LINK_REQ"
	case RPLCLinkAck:
		return "LINK_ACK"
	case RPLCStatus:
		return "STATUS"
	case RPLCRPSStatus:
		return "RPS_STATUS"
	case RPLCRPSAlarm:
		return "RPS_ALARM"
	case RPLCCommand:
		return "COMMAND"
	case RPLCTelemetryDelta:
		return "TELEMETRY_DELTA"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// LinkResult is the supervisor's handshake verdict.
type LinkResult uint8

const (
	// LinkAllow accepts the PLC and binds it to its reactor unit.
	LinkAllow LinkResult = iota + 1

	// LinkDeny refuses the PLC; sent as a hint for orphan traffic so the
	// peer re-links.
	LinkDeny

	// LinkCollision refuses the PLC because another session already
	// claims the reactor.
	LinkCollision

	// LinkBadVersion refuses the PLC due to a comms version mismatch.
	LinkBadVersion
)

// String returns the human-readable name for the link result.
func (r LinkResult) String() string {
	switch r {
	case LinkAllow:
		return "ALLOW"
	case LinkDeny:
		return "DENY"
	case LinkCollision:
		return "COLLISION"
	case LinkBadVersion:
		return "BAD_VERSION"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

// ReactorOp is a supervisor-to-PLC command opcode.
type ReactorOp uint8

const (
	// OpSetBurnRate commands a burn rate setpoint (Value in mB/t).
	OpSetBurnRate ReactorOp = iota + 1

	// OpScram commands an emergency shutdown.
	OpScram

	// OpResetRPS clears a latched reactor protection trip.
	OpResetRPS

	// OpSetWaste selects the PLC-local waste processing mode (Mode field).
	OpSetWaste

	// OpAckAlarms acknowledges all latched PLC-side alarms.
	OpAckAlarms
)

// String returns the human-readable name for the opcode.
func (o ReactorOp) String() string {
	switch o {
	case OpSetBurnRate:
		return "SetBurnRate"
	case OpScram:
		return "Scram"
	case OpResetRPS:
		return "ResetRPS"
	case OpSetWaste:
		return "SetWaste"
	case OpAckAlarms:
		return "AckAlarms"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// -------------------------------------------------------------------------
// Message Bodies
// -------------------------------------------------------------------------

// LinkReq is a PLC handshake open.
type LinkReq struct {
	// Version is the PLC's comms version.
	Version uint16

	// ReactorID is the 1-based reactor unit the PLC controls.
	ReactorID uint8
}

// LinkAck is the supervisor's handshake verdict.
type LinkAck struct {
	Result LinkResult
}

// ReactorStatus is a full reactor telemetry report from the PLC.
// Fill fractions are 0..1; rates are mB/t; temperature is kelvin.
type ReactorStatus struct {
	Formed            bool
	Active            bool
	BurnRate          float64
	ActualBurnRate    float64
	Temperature       float64
	Damage            float64
	Fuel              float64
	Waste             float64
	CoolantFill       float64
	HeatedCoolantFill float64
	HeatingRate       float64
}

// RPSStatus mirrors the PLC's reactor protection system state.
type RPSStatus struct {
	// Tripped indicates the RPS has latched a trip.
	Tripped bool

	// AutoSCRAM indicates the trip was commanded remotely.
	AutoSCRAM bool

	// Flags is the bitfield of individual protection conditions
	// (damage, high temp, low coolant, high waste, ...).
	Flags uint16
}

// RPSAlarm is an unsolicited trip notification.
type RPSAlarm struct {
	// Cause is the index of the protection condition that latched.
	Cause uint8
}

// ReactorCommand is a supervisor command to the PLC.
type ReactorCommand struct {
	Op    ReactorOp
	Value float64
	Mode  uint8
}

// TelemetryField is one sparse telemetry update entry.
type TelemetryField struct {
	Key   uint8
	Value float64
}

// TelemetryDelta is a sparse telemetry patch between full status reports.
type TelemetryDelta struct {
	Fields []TelemetryField
}

// RPLCPacket is a decoded RPLC message. Exactly the field matching Type
// is non-nil.
type RPLCPacket struct {
	Type RPLCType

	LinkReq   *LinkReq
	LinkAck   *LinkAck
	Status    *ReactorStatus
	RPSStatus *RPSStatus
	RPSAlarm  *RPSAlarm
	Command   *ReactorCommand
	Delta     *TelemetryDelta
}

// Sentinel errors for RPLC decoding.
var (
	// ErrRPLCTruncated indicates the payload is shorter than its message body.
	ErrRPLCTruncated = errors.New("rplc payload truncated")

	// ErrRPLCBadType indicates an unknown message type byte.
	ErrRPLCBadType = errors.New("rplc message type unknown")
)

// -------------------------------------------------------------------------
// Codec
// -------------------------------------------------------------------------

// statusWireSize is the fixed STATUS body: 2 flag bytes + 9 float64 fields.
const statusWireSize = 2 + 9*8

// Marshal serializes the packet into a fresh payload slice.
func (p *RPLCPacket) Marshal() ([]byte, error) {
	switch p.Type {
	case RPLCLinkReq:
		b := make([]byte, 4)
		b[0] = uint8(RPLCLinkReq)
		binary.BigEndian.PutUint16(b[1:3], p.LinkReq.Version)
		b[3] = p.LinkReq.ReactorID
		return b, nil

	case RPLCLinkAck:
		return []byte{uint8(RPLCLinkAck), uint8(p.LinkAck.Result)}, nil

	case RPLCStatus:
		s := p.Status
		b := make([]byte, 1+statusWireSize)
		b[0] = uint8(RPLCStatus)
		b[1] = boolByte(s.Formed)
		b[2] = boolByte(s.Active)
		putF64s(b[3:], s.BurnRate, s.ActualBurnRate, s.Temperature, s.Damage,
			s.Fuel, s.Waste, s.CoolantFill, s.HeatedCoolantFill, s.HeatingRate)
		return b, nil

	case RPLCRPSStatus:
		b := make([]byte, 5)
		b[0] = uint8(RPLCRPSStatus)
		b[1] = boolByte(p.RPSStatus.Tripped)
		b[2] = boolByte(p.RPSStatus.AutoSCRAM)
		binary.BigEndian.PutUint16(b[3:5], p.RPSStatus.Flags)
		return b, nil

	case RPLCRPSAlarm:
		return []byte{uint8(RPLCRPSAlarm), p.RPSAlarm.Cause}, nil

	case RPLCCommand:
		b := make([]byte, 11)
		b[0] = uint8(RPLCCommand)
		b[1] = uint8(p.Command.Op)
		b[2] = p.Command.Mode
		binary.BigEndian.PutUint64(b[3:11], math.Float64bits(p.Command.Value))
		return b, nil

	case RPLCTelemetryDelta:
		fields := p.Delta.Fields
		b := make([]byte, 2+9*len(fields))
		b[0] = uint8(RPLCTelemetryDelta)
		b[1] = uint8(len(fields))
		for i, f := range fields {
			off := 2 + 9*i
			b[off] = f.Key
			binary.BigEndian.PutUint64(b[off+1:], math.Float64bits(f.Value))
		}
		return b, nil

	default:
		return nil, fmt.Errorf("marshal rplc: type %d: %w", p.Type, ErrRPLCBadType)
	}
}

// UnmarshalRPLC decodes an RPLC payload.
func UnmarshalRPLC(buf []byte) (*RPLCPacket, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("unmarshal rplc: empty payload: %w", ErrRPLCTruncated)
	}
	p := &RPLCPacket{Type: RPLCType(buf[0])}
	body := buf[1:]

	switch p.Type {
	case RPLCLinkReq:
		if len(body) < 3 {
			return nil, truncated("LINK_REQ")
		}
		p.LinkReq = &LinkReq{
			Version:   binary.BigEndian.Uint16(body[0:2]),
			ReactorID: body[2],
		}

	case RPLCLinkAck:
		if len(body) < 1 {
			return nil, truncated("LINK_ACK")
		}
		p.LinkAck = &LinkAck{Result: LinkResult(body[0])}

	case RPLCStatus:
		if len(body) < statusWireSize {
			return nil, truncated("STATUS")
		}
		s := &ReactorStatus{Formed: body[0] != 0, Active: body[1] != 0}
		f := getF64s(body[2:], 9)
		s.BurnRate, s.ActualBurnRate, s.Temperature = f[0], f[1], f[2]
		s.Damage, s.Fuel, s.Waste = f[3], f[4], f[5]
		s.CoolantFill, s.HeatedCoolantFill, s.HeatingRate = f[6], f[7], f[8]
		p.Status = s

	case RPLCRPSStatus:
		if len(body) < 4 {
			return nil, truncated("RPS_STATUS")
		}
		p.RPSStatus = &RPSStatus{
			Tripped:   body[0] != 0,
			AutoSCRAM: body[1] != 0,
			Flags:     binary.BigEndian.Uint16(body[2:4]),
		}

	case RPLCRPSAlarm:
		if len(body) < 1 {
			return nil, truncated("RPS_ALARM")
		}
		p.RPSAlarm = &RPSAlarm{Cause: body[0]}

	case RPLCCommand:
		if len(body) < 10 {
			return nil, truncated("COMMAND")
		}
		p.Command = &ReactorCommand{
			Op:    ReactorOp(body[0]),
			Mode:  body[1],
			Value: math.Float64frombits(binary.BigEndian.Uint64(body[2:10])),
		}

	case RPLCTelemetryDelta:
		if len(body) < 1 {
			return nil, truncated("TELEMETRY_DELTA")
		}
		n := int(body[0])
		if len(body) < 1+9*n {
			return nil, truncated("TELEMETRY_DELTA")
		}
		d := &TelemetryDelta{Fields: make([]TelemetryField, n)}
		for i := 0; i < n; i++ {
			off := 1 + 9*i
			d.Fields[i] = TelemetryField{
				Key:   body[off],
				Value: math.Float64frombits(binary.BigEndian.Uint64(body[off+1:])),
			}
		}
		p.Delta = d

	default:
		return nil, fmt.Errorf("unmarshal rplc: type %d: %w", buf[0], ErrRPLCBadType)
	}

	return p, nil
}

// truncated builds the common short-body decode error.
func truncated(msg string) error {
	return fmt.Errorf("unmarshal rplc: %s body: %w", msg, ErrRPLCTruncated)
}

// boolByte encodes a bool as a wire byte.
func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// putF64s writes consecutive big-endian float64 values.
func putF64s(b []byte, vals ...float64) {
	for i, v := range vals {
		binary.BigEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
}

// getF64s reads n consecutive big-endian float64 values.
func getF64s(b []byte, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(b[8*i:]))
	}
	return out
}
