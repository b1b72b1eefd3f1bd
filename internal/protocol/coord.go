package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// This file implements the COORD_DATA packet family: operator commands
// from the coordinator (and pocket consoles) and the telemetry frames the
// supervisor pushes back once per tick.

// -------------------------------------------------------------------------
// Message Types
// -------------------------------------------------------------------------

// CoordType identifies a COORD_DATA message.
type CoordType uint8

const (
	// CoordFacBuilds carries facility structure (unit/device counts, tanks).
	CoordFacBuilds CoordType = iota + 1

	// CoordFacStatus carries the facility status frame.
	CoordFacStatus

	// CoordFacCmd carries a facility-level operator command.
	CoordFacCmd

	// CoordUnitBuilds carries one unit's structure.
	CoordUnitBuilds

	// CoordUnitStatus carries one unit's status frame.
	CoordUnitStatus

	// CoordUnitCmd carries a unit-level operator command.
	CoordUnitCmd
)

// String returns the human-readable name for the message type.
func (t CoordType) String() string {
	switch t {
	case CoordFacBuilds:
		return "FAC_BUILDS"
	case CoordFacStatus:
		return "FAC_STATUS"
	case CoordFacCmd:
		return "FAC_CMD"
	case CoordUnitBuilds:
		return "UNIT_BUILDS"
	case CoordUnitStatus:
		return "UNIT_STATUS"
	case CoordUnitCmd:
		return "UNIT_CMD"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// FacOp is a facility-level operator command opcode.
type FacOp uint8

const (
	// FacAutoStart arms the automatic control state machine.
	FacAutoStart FacOp = iota + 1

	// FacAutoStop disarms automatic control.
	FacAutoStop

	// FacAck acknowledges facility alarms and a latched auto-SCRAM reason.
	FacAck

	// FacSetGroup assigns a unit to a priority group.
	FacSetGroup

	// FacSetWasteMode selects the facility waste routing mode.
	FacSetWasteMode

	// FacSetPuFallback toggles plutonium fallback when the SPS is offline.
	FacSetPuFallback

	// FacSetSpsLowPower toggles SPS low-power operation.
	FacSetSpsLowPower
)

// String returns the human-readable name for the opcode.
func (o FacOp) String() string {
	switch o {
	case FacAutoStart:
		return "AutoStart"
	case FacAutoStop:
		return "AutoStop"
	case FacAck:
		return "Ack"
	case FacSetGroup:
		return "SetGroup"
	case FacSetWasteMode:
		return "SetWasteMode"
	case FacSetPuFallback:
		return "SetPuFallback"
	case FacSetSpsLowPower:
		return "SetSpsLowPower"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// UnitOp is a unit-level operator command opcode.
type UnitOp uint8

const (
	// UnitScram commands an emergency shutdown of one reactor.
	UnitScram UnitOp = iota + 1

	// UnitResetRPS clears the unit's latched protection trip.
	UnitResetRPS

	// UnitAck acknowledges the unit's annunciator alarms.
	UnitAck

	// UnitSetBurn sets the unit's manual burn rate.
	UnitSetBurn

	// UnitSetWaste sets the unit's waste processing mode.
	UnitSetWaste

	// UnitSetGroup assigns the unit to a priority group.
	UnitSetGroup
)

// String returns the human-readable name for the opcode.
func (o UnitOp) String() string {
	switch o {
	case UnitScram:
		return "Scram"
	case UnitResetRPS:
		return "ResetRPS"
	case UnitAck:
		return "Ack"
	case UnitSetBurn:
		return "SetBurn"
	case UnitSetWaste:
		return "SetWaste"
	case UnitSetGroup:
		return "SetGroup"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// -------------------------------------------------------------------------
// Message Bodies
// -------------------------------------------------------------------------

// FacCommand is a facility-level operator command. Which fields matter
// depends on Op: AutoStart reads Mode, targets, and Limits; SetGroup reads
// Unit and Group; the toggles read Flag; SetWasteMode reads Mode.
type FacCommand struct {
	Op FacOp

	Mode         uint8
	Unit         uint8
	Group        uint8
	Flag         bool
	BurnTarget   float64
	ChargeTarget float64
	GenTarget    float64
	Limits       []float64
}

// UnitCommand is a unit-level operator command.
type UnitCommand struct {
	Op    UnitOp
	Unit  uint8
	Mode  uint8
	Value float64
}

// FacBuilds carries the facility structure for coordinator rendering.
type FacBuilds struct {
	UnitCount uint8
	Boilers   []uint8
	Turbines  []uint8
	TankMode  uint8
	TankDefs  []uint8
	TankList  []uint8
}

// FacStatus is the per-tick facility status frame.
type FacStatus struct {
	Mode         uint8
	ModeSet      uint8
	UnitsReady   bool
	ASCRAM       bool
	ASCRAMReason uint8
	Tones        uint8
	Charge       float64
	AvgInflow    float64
	AvgOutflow   float64
	AvgNet       float64
	BurnTarget   float64
	StatusLines  [2]string
}

// UnitBuilds carries one unit's structure.
type UnitBuilds struct {
	Unit     uint8
	Boilers  uint8
	Turbines uint8
}

// UnitStatus is the per-tick unit status frame. AlarmsTripped and
// AlarmsAcked are annunciator bitfields (bit i = alarm channel i).
type UnitStatus struct {
	Unit          uint8
	PLCLinked     bool
	Ready         bool
	Group         uint8
	AutoWaste     bool
	BurnRate      float64
	BurnLimit     float64
	Temperature   float64
	Damage        float64
	AlarmsTripped uint16
	AlarmsAcked   uint16
}

// CoordPacket is a decoded COORD_DATA message. Exactly the field matching
// Type is non-nil.
type CoordPacket struct {
	Type CoordType

	FacBuilds  *FacBuilds
	FacStatus  *FacStatus
	FacCmd     *FacCommand
	UnitBuilds *UnitBuilds
	UnitStatus *UnitStatus
	UnitCmd    *UnitCommand
}

// Sentinel errors for COORD_DATA decoding.
var (
	// ErrCoordTruncated indicates the payload is shorter than its message body.
	ErrCoordTruncated = errors.New("coord payload truncated")

	// ErrCoordBadType indicates an unknown message type byte.
	ErrCoordBadType = errors.New("coord message type unknown")

	// ErrCoordString indicates an oversized status string.
	ErrCoordString = errors.New("coord status string too long")
)

// -------------------------------------------------------------------------
// Codec
// -------------------------------------------------------------------------

// Marshal serializes the packet into a fresh payload slice.
func (p *CoordPacket) Marshal() ([]byte, error) {
	switch p.Type {
	case CoordFacBuilds:
		return marshalFacBuilds(p.FacBuilds)
	case CoordFacStatus:
		return marshalFacStatus(p.FacStatus)
	case CoordFacCmd:
		return marshalFacCmd(p.FacCmd)
	case CoordUnitBuilds:
		u := p.UnitBuilds
		return []byte{uint8(CoordUnitBuilds), u.Unit, u.Boilers, u.Turbines}, nil
	case CoordUnitStatus:
		return marshalUnitStatus(p.UnitStatus), nil
	case CoordUnitCmd:
		c := p.UnitCmd
		b := make([]byte, 12)
		b[0] = uint8(CoordUnitCmd)
		b[1] = uint8(c.Op)
		b[2] = c.Unit
		b[3] = c.Mode
		binary.BigEndian.PutUint64(b[4:12], math.Float64bits(c.Value))
		return b, nil
	default:
		return nil, fmt.Errorf("marshal coord: type %d: %w", p.Type, ErrCoordBadType)
	}
}

func marshalFacBuilds(fb *FacBuilds) ([]byte, error) {
	b := make([]byte, 0, 8+len(fb.Boilers)+len(fb.Turbines)+len(fb.TankDefs)+len(fb.TankList))
	b = append(b, uint8(CoordFacBuilds), fb.UnitCount, fb.TankMode)
	b = append(b, uint8(len(fb.Boilers)))
	b = append(b, fb.Boilers...)
	b = append(b, uint8(len(fb.Turbines)))
	b = append(b, fb.Turbines...)
	b = append(b, uint8(len(fb.TankDefs)))
	b = append(b, fb.TankDefs...)
	b = append(b, uint8(len(fb.TankList)))
	b = append(b, fb.TankList...)
	return b, nil
}

func marshalFacStatus(fs *FacStatus) ([]byte, error) {
	for _, s := range fs.StatusLines {
		if len(s) > 255 {
			return nil, fmt.Errorf("marshal coord: %w", ErrCoordString)
		}
	}
	b := make([]byte, 0, 48+len(fs.StatusLines[0])+len(fs.StatusLines[1]))
	b = append(b, uint8(CoordFacStatus), fs.Mode, fs.ModeSet,
		boolByte(fs.UnitsReady), boolByte(fs.ASCRAM), fs.ASCRAMReason, fs.Tones)
	for _, v := range []float64{fs.Charge, fs.AvgInflow, fs.AvgOutflow, fs.AvgNet, fs.BurnTarget} {
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	}
	for _, s := range fs.StatusLines {
		b = append(b, uint8(len(s)))
		b = append(b, s...)
	}
	return b, nil
}

func marshalFacCmd(c *FacCommand) ([]byte, error) {
	b := make([]byte, 0, 30+8*len(c.Limits))
	b = append(b, uint8(CoordFacCmd), uint8(c.Op), c.Mode, c.Unit, c.Group, boolByte(c.Flag))
	for _, v := range []float64{c.BurnTarget, c.ChargeTarget, c.GenTarget} {
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	}
	b = append(b, uint8(len(c.Limits)))
	for _, v := range c.Limits {
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b, nil
}

func marshalUnitStatus(us *UnitStatus) []byte {
	b := make([]byte, 0, 48)
	b = append(b, uint8(CoordUnitStatus), us.Unit,
		boolByte(us.PLCLinked), boolByte(us.Ready), us.Group, boolByte(us.AutoWaste))
	for _, v := range []float64{us.BurnRate, us.BurnLimit, us.Temperature, us.Damage} {
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	}
	b = binary.BigEndian.AppendUint16(b, us.AlarmsTripped)
	b = binary.BigEndian.AppendUint16(b, us.AlarmsAcked)
	return b
}

// UnmarshalCoord decodes a COORD_DATA payload.
func UnmarshalCoord(buf []byte) (*CoordPacket, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("unmarshal coord: empty payload: %w", ErrCoordTruncated)
	}
	p := &CoordPacket{Type: CoordType(buf[0])}
	body := buf[1:]

	switch p.Type {
	case CoordFacBuilds:
		fb, err := unmarshalFacBuilds(body)
		if err != nil {
			return nil, err
		}
		p.FacBuilds = fb

	case CoordFacStatus:
		fs, err := unmarshalFacStatus(body)
		if err != nil {
			return nil, err
		}
		p.FacStatus = fs

	case CoordFacCmd:
		c, err := unmarshalFacCmd(body)
		if err != nil {
			return nil, err
		}
		p.FacCmd = c

	case CoordUnitBuilds:
		if len(body) < 3 {
			return nil, coordTruncated("UNIT_BUILDS")
		}
		p.UnitBuilds = &UnitBuilds{Unit: body[0], Boilers: body[1], Turbines: body[2]}

	case CoordUnitStatus:
		us, err := unmarshalUnitStatus(body)
		if err != nil {
			return nil, err
		}
		p.UnitStatus = us

	case CoordUnitCmd:
		if len(body) < 11 {
			return nil, coordTruncated("UNIT_CMD")
		}
		p.UnitCmd = &UnitCommand{
			Op:    UnitOp(body[0]),
			Unit:  body[1],
			Mode:  body[2],
			Value: math.Float64frombits(binary.BigEndian.Uint64(body[3:11])),
		}

	default:
		return nil, fmt.Errorf("unmarshal coord: type %d: %w", buf[0], ErrCoordBadType)
	}

	return p, nil
}

func unmarshalFacBuilds(body []byte) (*FacBuilds, error) {
	if len(body) < 2 {
		return nil, coordTruncated("FAC_BUILDS")
	}
	fb := &FacBuilds{UnitCount: body[0], TankMode: body[1]}
	off := 2
	var err error
	if fb.Boilers, off, err = readBytes(body, off, "FAC_BUILDS"); err != nil {
		return nil, err
	}
	if fb.Turbines, off, err = readBytes(body, off, "FAC_BUILDS"); err != nil {
		return nil, err
	}
	if fb.TankDefs, off, err = readBytes(body, off, "FAC_BUILDS"); err != nil {
		return nil, err
	}
	if fb.TankList, _, err = readBytes(body, off, "FAC_BUILDS"); err != nil {
		return nil, err
	}
	return fb, nil
}

func unmarshalFacStatus(body []byte) (*FacStatus, error) {
	if len(body) < 6+5*8 {
		return nil, coordTruncated("FAC_STATUS")
	}
	fs := &FacStatus{
		Mode:         body[0],
		ModeSet:      body[1],
		UnitsReady:   body[2] != 0,
		ASCRAM:       body[3] != 0,
		ASCRAMReason: body[4],
		Tones:        body[5],
	}
	f := getF64s(body[6:], 5)
	fs.Charge, fs.AvgInflow, fs.AvgOutflow, fs.AvgNet, fs.BurnTarget = f[0], f[1], f[2], f[3], f[4]
	off := 6 + 5*8
	for i := range fs.StatusLines {
		if len(body) < off+1 {
			return nil, coordTruncated("FAC_STATUS")
		}
		n := int(body[off])
		off++
		if len(body) < off+n {
			return nil, coordTruncated("FAC_STATUS")
		}
		fs.StatusLines[i] = string(body[off : off+n])
		off += n
	}
	return fs, nil
}

func unmarshalFacCmd(body []byte) (*FacCommand, error) {
	if len(body) < 5+3*8+1 {
		return nil, coordTruncated("FAC_CMD")
	}
	c := &FacCommand{
		Op:    FacOp(body[0]),
		Mode:  body[1],
		Unit:  body[2],
		Group: body[3],
		Flag:  body[4] != 0,
	}
	f := getF64s(body[5:], 3)
	c.BurnTarget, c.ChargeTarget, c.GenTarget = f[0], f[1], f[2]
	off := 5 + 3*8
	n := int(body[off])
	off++
	if len(body) < off+8*n {
		return nil, coordTruncated("FAC_CMD")
	}
	c.Limits = getF64s(body[off:], n)
	return c, nil
}

func unmarshalUnitStatus(body []byte) (*UnitStatus, error) {
	if len(body) < 5+4*8+4 {
		return nil, coordTruncated("UNIT_STATUS")
	}
	us := &UnitStatus{
		Unit:      body[0],
		PLCLinked: body[1] != 0,
		Ready:     body[2] != 0,
		Group:     body[3],
		AutoWaste: body[4] != 0,
	}
	f := getF64s(body[5:], 4)
	us.BurnRate, us.BurnLimit, us.Temperature, us.Damage = f[0], f[1], f[2], f[3]
	off := 5 + 4*8
	us.AlarmsTripped = binary.BigEndian.Uint16(body[off : off+2])
	us.AlarmsAcked = binary.BigEndian.Uint16(body[off+2 : off+4])
	return us, nil
}

// readBytes reads a length-prefixed byte vector at off.
func readBytes(body []byte, off int, msg string) ([]uint8, int, error) {
	if len(body) < off+1 {
		return nil, 0, coordTruncated(msg)
	}
	n := int(body[off])
	off++
	if len(body) < off+n {
		return nil, 0, coordTruncated(msg)
	}
	out := append([]uint8(nil), body[off:off+n]...)
	return out, off + n, nil
}

// coordTruncated builds the common short-body decode error.
func coordTruncated(msg string) error {
	return fmt.Errorf("unmarshal coord: %s body: %w", msg, ErrCoordTruncated)
}
