package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// This file implements the SCADA_MGMT packet family: session establishment,
// keepalives, RTU device advertisement, remount notifications, and the
// operator diagnostics used for alarm and tone tests.

// -------------------------------------------------------------------------
// Message Types
// -------------------------------------------------------------------------

// MgmtType identifies a SCADA_MGMT message.
type MgmtType uint8

const (
	// MgmtEstablish opens a session (RTU, coordinator, pocket).
	MgmtEstablish MgmtType = iota + 1

	// MgmtEstablishAck is the supervisor's establish verdict.
	MgmtEstablishAck

	// MgmtKeepAlive refreshes a session watchdog and measures round trip.
	MgmtKeepAlive

	// MgmtClose tears a session down from either side.
	MgmtClose

	// MgmtRemounted announces that a multiblock device re-formed and its
	// register map was re-bound.
	MgmtRemounted

	// MgmtDiagToneTest drives the tone test bitmap from the coordinator.
	MgmtDiagToneTest

	// MgmtDiagAlarmTest drives a single alarm test channel.
	MgmtDiagAlarmTest

	// MgmtRTUAdvert announces the device units an RTU gateway exposes.
	MgmtRTUAdvert

	// MgmtRTUAdvertAck returns the per-unit accept/reject verdicts.
	MgmtRTUAdvertAck
)

// String returns the human-readable name for the message type.
func (t MgmtType) String() string {
	switch t {
	case MgmtEstablish:
		return "ESTABLISH"
	case MgmtEstablishAck:
		return "ESTABLISH_ACK"
	case MgmtKeepAlive:
		return "KEEP_ALIVE"
	case MgmtClose:
		return "CLOSE"
	case MgmtRemounted:
		return "REMOUNTED"
	case MgmtDiagToneTest:
		return "DIAG_TONE_TEST"
	case MgmtDiagAlarmTest:
		return "DIAG_ALARM_TEST"
	case MgmtRTUAdvert:
		return "RTU_ADVERT"
	case MgmtRTUAdvertAck:
		return "RTU_ADVERT_ACK"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// EstablishResult is the supervisor's verdict for an ESTABLISH request.
type EstablishResult uint8

const (
	// EstablishOK accepts the session.
	EstablishOK EstablishResult = iota + 1

	// EstablishDenied refuses the session.
	EstablishDenied

	// EstablishCollision refuses because the role is singly occupied.
	EstablishCollision

	// EstablishBadVersion refuses due to a comms version mismatch.
	EstablishBadVersion
)

// String returns the human-readable name for the establish result.
func (r EstablishResult) String() string {
	switch r {
	case EstablishOK:
		return "OK"
	case EstablishDenied:
		return "DENIED"
	case EstablishCollision:
		return "COLLISION"
	case EstablishBadVersion:
		return "BAD_VERSION"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

// -------------------------------------------------------------------------
// RTU Unit Kinds
// -------------------------------------------------------------------------

// RTUKind tags the device type behind an RTU unit entry.
type RTUKind uint8

const (
	// KindBoilerValve is a boiler valve bank for one unit's boiler.
	KindBoilerValve RTUKind = iota + 1

	// KindTurbineValve is a turbine valve bank for one unit's turbine.
	KindTurbineValve

	// KindDynamicValve is a dynamic tank valve (unit or facility tank).
	KindDynamicValve

	// KindIMatrix is the facility induction matrix (at most one).
	KindIMatrix

	// KindSPS is the supercritical phase shifter (at most one).
	KindSPS

	// KindSNA is a solar neutron activator bank.
	KindSNA

	// KindEnvDetector is an environment radiation detector.
	KindEnvDetector

	// KindRedstone is a redstone I/O bank.
	KindRedstone

	// KindVirtual marks an entry whose device detached; it keeps its
	// queue and id but answers no hardware until re-typed on attach.
	KindVirtual
)

// rtuKindNames maps RTU kinds to human-readable strings.
var rtuKindNames = [...]string{
	"Unknown(0)",
	"BoilerValve",
	"TurbineValve",
	"DynamicValve",
	"InductionMatrix",
	"SPS",
	"SNA",
	"EnvDetector",
	"Redstone",
	"Virtual",
}

// String returns the human-readable name for the RTU kind.
func (k RTUKind) String() string {
	if int(k) < len(rtuKindNames) {
		return rtuKindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Valid reports whether k is an advertisable kind (Virtual is internal).
func (k RTUKind) Valid() bool {
	return k >= KindBoilerValve && k <= KindRedstone
}

// Multiblock reports whether the device is a multiblock structure that can
// be unformed and needs periodic formed-state polling.
func (k RTUKind) Multiblock() bool {
	switch k {
	case KindIMatrix, KindSPS, KindSNA, KindDynamicValve, KindBoilerValve, KindTurbineValve:
		return true
	default:
		return false
	}
}

// AdvertReason explains why an advertised unit entry was rejected.
type AdvertReason uint8

const (
	// RejectDuplicateIMatrix: a second induction matrix was advertised.
	RejectDuplicateIMatrix AdvertReason = iota + 1

	// RejectDuplicateSPS: a second SPS was advertised.
	RejectDuplicateSPS

	// RejectBadReactor: reactor id outside [1, UnitCount] for a boiler or
	// turbine valve, or a nonzero unknown id for a dynamic valve or SNA.
	RejectBadReactor

	// RejectBadIndex: boiler/turbine index outside the unit's configured
	// device counts.
	RejectBadIndex

	// RejectBadType: unknown or non-advertisable device type.
	RejectBadType
)

// String returns the human-readable name for the reject reason.
func (r AdvertReason) String() string {
	switch r {
	case RejectDuplicateIMatrix:
		return "DUPLICATE_IMATRIX"
	case RejectDuplicateSPS:
		return "DUPLICATE_SPS"
	case RejectBadReactor:
		return "BAD_REACTOR"
	case RejectBadIndex:
		return "BAD_INDEX"
	case RejectBadType:
		return "BAD_TYPE"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

// -------------------------------------------------------------------------
// Message Bodies
// -------------------------------------------------------------------------

// Establish opens a session for the announced kind.
type Establish struct {
	Version uint16
	Kind    SessionKind
}

// EstablishAck is the supervisor's establish verdict.
type EstablishAck struct {
	Result EstablishResult
}

// KeepAlive refreshes the session watchdog. EchoTS is reflected back by
// the receiver so either side can measure round-trip time.
type KeepAlive struct {
	EchoTS int64
}

// Remounted announces a re-formed multiblock entry by unit id.
type Remounted struct {
	UnitID uint8
}

// DiagToneTest replaces the live tone bitmap with a test mask.
type DiagToneTest struct {
	// Mask holds one bit per tone slot (bit 0 = slot 0). Zero exits
	// test mode.
	Mask uint8
}

// DiagAlarmTest drives one of the alarm test channels.
type DiagAlarmTest struct {
	Index  uint8
	Active bool
}

// AdvertUnit is one device entry in an RTU advertisement.
type AdvertUnit struct {
	Type    RTUKind
	Name    string
	Index   uint8
	Reactor uint8
}

// RTUAdvert announces the device units an RTU gateway exposes.
type RTUAdvert struct {
	Version uint16
	Units   []AdvertUnit
}

// AdvertReject pairs an advertised entry index with its reject reason.
type AdvertReject struct {
	Index  uint8
	Reason AdvertReason
}

// RTUAdvertAck returns per-entry verdicts. Accepted carries the assigned
// MODBUS unit ids in advertisement order; Rejected carries advert indices.
type RTUAdvertAck struct {
	Accepted []uint8
	Rejected []AdvertReject
}

// MgmtPacket is a decoded SCADA_MGMT message. Exactly the field matching
// Type is non-nil (Close has no body).
type MgmtPacket struct {
	Type MgmtType

	Establish    *Establish
	EstablishAck *EstablishAck
	KeepAlive    *KeepAlive
	Remounted    *Remounted
	ToneTest     *DiagToneTest
	AlarmTest    *DiagAlarmTest
	Advert       *RTUAdvert
	AdvertAck    *RTUAdvertAck
}

// Sentinel errors for SCADA_MGMT decoding.
var (
	// ErrMgmtTruncated indicates the payload is shorter than its message body.
	ErrMgmtTruncated = errors.New("mgmt payload truncated")

	// ErrMgmtBadType indicates an unknown message type byte.
	ErrMgmtBadType = errors.New("mgmt message type unknown")

	// ErrMgmtNameTooLong indicates an advertised device name over 255 bytes.
	ErrMgmtNameTooLong = errors.New("mgmt advertised name too long")
)

// -------------------------------------------------------------------------
// Codec
// -------------------------------------------------------------------------

// Marshal serializes the packet into a fresh payload slice.
func (p *MgmtPacket) Marshal() ([]byte, error) {
	switch p.Type {
	case MgmtEstablish:
		b := make([]byte, 4)
		b[0] = uint8(MgmtEstablish)
		binary.BigEndian.PutUint16(b[1:3], p.Establish.Version)
		b[3] = uint8(p.Establish.Kind)
		return b, nil

	case MgmtEstablishAck:
		return []byte{uint8(MgmtEstablishAck), uint8(p.EstablishAck.Result)}, nil

	case MgmtKeepAlive:
		b := make([]byte, 9)
		b[0] = uint8(MgmtKeepAlive)
		binary.BigEndian.PutUint64(b[1:9], uint64(p.KeepAlive.EchoTS))
		return b, nil

	case MgmtClose:
		return []byte{uint8(MgmtClose)}, nil

	case MgmtRemounted:
		return []byte{uint8(MgmtRemounted), p.Remounted.UnitID}, nil

	case MgmtDiagToneTest:
		return []byte{uint8(MgmtDiagToneTest), p.ToneTest.Mask}, nil

	case MgmtDiagAlarmTest:
		return []byte{uint8(MgmtDiagAlarmTest), p.AlarmTest.Index, boolByte(p.AlarmTest.Active)}, nil

	case MgmtRTUAdvert:
		return marshalAdvert(p.Advert)

	case MgmtRTUAdvertAck:
		return marshalAdvertAck(p.AdvertAck)

	default:
		return nil, fmt.Errorf("marshal mgmt: type %d: %w", p.Type, ErrMgmtBadType)
	}
}

// marshalAdvert serializes an RTU_ADVERT body:
// version(2) count(1) then per unit: type(1) index(1) reactor(1) nameLen(1) name.
func marshalAdvert(a *RTUAdvert) ([]byte, error) {
	n := 4
	for _, u := range a.Units {
		if len(u.Name) > 255 {
			return nil, fmt.Errorf("marshal mgmt: unit %q: %w", u.Name, ErrMgmtNameTooLong)
		}
		n += 4 + len(u.Name)
	}
	b := make([]byte, 0, n)
	b = append(b, uint8(MgmtRTUAdvert))
	b = binary.BigEndian.AppendUint16(b, a.Version)
	b = append(b, uint8(len(a.Units)))
	for _, u := range a.Units {
		b = append(b, uint8(u.Type), u.Index, u.Reactor, uint8(len(u.Name)))
		b = append(b, u.Name...)
	}
	return b, nil
}

// marshalAdvertAck serializes an RTU_ADVERT_ACK body:
// nAccepted(1) ids... nRejected(1) then per reject: index(1) reason(1).
func marshalAdvertAck(a *RTUAdvertAck) ([]byte, error) {
	b := make([]byte, 0, 3+len(a.Accepted)+2*len(a.Rejected))
	b = append(b, uint8(MgmtRTUAdvertAck), uint8(len(a.Accepted)))
	b = append(b, a.Accepted...)
	b = append(b, uint8(len(a.Rejected)))
	for _, r := range a.Rejected {
		b = append(b, r.Index, uint8(r.Reason))
	}
	return b, nil
}

// UnmarshalMgmt decodes a SCADA_MGMT payload.
func UnmarshalMgmt(buf []byte) (*MgmtPacket, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("unmarshal mgmt: empty payload: %w", ErrMgmtTruncated)
	}
	p := &MgmtPacket{Type: MgmtType(buf[0])}
	body := buf[1:]

	switch p.Type {
	case MgmtEstablish:
		if len(body) < 3 {
			return nil, mgmtTruncated("ESTABLISH")
		}
		p.Establish = &Establish{
			Version: binary.BigEndian.Uint16(body[0:2]),
			Kind:    SessionKind(body[2]),
		}

	case MgmtEstablishAck:
		if len(body) < 1 {
			return nil, mgmtTruncated("ESTABLISH_ACK")
		}
		p.EstablishAck = &EstablishAck{Result: EstablishResult(body[0])}

	case MgmtKeepAlive:
		if len(body) < 8 {
			return nil, mgmtTruncated("KEEP_ALIVE")
		}
		p.KeepAlive = &KeepAlive{EchoTS: int64(binary.BigEndian.Uint64(body[0:8]))}

	case MgmtClose:
		// No body.

	case MgmtRemounted:
		if len(body) < 1 {
			return nil, mgmtTruncated("REMOUNTED")
		}
		p.Remounted = &Remounted{UnitID: body[0]}

	case MgmtDiagToneTest:
		if len(body) < 1 {
			return nil, mgmtTruncated("DIAG_TONE_TEST")
		}
		p.ToneTest = &DiagToneTest{Mask: body[0]}

	case MgmtDiagAlarmTest:
		if len(body) < 2 {
			return nil, mgmtTruncated("DIAG_ALARM_TEST")
		}
		p.AlarmTest = &DiagAlarmTest{Index: body[0], Active: body[1] != 0}

	case MgmtRTUAdvert:
		a, err := unmarshalAdvert(body)
		if err != nil {
			return nil, err
		}
		p.Advert = a

	case MgmtRTUAdvertAck:
		a, err := unmarshalAdvertAck(body)
		if err != nil {
			return nil, err
		}
		p.AdvertAck = a

	default:
		return nil, fmt.Errorf("unmarshal mgmt: type %d: %w", buf[0], ErrMgmtBadType)
	}

	return p, nil
}

// unmarshalAdvert decodes an RTU_ADVERT body.
func unmarshalAdvert(body []byte) (*RTUAdvert, error) {
	if len(body) < 3 {
		return nil, mgmtTruncated("RTU_ADVERT")
	}
	a := &RTUAdvert{Version: binary.BigEndian.Uint16(body[0:2])}
	count := int(body[2])
	off := 3
	a.Units = make([]AdvertUnit, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < off+4 {
			return nil, mgmtTruncated("RTU_ADVERT")
		}
		u := AdvertUnit{
			Type:    RTUKind(body[off]),
			Index:   body[off+1],
			Reactor: body[off+2],
		}
		nameLen := int(body[off+3])
		off += 4
		if len(body) < off+nameLen {
			return nil, mgmtTruncated("RTU_ADVERT")
		}
		u.Name = string(body[off : off+nameLen])
		off += nameLen
		a.Units = append(a.Units, u)
	}
	return a, nil
}

// unmarshalAdvertAck decodes an RTU_ADVERT_ACK body.
func unmarshalAdvertAck(body []byte) (*RTUAdvertAck, error) {
	if len(body) < 1 {
		return nil, mgmtTruncated("RTU_ADVERT_ACK")
	}
	nAcc := int(body[0])
	off := 1
	if len(body) < off+nAcc+1 {
		return nil, mgmtTruncated("RTU_ADVERT_ACK")
	}
	a := &RTUAdvertAck{Accepted: append([]uint8(nil), body[off:off+nAcc]...)}
	off += nAcc
	nRej := int(body[off])
	off++
	if len(body) < off+2*nRej {
		return nil, mgmtTruncated("RTU_ADVERT_ACK")
	}
	a.Rejected = make([]AdvertReject, nRej)
	for i := 0; i < nRej; i++ {
		a.Rejected[i] = AdvertReject{
			Index:  body[off+2*i],
			Reason: AdvertReason(body[off+2*i+1]),
		}
	}
	return a, nil
}

// mgmtTruncated builds the common short-body decode error.
func mgmtTruncated(msg string) error {
	return fmt.Errorf("unmarshal mgmt: %s body: %w", msg, ErrMgmtTruncated)
}
