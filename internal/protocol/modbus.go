package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// This file implements the MODBUS-over-datagram codec used between the
// supervisor and RTU gateways. The function-code surface follows the
// standard MODBUS application protocol; transport framing is the common
// supervisor frame (ProtoModbus payloads).

// -------------------------------------------------------------------------
// Function Codes
// -------------------------------------------------------------------------

// MbFunc is a MODBUS function code.
type MbFunc uint8

const (
	// MbReadCoils reads discrete outputs (function 1).
	MbReadCoils MbFunc = 1

	// MbReadDiscreteInputs reads discrete inputs (function 2).
	MbReadDiscreteInputs MbFunc = 2

	// MbReadHoldingRegs reads holding registers (function 3).
	MbReadHoldingRegs MbFunc = 3

	// MbReadInputRegs reads input registers (function 4).
	MbReadInputRegs MbFunc = 4

	// MbWriteSingleCoil writes one discrete output (function 5).
	MbWriteSingleCoil MbFunc = 5

	// MbWriteSingleReg writes one holding register (function 6).
	MbWriteSingleReg MbFunc = 6

	// MbWriteMultiCoils writes multiple discrete outputs (function 15).
	MbWriteMultiCoils MbFunc = 15

	// MbWriteMultiRegs writes multiple holding registers (function 16).
	MbWriteMultiRegs MbFunc = 16

	// mbErrorBit marks an exception reply when set on the function code.
	mbErrorBit MbFunc = 0x80
)

// String returns the human-readable name for the function code.
func (f MbFunc) String() string {
	switch f {
	case MbReadCoils:
		return "ReadCoils"
	case MbReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case MbReadHoldingRegs:
		return "ReadHoldingRegs"
	case MbReadInputRegs:
		return "ReadInputRegs"
	case MbWriteSingleCoil:
		return "WriteSingleCoil"
	case MbWriteSingleReg:
		return "WriteSingleReg"
	case MbWriteMultiCoils:
		return "WriteMultiCoils"
	case MbWriteMultiRegs:
		return "WriteMultiRegs"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(f))
	}
}

// Valid reports whether f is a supported request function code.
func (f MbFunc) Valid() bool {
	switch f {
	case MbReadCoils, MbReadDiscreteInputs, MbReadHoldingRegs, MbReadInputRegs,
		MbWriteSingleCoil, MbWriteSingleReg, MbWriteMultiCoils, MbWriteMultiRegs:
		return true
	default:
		return false
	}
}

// IsWrite reports whether f mutates device state.
func (f MbFunc) IsWrite() bool {
	switch f {
	case MbWriteSingleCoil, MbWriteSingleReg, MbWriteMultiCoils, MbWriteMultiRegs:
		return true
	default:
		return false
	}
}

// MbException is a MODBUS exception code carried in error replies.
type MbException uint8

const (
	// MbExIllegalFunction indicates the function code is not supported.
	MbExIllegalFunction MbException = 1

	// MbExIllegalAddress indicates the register address range is invalid.
	MbExIllegalAddress MbException = 2

	// MbExIllegalValue indicates a value in the request is invalid.
	MbExIllegalValue MbException = 3

	// MbExDeviceFailure indicates the backing device failed to service
	// the request (unformed or faulted hardware).
	MbExDeviceFailure MbException = 4
)

// String returns the human-readable name for the exception code.
func (e MbException) String() string {
	switch e {
	case MbExIllegalFunction:
		return "IllegalFunction"
	case MbExIllegalAddress:
		return "IllegalAddress"
	case MbExIllegalValue:
		return "IllegalValue"
	case MbExDeviceFailure:
		return "DeviceFailure"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(e))
	}
}

// -------------------------------------------------------------------------
// Request / Reply
// -------------------------------------------------------------------------

// MbRequest is a decoded MODBUS request addressed to one RTU unit entry.
//
// Discrete (coil) values are carried in Values as 0 or 1; the register
// width on the wire is uniform (16-bit big endian) for both kinds.
type MbRequest struct {
	// UnitID addresses the RTU unit entry within the gateway.
	UnitID uint8

	// Func is the MODBUS function code.
	Func MbFunc

	// Addr is the starting register or coil address.
	Addr uint16

	// Count is the number of registers or coils for read requests and
	// multi-writes. Single writes carry Count == 1.
	Count uint16

	// Values holds write payloads, one element per register or coil.
	// Empty for reads.
	Values []uint16
}

// MbReply is a decoded MODBUS reply.
type MbReply struct {
	// UnitID echoes the request's unit entry id.
	UnitID uint8

	// Func echoes the request function code; the error bit is folded into
	// Exception instead of the code itself.
	Func MbFunc

	// Exception is nonzero for error replies.
	Exception MbException

	// Data holds read results, one element per register or coil.
	Data []uint16
}

// Ok reports whether the reply is a success reply.
func (r *MbReply) Ok() bool { return r.Exception == 0 }

// Sentinel errors for MODBUS decoding.
var (
	// ErrMbTruncated indicates the payload is shorter than its declared content.
	ErrMbTruncated = errors.New("modbus payload truncated")

	// ErrMbBadFunction indicates an unsupported function code.
	ErrMbBadFunction = errors.New("modbus function code not supported")

	// ErrMbCount indicates a zero or oversized count field.
	ErrMbCount = errors.New("modbus count out of range")
)

// mbMaxCount bounds a single request to keep frames within MaxPayloadSize.
const mbMaxCount = 125

// -------------------------------------------------------------------------
// Codec
// -------------------------------------------------------------------------

// MarshalRequest serializes a MODBUS request payload.
//
// Wire layout: unit(1) func(1) addr(2) count(2) [values: count*2].
func (q *MbRequest) MarshalRequest() ([]byte, error) {
	if !q.Func.Valid() {
		return nil, fmt.Errorf("marshal modbus request: %s: %w", q.Func, ErrMbBadFunction)
	}
	if q.Count == 0 || q.Count > mbMaxCount {
		return nil, fmt.Errorf("marshal modbus request: count %d: %w", q.Count, ErrMbCount)
	}
	n := 6
	if q.Func.IsWrite() {
		n += 2 * len(q.Values)
	}
	buf := make([]byte, n)
	buf[0] = q.UnitID
	buf[1] = uint8(q.Func)
	binary.BigEndian.PutUint16(buf[2:4], q.Addr)
	binary.BigEndian.PutUint16(buf[4:6], q.Count)
	if q.Func.IsWrite() {
		for i, v := range q.Values {
			binary.BigEndian.PutUint16(buf[6+2*i:], v)
		}
	}
	return buf, nil
}

// UnmarshalRequest decodes a MODBUS request payload.
func UnmarshalRequest(buf []byte) (*MbRequest, error) {
	if len(buf) < 6 {
		return nil, fmt.Errorf("unmarshal modbus request: %d bytes: %w", len(buf), ErrMbTruncated)
	}
	q := &MbRequest{
		UnitID: buf[0],
		Func:   MbFunc(buf[1]),
		Addr:   binary.BigEndian.Uint16(buf[2:4]),
		Count:  binary.BigEndian.Uint16(buf[4:6]),
	}
	if !q.Func.Valid() {
		return nil, fmt.Errorf("unmarshal modbus request: code %d: %w", buf[1], ErrMbBadFunction)
	}
	if q.Count == 0 || q.Count > mbMaxCount {
		return nil, fmt.Errorf("unmarshal modbus request: count %d: %w", q.Count, ErrMbCount)
	}
	if q.Func.IsWrite() {
		want := int(q.Count)
		if q.Func == MbWriteSingleCoil || q.Func == MbWriteSingleReg {
			want = 1
		}
		if len(buf) < 6+2*want {
			return nil, fmt.Errorf("unmarshal modbus request: %d values declared: %w", want, ErrMbTruncated)
		}
		q.Values = make([]uint16, want)
		for i := range q.Values {
			q.Values[i] = binary.BigEndian.Uint16(buf[6+2*i:])
		}
	}
	return q, nil
}

// MarshalReply serializes a MODBUS reply payload.
//
// Wire layout: unit(1) func(1) [success: count(2) data: count*2]
// or [error: func|0x80, excode(1)].
func (r *MbReply) MarshalReply() ([]byte, error) {
	if r.Exception != 0 {
		return []byte{r.UnitID, uint8(r.Func | mbErrorBit), uint8(r.Exception)}, nil
	}
	if len(r.Data) > mbMaxCount {
		return nil, fmt.Errorf("marshal modbus reply: %d values: %w", len(r.Data), ErrMbCount)
	}
	buf := make([]byte, 4+2*len(r.Data))
	buf[0] = r.UnitID
	buf[1] = uint8(r.Func)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.Data)))
	for i, v := range r.Data {
		binary.BigEndian.PutUint16(buf[4+2*i:], v)
	}
	return buf, nil
}

// UnmarshalReply decodes a MODBUS reply payload.
func UnmarshalReply(buf []byte) (*MbReply, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("unmarshal modbus reply: %d bytes: %w", len(buf), ErrMbTruncated)
	}
	r := &MbReply{UnitID: buf[0], Func: MbFunc(buf[1])}
	if r.Func&mbErrorBit != 0 {
		if len(buf) < 3 {
			return nil, fmt.Errorf("unmarshal modbus reply: error reply: %w", ErrMbTruncated)
		}
		r.Func &^= mbErrorBit
		r.Exception = MbException(buf[2])
		return r, nil
	}
	if !r.Func.Valid() {
		return nil, fmt.Errorf("unmarshal modbus reply: code %d: %w", buf[1], ErrMbBadFunction)
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("unmarshal modbus reply: %d bytes: %w", len(buf), ErrMbTruncated)
	}
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	if count > mbMaxCount {
		return nil, fmt.Errorf("unmarshal modbus reply: count %d: %w", count, ErrMbCount)
	}
	if len(buf) < 4+2*count {
		return nil, fmt.Errorf("unmarshal modbus reply: %d values declared: %w", count, ErrMbTruncated)
	}
	r.Data = make([]uint16, count)
	for i := range r.Data {
		r.Data[i] = binary.BigEndian.Uint16(buf[4+2*i:])
	}
	return r, nil
}
