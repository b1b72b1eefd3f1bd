package supervisor

import (
	"github.com/dantte-lp/goscada/internal/protocol"
)

// This file implements the per-entry MODBUS server the supervisor pairs
// with each accepted RTU unit entry. The gateway pushes device state by
// writing coils and holding registers; the supervisor posts commands into
// discrete inputs and input registers for the gateway to read back.

// -------------------------------------------------------------------------
// Register Map
// -------------------------------------------------------------------------

// ModbusServer is one entry's register map instance. All access happens
// on the supervisor task.
type ModbusServer struct {
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16
}

// NewModbusServer allocates a register map with the given bank sizes.
func NewModbusServer(coils, discrete, holding, input int) *ModbusServer {
	return &ModbusServer{
		coils:    make([]bool, coils),
		discrete: make([]bool, discrete),
		holding:  make([]uint16, holding),
		input:    make([]uint16, input),
	}
}

// Rebind zeroes the device-pushed banks. Called when a device detaches
// so stale telemetry from the previous mount is not trusted.
func (m *ModbusServer) Rebind() {
	for i := range m.coils {
		m.coils[i] = false
	}
	for i := range m.holding {
		m.holding[i] = 0
	}
}

// Service executes one MODBUS request against the register map and
// produces the reply. Unknown functions and out-of-range addresses yield
// exception replies, never errors; the wire already validated framing.
func (m *ModbusServer) Service(q *protocol.MbRequest) *protocol.MbReply {
	r := &protocol.MbReply{UnitID: q.UnitID, Func: q.Func}

	switch q.Func {
	case protocol.MbReadCoils:
		r.Data, r.Exception = readBits(m.coils, q.Addr, q.Count)
	case protocol.MbReadDiscreteInputs:
		r.Data, r.Exception = readBits(m.discrete, q.Addr, q.Count)
	case protocol.MbReadHoldingRegs:
		r.Data, r.Exception = readRegs(m.holding, q.Addr, q.Count)
	case protocol.MbReadInputRegs:
		r.Data, r.Exception = readRegs(m.input, q.Addr, q.Count)
	case protocol.MbWriteSingleCoil:
		r.Exception = writeBits(m.coils, q.Addr, q.Values[:1])
	case protocol.MbWriteMultiCoils:
		r.Exception = writeBits(m.coils, q.Addr, q.Values)
	case protocol.MbWriteSingleReg:
		r.Exception = writeRegs(m.holding, q.Addr, q.Values[:1])
	case protocol.MbWriteMultiRegs:
		r.Exception = writeRegs(m.holding, q.Addr, q.Values)
	default:
		r.Exception = protocol.MbExIllegalFunction
	}

	return r
}

// readBits reads count bits starting at addr.
func readBits(bank []bool, addr, count uint16) ([]uint16, protocol.MbException) {
	if int(addr)+int(count) > len(bank) {
		return nil, protocol.MbExIllegalAddress
	}
	out := make([]uint16, count)
	for i := range out {
		if bank[int(addr)+i] {
			out[i] = 1
		}
	}
	return out, 0
}

// readRegs reads count registers starting at addr.
func readRegs(bank []uint16, addr, count uint16) ([]uint16, protocol.MbException) {
	if int(addr)+int(count) > len(bank) {
		return nil, protocol.MbExIllegalAddress
	}
	out := make([]uint16, count)
	copy(out, bank[addr:int(addr)+int(count)])
	return out, 0
}

// writeBits stores values as bits starting at addr.
func writeBits(bank []bool, addr uint16, values []uint16) protocol.MbException {
	if int(addr)+len(values) > len(bank) {
		return protocol.MbExIllegalAddress
	}
	for i, v := range values {
		bank[int(addr)+i] = v != 0
	}
	return 0
}

// writeRegs stores values starting at addr.
func writeRegs(bank []uint16, addr uint16, values []uint16) protocol.MbException {
	if int(addr)+len(values) > len(bank) {
		return protocol.MbExIllegalAddress
	}
	copy(bank[addr:], values)
	return 0
}

// -------------------------------------------------------------------------
// Supervisor-side accessors
// -------------------------------------------------------------------------

// Coil reads one gateway-pushed coil.
func (m *ModbusServer) Coil(addr int) bool {
	if addr < 0 || addr >= len(m.coils) {
		return false
	}
	return m.coils[addr]
}

// Holding reads one gateway-pushed holding register.
func (m *ModbusServer) Holding(addr int) uint16 {
	if addr < 0 || addr >= len(m.holding) {
		return 0
	}
	return m.holding[addr]
}

// Holding32 reads a 32-bit value spanning two holding registers,
// high word first.
func (m *ModbusServer) Holding32(addr int) uint32 {
	return uint32(m.Holding(addr))<<16 | uint32(m.Holding(addr+1))
}

// SetDiscrete posts one command bit for the gateway to read.
func (m *ModbusServer) SetDiscrete(addr int, v bool) {
	if addr >= 0 && addr < len(m.discrete) {
		m.discrete[addr] = v
	}
}

// SetInput posts one command register for the gateway to read.
func (m *ModbusServer) SetInput(addr int, v uint16) {
	if addr >= 0 && addr < len(m.input) {
		m.input[addr] = v
	}
}
