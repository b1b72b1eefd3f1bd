package protocol_test

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/dantte-lp/goscada/internal/protocol"
)

// TestRPLCRoundTrip verifies every RPLC message type survives a
// marshal/unmarshal cycle with identical field values.
func TestRPLCRoundTrip(t *testing.T) {
	t.Parallel()

	packets := []protocol.RPLCPacket{
		{
			Type:    protocol.RPLCLinkReq,
			LinkReq: &protocol.LinkReq{Version: protocol.CommsVersion, ReactorID: 3},
		},
		{
			Type:    protocol.RPLCLinkAck,
			LinkAck: &protocol.LinkAck{Result: protocol.LinkCollision},
		},
		{
			Type: protocol.RPLCStatus,
			Status: &protocol.ReactorStatus{
				Formed:            true,
				Active:            true,
				BurnRate:          5.0,
				ActualBurnRate:    4.97,
				Temperature:       1042.5,
				Damage:            0.0,
				Fuel:              0.82,
				Waste:             0.13,
				CoolantFill:       0.99,
				HeatedCoolantFill: 0.42,
				HeatingRate:       52341.0,
			},
		},
		{
			Type:      protocol.RPLCRPSStatus,
			RPSStatus: &protocol.RPSStatus{Tripped: true, AutoSCRAM: true, Flags: 0x0209},
		},
		{
			Type:     protocol.RPLCRPSAlarm,
			RPSAlarm: &protocol.RPSAlarm{Cause: 4},
		},
		{
			Type:    protocol.RPLCCommand,
			Command: &protocol.ReactorCommand{Op: protocol.OpSetBurnRate, Value: 12.5},
		},
		{
			Type: protocol.RPLCTelemetryDelta,
			Delta: &protocol.TelemetryDelta{Fields: []protocol.TelemetryField{
				{Key: 0, Value: 5.5},
				{Key: 3, Value: math.Pi},
			}},
		},
	}

	for _, pkt := range packets {
		t.Run(pkt.Type.String(), func(t *testing.T) {
			t.Parallel()
			payload, err := pkt.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			out, err := protocol.UnmarshalRPLC(payload)
			if err != nil {
				t.Fatalf("UnmarshalRPLC: %v", err)
			}
			if !reflect.DeepEqual(&pkt, out) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, &pkt)
			}

			// Re-encoding the decoded packet must reproduce the bytes.
			again, err := out.Marshal()
			if err != nil {
				t.Fatalf("re-Marshal: %v", err)
			}
			if !reflect.DeepEqual(payload, again) {
				t.Errorf("re-encode differs: %x vs %x", payload, again)
			}
		})
	}
}

// TestRPLCDecodeErrors verifies truncated and unknown payloads fail.
func TestRPLCDecodeErrors(t *testing.T) {
	t.Parallel()

	if _, err := protocol.UnmarshalRPLC(nil); !errors.Is(err, protocol.ErrRPLCTruncated) {
		t.Errorf("empty = %v, want ErrRPLCTruncated", err)
	}
	if _, err := protocol.UnmarshalRPLC([]byte{0xEE}); !errors.Is(err, protocol.ErrRPLCBadType) {
		t.Errorf("unknown type = %v, want ErrRPLCBadType", err)
	}
	if _, err := protocol.UnmarshalRPLC([]byte{uint8(protocol.RPLCStatus), 1}); !errors.Is(err, protocol.ErrRPLCTruncated) {
		t.Errorf("short status = %v, want ErrRPLCTruncated", err)
	}
}

// TestMgmtRoundTrip verifies every SCADA_MGMT message type.
func TestMgmtRoundTrip(t *testing.T) {
	t.Parallel()

	packets := []protocol.MgmtPacket{
		{
			Type:      protocol.MgmtEstablish,
			Establish: &protocol.Establish{Version: protocol.CommsVersion, Kind: protocol.KindCoordinator},
		},
		{
			Type:         protocol.MgmtEstablishAck,
			EstablishAck: &protocol.EstablishAck{Result: protocol.EstablishOK},
		},
		{
			Type:      protocol.MgmtKeepAlive,
			KeepAlive: &protocol.KeepAlive{EchoTS: 918273645},
		},
		{Type: protocol.MgmtClose},
		{
			Type:      protocol.MgmtRemounted,
			Remounted: &protocol.Remounted{UnitID: 2},
		},
		{
			Type:     protocol.MgmtDiagToneTest,
			ToneTest: &protocol.DiagToneTest{Mask: 0b10100001},
		},
		{
			Type:      protocol.MgmtDiagAlarmTest,
			AlarmTest: &protocol.DiagAlarmTest{Index: 7, Active: true},
		},
		{
			Type: protocol.MgmtRTUAdvert,
			Advert: &protocol.RTUAdvert{
				Version: protocol.CommsVersion,
				Units: []protocol.AdvertUnit{
					{Type: protocol.KindIMatrix, Name: "induction_matrix_0", Index: 1, Reactor: 0},
					{Type: protocol.KindBoilerValve, Name: "boiler_1", Index: 1, Reactor: 1},
				},
			},
		},
		{
			Type: protocol.MgmtRTUAdvertAck,
			AdvertAck: &protocol.RTUAdvertAck{
				Accepted: []uint8{1, 2},
				Rejected: []protocol.AdvertReject{{Index: 2, Reason: protocol.RejectDuplicateIMatrix}},
			},
		},
	}

	for _, pkt := range packets {
		t.Run(pkt.Type.String(), func(t *testing.T) {
			t.Parallel()
			payload, err := pkt.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			out, err := protocol.UnmarshalMgmt(payload)
			if err != nil {
				t.Fatalf("UnmarshalMgmt: %v", err)
			}
			if !reflect.DeepEqual(&pkt, out) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, &pkt)
			}
		})
	}
}

// TestMgmtAdvertDecodeErrors verifies advert truncation handling.
func TestMgmtAdvertDecodeErrors(t *testing.T) {
	t.Parallel()

	// Advert declaring one unit but carrying none.
	buf := []byte{uint8(protocol.MgmtRTUAdvert), 0, 5, 1}
	if _, err := protocol.UnmarshalMgmt(buf); !errors.Is(err, protocol.ErrMgmtTruncated) {
		t.Errorf("truncated advert = %v, want ErrMgmtTruncated", err)
	}
}

// TestCoordRoundTrip verifies every COORD_DATA message type.
func TestCoordRoundTrip(t *testing.T) {
	t.Parallel()

	packets := []protocol.CoordPacket{
		{
			Type: protocol.CoordFacBuilds,
			FacBuilds: &protocol.FacBuilds{
				UnitCount: 4,
				Boilers:   []uint8{1, 0, 2, 1},
				Turbines:  []uint8{1, 1, 3, 2},
				TankMode:  3,
				TankDefs:  []uint8{2, 2, 2, 2},
				TankList:  []uint8{2, 0, 2, 0},
			},
		},
		{
			Type: protocol.CoordFacStatus,
			FacStatus: &protocol.FacStatus{
				Mode:         2,
				ModeSet:      2,
				UnitsReady:   true,
				ASCRAM:       false,
				ASCRAMReason: 0,
				Tones:        0b00000101,
				Charge:       0.42,
				AvgInflow:    125000,
				AvgOutflow:   90000,
				AvgNet:       35000,
				BurnTarget:   5.0,
				StatusLines:  [2]string{"BURN RATE CONTROL", ""},
			},
		},
		{
			Type: protocol.CoordFacCmd,
			FacCmd: &protocol.FacCommand{
				Op:         protocol.FacAutoStart,
				Mode:       2,
				BurnTarget: 5.0,
				Limits:     []float64{10, 10, 10, 10},
			},
		},
		{
			Type:       protocol.CoordUnitBuilds,
			UnitBuilds: &protocol.UnitBuilds{Unit: 2, Boilers: 1, Turbines: 2},
		},
		{
			Type: protocol.CoordUnitStatus,
			UnitStatus: &protocol.UnitStatus{
				Unit:          1,
				PLCLinked:     true,
				Ready:         true,
				Group:         1,
				AutoWaste:     true,
				BurnRate:      4.5,
				BurnLimit:     10,
				Temperature:   900.25,
				Damage:        0,
				AlarmsTripped: 0x0040,
				AlarmsAcked:   0x0001,
			},
		},
		{
			Type:    protocol.CoordUnitCmd,
			UnitCmd: &protocol.UnitCommand{Op: protocol.UnitSetBurn, Unit: 1, Value: 7.25},
		},
	}

	for _, pkt := range packets {
		t.Run(pkt.Type.String(), func(t *testing.T) {
			t.Parallel()
			payload, err := pkt.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			out, err := protocol.UnmarshalCoord(payload)
			if err != nil {
				t.Fatalf("UnmarshalCoord: %v", err)
			}
			if !reflect.DeepEqual(&pkt, out) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, &pkt)
			}
		})
	}
}

// TestModbusRoundTrip verifies request and reply codecs across the
// function code surface.
func TestModbusRoundTrip(t *testing.T) {
	t.Parallel()

	requests := []protocol.MbRequest{
		{UnitID: 1, Func: protocol.MbReadCoils, Addr: 0, Count: 8},
		{UnitID: 2, Func: protocol.MbReadInputRegs, Addr: 4, Count: 2},
		{UnitID: 3, Func: protocol.MbWriteSingleCoil, Addr: 0, Count: 1, Values: []uint16{1}},
		{UnitID: 4, Func: protocol.MbWriteMultiRegs, Addr: 2, Count: 3, Values: []uint16{100, 200, 300}},
	}
	for _, q := range requests {
		t.Run("request/"+q.Func.String(), func(t *testing.T) {
			t.Parallel()
			payload, err := q.MarshalRequest()
			if err != nil {
				t.Fatalf("MarshalRequest: %v", err)
			}
			out, err := protocol.UnmarshalRequest(payload)
			if err != nil {
				t.Fatalf("UnmarshalRequest: %v", err)
			}
			if !reflect.DeepEqual(&q, out) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, &q)
			}
		})
	}

	replies := []protocol.MbReply{
		{UnitID: 1, Func: protocol.MbReadCoils, Data: []uint16{1, 0, 1}},
		{UnitID: 2, Func: protocol.MbReadHoldingRegs, Data: []uint16{0xFFFF, 0}},
		{UnitID: 3, Func: protocol.MbWriteSingleReg, Exception: protocol.MbExIllegalAddress},
	}
	for _, r := range replies {
		t.Run("reply/"+r.Func.String(), func(t *testing.T) {
			t.Parallel()
			payload, err := r.MarshalReply()
			if err != nil {
				t.Fatalf("MarshalReply: %v", err)
			}
			out, err := protocol.UnmarshalReply(payload)
			if err != nil {
				t.Fatalf("UnmarshalReply: %v", err)
			}
			if r.Exception != 0 {
				if out.Exception != r.Exception || out.Func != r.Func {
					t.Errorf("error reply mismatch: %+v", out)
				}
				return
			}
			if !reflect.DeepEqual(&r, out) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, &r)
			}
		})
	}
}

// TestModbusDecodeErrors verifies request validation.
func TestModbusDecodeErrors(t *testing.T) {
	t.Parallel()

	if _, err := protocol.UnmarshalRequest([]byte{1, 2}); !errors.Is(err, protocol.ErrMbTruncated) {
		t.Errorf("short request = %v, want ErrMbTruncated", err)
	}
	if _, err := protocol.UnmarshalRequest([]byte{1, 99, 0, 0, 0, 1}); !errors.Is(err, protocol.ErrMbBadFunction) {
		t.Errorf("bad function = %v, want ErrMbBadFunction", err)
	}
	if _, err := protocol.UnmarshalRequest([]byte{1, 3, 0, 0, 0, 0}); !errors.Is(err, protocol.ErrMbCount) {
		t.Errorf("zero count = %v, want ErrMbCount", err)
	}
}
