package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/goscada/internal/protocol"
)

// TestFrameRoundTripUnauthenticated verifies header fields and payload
// survive a marshal/unmarshal cycle byte for byte.
func TestFrameRoundTripUnauthenticated(t *testing.T) {
	t.Parallel()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x42}
	f := protocol.Frame{
		Seq:      1234,
		Protocol: protocol.ProtoRPLC,
		Payload:  payload,
	}

	buf := make([]byte, protocol.MaxFrameSize)
	n, err := protocol.MarshalFrame(&f, nil, buf)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	if n != protocol.FrameHeaderSize+len(payload) {
		t.Fatalf("marshal size = %d, want %d", n, protocol.FrameHeaderSize+len(payload))
	}

	var out protocol.Frame
	if err := protocol.UnmarshalFrame(buf[:n], &out); err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}

	if out.Seq != f.Seq {
		t.Errorf("seq = %d, want %d", out.Seq, f.Seq)
	}
	if out.Protocol != f.Protocol {
		t.Errorf("protocol = %s, want %s", out.Protocol, f.Protocol)
	}
	if out.Authenticated {
		t.Error("authenticated = true, want false")
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Errorf("payload = %x, want %x", out.Payload, payload)
	}
}

// TestFrameRoundTripAuthenticated verifies the auth trailer is appended,
// verified, and the timestamp carried through.
func TestFrameRoundTripAuthenticated(t *testing.T) {
	t.Parallel()

	key := []byte("facility-shared-key")
	f := protocol.Frame{
		Seq:       77,
		Protocol:  protocol.ProtoMgmt,
		Timestamp: 123456,
		Payload:   []byte{1, 2, 3},
	}

	buf := make([]byte, protocol.MaxFrameSize)
	n, err := protocol.MarshalFrame(&f, key, buf)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	var out protocol.Frame
	if err := protocol.UnmarshalFrame(buf[:n], &out); err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	if !out.Authenticated {
		t.Fatal("authenticated = false, want true")
	}
	if out.Timestamp != f.Timestamp {
		t.Errorf("timestamp = %d, want %d", out.Timestamp, f.Timestamp)
	}

	// Receiver clock within the skew window.
	if err := out.Verify(key, f.Timestamp+protocol.MaxAuthSkewMillis); err != nil {
		t.Errorf("Verify at skew edge: %v", err)
	}
}

// TestFrameVerifyFailures exercises the auth rejection paths.
func TestFrameVerifyFailures(t *testing.T) {
	t.Parallel()

	key := []byte("facility-shared-key")
	f := protocol.Frame{
		Seq:       9,
		Protocol:  protocol.ProtoCoord,
		Timestamp: 1000,
		Payload:   []byte{0xAA, 0xBB},
	}

	buf := make([]byte, protocol.MaxFrameSize)
	n, err := protocol.MarshalFrame(&f, key, buf)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	t.Run("wrong key", func(t *testing.T) {
		t.Parallel()
		var out protocol.Frame
		good := append([]byte(nil), buf[:n]...)
		if err := protocol.UnmarshalFrame(good, &out); err != nil {
			t.Fatalf("UnmarshalFrame: %v", err)
		}
		if err := out.Verify([]byte("some-other-key!!"), 1000); !errors.Is(err, protocol.ErrBadMAC) {
			t.Errorf("Verify = %v, want ErrBadMAC", err)
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		t.Parallel()
		tampered := append([]byte(nil), buf[:n]...)
		tampered[protocol.FrameHeaderSize] ^= 0xFF
		var out protocol.Frame
		if err := protocol.UnmarshalFrame(tampered, &out); err != nil {
			t.Fatalf("UnmarshalFrame: %v", err)
		}
		if err := out.Verify(key, 1000); !errors.Is(err, protocol.ErrBadMAC) {
			t.Errorf("Verify = %v, want ErrBadMAC", err)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		t.Parallel()
		var out protocol.Frame
		good := append([]byte(nil), buf[:n]...)
		if err := protocol.UnmarshalFrame(good, &out); err != nil {
			t.Fatalf("UnmarshalFrame: %v", err)
		}
		if err := out.Verify(key, 1000+protocol.MaxAuthSkewMillis+1); !errors.Is(err, protocol.ErrStaleFrame) {
			t.Errorf("Verify = %v, want ErrStaleFrame", err)
		}
	})

	t.Run("unauthenticated frame with key configured", func(t *testing.T) {
		t.Parallel()
		plain := protocol.Frame{Seq: 1, Protocol: protocol.ProtoRPLC, Payload: []byte{1}}
		pbuf := make([]byte, protocol.MaxFrameSize)
		pn, err := protocol.MarshalFrame(&plain, nil, pbuf)
		if err != nil {
			t.Fatalf("MarshalFrame: %v", err)
		}
		var out protocol.Frame
		if err := protocol.UnmarshalFrame(pbuf[:pn], &out); err != nil {
			t.Fatalf("UnmarshalFrame: %v", err)
		}
		if err := out.Verify(key, 0); !errors.Is(err, protocol.ErrNotAuthenticated) {
			t.Errorf("Verify = %v, want ErrNotAuthenticated", err)
		}
	})
}

// TestFrameDecodeErrors exercises the structural rejection paths.
func TestFrameDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{
			name:    "too short",
			buf:     []byte{1, 2, 3},
			wantErr: protocol.ErrFrameTooShort,
		},
		{
			name:    "unknown protocol tag",
			buf:     []byte{0, 0, 0, 1, 0x7F, 0, 0, 0},
			wantErr: protocol.ErrUnknownProtocol,
		},
		{
			name:    "declared length exceeds datagram",
			buf:     []byte{0, 0, 0, 1, 1, 0, 0, 9, 1, 2},
			wantErr: protocol.ErrLengthMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f protocol.Frame
			err := protocol.UnmarshalFrame(tt.buf, &f)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UnmarshalFrame = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestSeqWindow verifies the replay window semantics: first frame primes,
// advances are accepted, small regressions tolerated, large regressions
// rejected.
func TestSeqWindow(t *testing.T) {
	t.Parallel()

	var w protocol.SeqWindow

	if err := w.Check(100); err != nil {
		t.Fatalf("priming seq: %v", err)
	}
	if err := w.Check(101); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// Reordered datagram inside the window.
	if err := w.Check(101 - protocol.SeqReplayWindow); err != nil {
		t.Errorf("in-window regression rejected: %v", err)
	}
	// Replay beyond the window.
	if err := w.Check(101 - protocol.SeqReplayWindow - 1); !errors.Is(err, protocol.ErrReplay) {
		t.Errorf("replay = %v, want ErrReplay", err)
	}

	w.Reset()
	if err := w.Check(1); err != nil {
		t.Errorf("post-reset priming: %v", err)
	}
}
