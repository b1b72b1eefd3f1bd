// Package supervisor implements the supervisor's session layer: the
// registry of PLC, RTU, coordinator, and pocket sessions, packet routing,
// per-session watchdogs, and the MODBUS pairing for RTU device entries.
package supervisor

import (
	"time"

	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// Session — common per-peer state
// -------------------------------------------------------------------------

// SessionID uniquely identifies a session for its lifetime.
type SessionID uint32

// Session holds the state every peer session shares: identity, sequence
// tracking in both directions, and the liveness watchdog. Kind-specific
// state lives in the embedding session types.
//
// All mutation happens on the supervisor task; sessions are not shared
// across goroutines.
type Session struct {
	// ID is the registry-assigned session id.
	ID SessionID

	// Kind is the peer role.
	Kind protocol.SessionKind

	// Addr is the peer's transport channel address.
	Addr uint16

	// Version is the peer's announced comms version.
	Version uint16

	// Linked is true once the handshake completed.
	Linked bool

	seqTx   uint32
	seqRx   protocol.SeqWindow
	lastRx  time.Time
	timeout time.Duration
	armed   bool
}

// newSession initializes the shared state with an armed watchdog.
func newSession(id SessionID, kind protocol.SessionKind, addr uint16, timeout time.Duration, now time.Time) Session {
	return Session{
		ID:      id,
		Kind:    kind,
		Addr:    addr,
		timeout: timeout,
		lastRx:  now,
		armed:   true,
	}
}

// NextSeq returns the next outbound sequence number.
func (s *Session) NextSeq() uint32 {
	s.seqTx++
	return s.seqTx
}

// CheckSeq validates an inbound sequence number against the replay window.
func (s *Session) CheckSeq(seq uint32) error {
	return s.seqRx.Check(seq)
}

// TouchRx re-arms the watchdog on a valid inbound packet.
func (s *Session) TouchRx(now time.Time) {
	s.lastRx = now
	s.armed = true
}

// CancelWatchdog disarms the watchdog during link teardown so a close in
// flight does not race a timeout.
func (s *Session) CancelWatchdog() { s.armed = false }

// WatchdogExpired reports whether the liveness deadline passed. Sessions
// are pruned at the tick boundary following expiry.
func (s *Session) WatchdogExpired(now time.Time) bool {
	return s.armed && now.Sub(s.lastRx) > s.timeout
}

// LastRx returns the time of the last valid inbound packet.
func (s *Session) LastRx() time.Time { return s.lastRx }
