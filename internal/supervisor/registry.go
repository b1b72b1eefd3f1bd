package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/goscada/internal/facility"
	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// Registry Errors & Establish Codes
// -------------------------------------------------------------------------

// Sentinel errors for registry operations.
var (
	// ErrSessionNotFound indicates no session exists for the given key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoTransmit indicates the registry has no transmit hook wired.
	ErrNoTransmit = errors.New("registry transmit hook not set")
)

// EstablishCode is the internal verdict for a session establish attempt.
type EstablishCode uint8

const (
	// EstOK accepts the session.
	EstOK EstablishCode = iota

	// EstDuplicateReactor: another session already claims the reactor.
	EstDuplicateReactor

	// EstCollision: the (kind, addr) key already holds a session.
	EstCollision

	// EstBadVersion: comms version mismatch.
	EstBadVersion

	// EstBadReactor: reactor id outside [1, UnitCount].
	EstBadReactor
)

// String returns the human-readable name for the establish code.
func (c EstablishCode) String() string {
	switch c {
	case EstOK:
		return "OK"
	case EstDuplicateReactor:
		return "DUPLICATE_REACTOR"
	case EstCollision:
		return "COLLISION"
	case EstBadVersion:
		return "BAD_VERSION"
	case EstBadReactor:
		return "BAD_REACTOR"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// -------------------------------------------------------------------------
// Metrics Reporter
// -------------------------------------------------------------------------

// MetricsReporter receives session-layer metric events.
type MetricsReporter interface {
	SessionLinked(kind string)
	SessionClosed(kind string)
	IncPacketsSent(protocol string)
	IncPacketsReceived(protocol string)
	IncPacketsDropped(protocol string)
	IncAuthFailures()
	IncWatchdogTimeouts(kind string)
}

// noopMetrics ignores every event.
type noopMetrics struct{}

func (noopMetrics) SessionLinked(string)       {}
func (noopMetrics) SessionClosed(string)       {}
func (noopMetrics) IncPacketsSent(string)      {}
func (noopMetrics) IncPacketsReceived(string)  {}
func (noopMetrics) IncPacketsDropped(string)   {}
func (noopMetrics) IncAuthFailures()           {}
func (noopMetrics) IncWatchdogTimeouts(string) {}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// sessKey is the registry lookup key.
type sessKey struct {
	kind protocol.SessionKind
	addr uint16
}

// peerSession is the registry's view of a kind-specific session.
type peerSession interface {
	base() *Session
	onClose()
}

// Timeouts carries the per-role watchdog timeouts.
type Timeouts struct {
	PLC time.Duration
	RTU time.Duration
	CRD time.Duration
	PKT time.Duration
}

// Registry owns every peer session, keyed by (kind, remote address).
// All methods run on the supervisor task.
type Registry struct {
	logger  *slog.Logger
	metrics MetricsReporter
	fac     *facility.Facility

	timeouts Timeouts

	// transmit frames and sends a payload to a session's peer. Wired by
	// the owning supervisor before any traffic flows.
	transmit func(proto protocol.Protocol, s *Session, payload []byte)

	nextID   SessionID
	sessions map[sessKey]peerSession

	// reactorOwner enforces one PLC session per reactor unit.
	reactorOwner map[int]*PLCSession

	// Facility-wide singleton device entries.
	imatrix *RTUEntry
	sps     *RTUEntry
}

// NewRegistry creates an empty session registry bound to the facility.
func NewRegistry(fac *facility.Facility, timeouts Timeouts, logger *slog.Logger, metrics MetricsReporter) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		logger:       logger.With(slog.String("component", "registry")),
		metrics:      metrics,
		fac:          fac,
		timeouts:     timeouts,
		sessions:     make(map[sessKey]peerSession),
		reactorOwner: make(map[int]*PLCSession),
	}
}

// SetTransmit wires the outbound frame hook.
func (r *Registry) SetTransmit(fn func(proto protocol.Protocol, s *Session, payload []byte)) {
	r.transmit = fn
}

// Find returns the session for (kind, addr), or nil.
func (r *Registry) Find(kind protocol.SessionKind, addr uint16) peerSession {
	return r.sessions[sessKey{kind, addr}]
}

// FindAnyKind returns the session at addr regardless of kind, or nil.
// SCADA_MGMT traffic is routed this way since every role speaks it.
func (r *Registry) FindAnyKind(addr uint16) peerSession {
	for _, kind := range []protocol.SessionKind{
		protocol.KindPLC, protocol.KindRTU, protocol.KindCoordinator, protocol.KindPocket,
	} {
		if ps := r.sessions[sessKey{kind, addr}]; ps != nil {
			return ps
		}
	}
	return nil
}

// FindPLC returns the PLC session at addr, or nil.
func (r *Registry) FindPLC(addr uint16) *PLCSession {
	if ps, ok := r.sessions[sessKey{protocol.KindPLC, addr}].(*PLCSession); ok {
		return ps
	}
	return nil
}

// FindRTU returns the RTU session at addr, or nil.
func (r *Registry) FindRTU(addr uint16) *RTUSession {
	if rs, ok := r.sessions[sessKey{protocol.KindRTU, addr}].(*RTUSession); ok {
		return rs
	}
	return nil
}

// allocID hands out the next session id.
func (r *Registry) allocID() SessionID {
	r.nextID++
	return r.nextID
}

// -------------------------------------------------------------------------
// Establish
// -------------------------------------------------------------------------

// EstablishPLC creates a PLC session for a LINK_REQ. The verdict maps to
// the wire LinkResult the caller replies with.
func (r *Registry) EstablishPLC(addr uint16, version uint16, reactorID int, now time.Time) (*PLCSession, EstablishCode) {
	if version != protocol.CommsVersion {
		return nil, EstBadVersion
	}
	if reactorID < 1 || reactorID > r.fac.UnitCount() {
		return nil, EstBadReactor
	}
	if _, taken := r.sessions[sessKey{protocol.KindPLC, addr}]; taken {
		return nil, EstCollision
	}
	if owner := r.reactorOwner[reactorID]; owner != nil {
		return nil, EstDuplicateReactor
	}

	unit := r.fac.Unit(reactorID)
	ps := &PLCSession{
		Session:   newSession(r.allocID(), protocol.KindPLC, addr, r.timeouts.PLC, now),
		ReactorID: reactorID,
		unit:      unit,
		reg:       r,
	}
	ps.Session.Version = version
	ps.Session.Linked = true

	r.sessions[sessKey{protocol.KindPLC, addr}] = ps
	r.reactorOwner[reactorID] = ps
	unit.SetPLCLinked(true)
	r.metrics.SessionLinked(protocol.KindPLC.String())
	r.logger.Info("plc session established",
		slog.Int("reactor", reactorID),
		slog.Int("addr", int(addr)),
		slog.Uint64("session", uint64(ps.ID)),
	)
	return ps, EstOK
}

// EstablishRTU creates an RTU session from an advertisement, validating
// each advertised entry. The ack carries accepted unit ids and rejected
// advert indices so the gateway can warn.
func (r *Registry) EstablishRTU(addr uint16, advert *protocol.RTUAdvert, now time.Time) (*RTUSession, *protocol.RTUAdvertAck, EstablishCode) {
	if advert.Version != protocol.CommsVersion {
		return nil, nil, EstBadVersion
	}

	// A re-advertisement from a live session replaces its entry set; the
	// old session closes first so device projections reset cleanly.
	if existing, ok := r.sessions[sessKey{protocol.KindRTU, addr}]; ok {
		r.close(existing, "re-advertised")
	}

	rs := &RTUSession{
		Session: newSession(r.allocID(), protocol.KindRTU, addr, r.timeouts.RTU, now),
		reg:     r,
	}
	rs.Session.Version = advert.Version
	rs.Session.Linked = true

	ack := rs.acceptAdvert(advert.Units)

	r.sessions[sessKey{protocol.KindRTU, addr}] = rs
	r.metrics.SessionLinked(protocol.KindRTU.String())
	r.logger.Info("rtu session established",
		slog.Int("addr", int(addr)),
		slog.Int("accepted", len(ack.Accepted)),
		slog.Int("rejected", len(ack.Rejected)),
		slog.Uint64("session", uint64(rs.ID)),
	)
	return rs, ack, EstOK
}

// EstablishCoord creates a coordinator or pocket session.
func (r *Registry) EstablishCoord(addr uint16, version uint16, kind protocol.SessionKind, now time.Time) (*CoordSession, EstablishCode) {
	if version != protocol.CommsVersion {
		return nil, EstBadVersion
	}
	if kind != protocol.KindCoordinator && kind != protocol.KindPocket {
		return nil, EstCollision
	}
	if _, taken := r.sessions[sessKey{kind, addr}]; taken {
		return nil, EstCollision
	}
	// Only one coordinator may hold the facility link; pockets are
	// read-only and any number may attach.
	if kind == protocol.KindCoordinator {
		for key := range r.sessions {
			if key.kind == protocol.KindCoordinator {
				return nil, EstCollision
			}
		}
	}

	timeout := r.timeouts.CRD
	if kind == protocol.KindPocket {
		timeout = r.timeouts.PKT
	}
	cs := &CoordSession{
		Session: newSession(r.allocID(), kind, addr, timeout, now),
		reg:     r,
	}
	cs.Session.Version = version
	cs.Session.Linked = true

	r.sessions[sessKey{kind, addr}] = cs
	r.metrics.SessionLinked(kind.String())
	r.logger.Info("coordinator session established",
		slog.String("kind", kind.String()),
		slog.Int("addr", int(addr)),
		slog.Uint64("session", uint64(cs.ID)),
	)
	return cs, EstOK
}

// -------------------------------------------------------------------------
// Close & Tick
// -------------------------------------------------------------------------

// Close tears down the session with the given id, detaching its resources.
func (r *Registry) Close(id SessionID) error {
	for _, ps := range r.sessions {
		if ps.base().ID == id {
			r.close(ps, "closed")
			return nil
		}
	}
	return fmt.Errorf("close session %d: %w", id, ErrSessionNotFound)
}

// close removes a session and runs its kind-specific teardown.
func (r *Registry) close(ps peerSession, cause string) {
	s := ps.base()
	s.CancelWatchdog()
	delete(r.sessions, sessKey{s.Kind, s.Addr})
	ps.onClose()
	r.metrics.SessionClosed(s.Kind.String())
	r.logger.Info("session closed",
		slog.String("kind", s.Kind.String()),
		slog.Int("addr", int(s.Addr)),
		slog.String("cause", cause),
		slog.Uint64("session", uint64(s.ID)),
	)
}

// Tick scans sessions at the tick boundary: watchdog expiries prune the
// session, then RTU device projections are published to the facility.
// Burn command refresh is separate (RefreshCommands).
func (r *Registry) Tick(now time.Time) {
	var expired []peerSession
	for _, ps := range r.sessions {
		if ps.base().WatchdogExpired(now) {
			expired = append(expired, ps)
		}
	}
	for _, ps := range expired {
		r.metrics.IncWatchdogTimeouts(ps.base().Kind.String())
		r.close(ps, "watchdog timeout")
	}

	r.publishProjections()
}

// RefreshCommands re-drives the idempotent PLC burn setpoints. Runs after
// the facility control step so commands reflect this tick's distribution.
func (r *Registry) RefreshCommands() {
	for _, ps := range r.sessions {
		if plc, ok := ps.(*PLCSession); ok {
			plc.onTick()
		}
	}
}

// PollFormed runs the multiblock formed-state scan across RTU sessions.
// Called on its own sub-tick cadence (~250 ms).
func (r *Registry) PollFormed() {
	for _, ps := range r.sessions {
		if rtu, ok := ps.(*RTUSession); ok {
			rtu.pollFormed()
		}
	}
}

// publishProjections pushes typed RTU device projections into the
// facility model: cooling train link counts per unit, induction matrix
// telemetry, SPS link state, and the worst environment detector reading.
func (r *Registry) publishProjections() {
	type train struct {
		boilers  int
		turbines int
		fault    bool
		trip     bool
	}
	trains := make(map[int]*train)

	matrixLinked := false
	var charge, inflow, outflow float64
	spsLinked := false
	maxRad := 0.0

	for _, ps := range r.sessions {
		rtu, ok := ps.(*RTUSession)
		if !ok {
			continue
		}
		for _, e := range rtu.entries {
			switch e.Type {
			case protocol.KindBoilerValve, protocol.KindTurbineValve:
				t := trains[e.Reactor]
				if t == nil {
					t = &train{}
					trains[e.Reactor] = t
				}
				if e.HW == HWFaulted {
					t.fault = true
				}
				if e.HW != HWOK {
					continue
				}
				if e.Type == protocol.KindBoilerValve {
					t.boilers++
				} else {
					t.turbines++
					if e.srv.Coil(coilTurbineTrip) {
						t.trip = true
					}
				}
			case protocol.KindIMatrix:
				if e.HW == HWOK {
					matrixLinked = true
					charge = float64(e.srv.Holding(regMatrixCharge)) / chargeScale
					inflow = float64(e.srv.Holding32(regMatrixInput))
					outflow = float64(e.srv.Holding32(regMatrixOutput))
				}
			case protocol.KindSPS:
				spsLinked = e.HW == HWOK
			case protocol.KindEnvDetector:
				if e.HW == HWOK {
					rad := float64(e.srv.Holding32(regEnvRadiation)) / radScale
					if rad > maxRad {
						maxRad = rad
					}
				}
			}
		}
	}

	for id := 1; id <= r.fac.UnitCount(); id++ {
		u := r.fac.Unit(id)
		t := trains[id]
		if t == nil {
			u.SetDeviceLinks(0, 0, false)
			u.SetTurbineTrip(false)
			continue
		}
		u.SetDeviceLinks(t.boilers, t.turbines, t.fault)
		u.SetTurbineTrip(t.trip)
	}

	r.fac.SetMatrixState(matrixLinked, charge, inflow, outflow)
	r.fac.SetSPSLinked(spsLinked)
	r.fac.SetMaxRadiation(maxRad)
}

// send transmits a payload to a session's peer through the wired hook.
func (r *Registry) send(proto protocol.Protocol, s *Session, payload []byte) {
	if r.transmit == nil {
		r.logger.Error("dropping outbound packet", slog.String("error", ErrNoTransmit.Error()))
		return
	}
	r.transmit(proto, s, payload)
}

// broadcastMgmt sends a SCADA_MGMT payload to every coordinator and
// pocket session.
func (r *Registry) broadcastMgmt(payload []byte) {
	for _, ps := range r.sessions {
		if cs, ok := ps.(*CoordSession); ok {
			r.send(protocol.ProtoMgmt, cs.base(), payload)
		}
	}
}

// EachCoord visits every coordinator and pocket session.
func (r *Registry) EachCoord(fn func(*CoordSession)) {
	for _, ps := range r.sessions {
		if cs, ok := ps.(*CoordSession); ok {
			fn(cs)
		}
	}
}

// EachPLC visits every PLC session.
func (r *Registry) EachPLC(fn func(*PLCSession)) {
	for _, ps := range r.sessions {
		if plc, ok := ps.(*PLCSession); ok {
			fn(plc)
		}
	}
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int { return len(r.sessions) }
