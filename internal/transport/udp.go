package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/dantte-lp/goscada/internal/protocol"
)

// -------------------------------------------------------------------------
// UDPTransport — channel-per-port datagram transport
// -------------------------------------------------------------------------

// initialTTL is the TTL senders stamp on outbound datagrams. Receivers
// derive hop distance as initialTTL minus the received TTL, mirroring the
// trusted-range checks used by TTL-security-aware protocols.
const initialTTL = 255

// recvQueueSize buffers received datagrams between the per-channel reader
// goroutines and Recv callers.
const recvQueueSize = 64

// UDPTransport maps supervisor channels onto UDP ports of a single bind
// address. Each opened channel gets its own socket and reader goroutine;
// all readers funnel into one receive queue.
type UDPTransport struct {
	bindIP net.IP
	peerIP net.IP
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[uint16]*ipv4.PacketConn
	closed bool

	recvCh chan Datagram
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewUDP creates a UDP transport bound to bindIP, sending to peerIP.
// In a facility deployment both are typically the same broadcast domain
// address; loopback works for single-host bench setups.
func NewUDP(bindIP, peerIP net.IP, logger *slog.Logger) *UDPTransport {
	return &UDPTransport{
		bindIP: bindIP,
		peerIP: peerIP,
		logger: logger.With(slog.String("component", "transport.udp")),
		conns:  make(map[uint16]*ipv4.PacketConn),
		recvCh: make(chan Datagram, recvQueueSize),
		done:   make(chan struct{}),
	}
}

// Open binds the channel's UDP port and starts its reader goroutine.
func (t *UDPTransport) Open(channel uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.conns[channel]; ok {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: t.bindIP, Port: int(channel)})
	if err != nil {
		return fmt.Errorf("open channel %d: %w", channel, err)
	}
	pc := ipv4.NewPacketConn(conn)
	// TTL control messages give us the hop distance of each datagram.
	if err := pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		t.logger.Warn("TTL control messages unavailable, distance reported as 0",
			slog.String("error", err.Error()),
		)
	}
	t.conns[channel] = pc

	t.wg.Add(1)
	go t.readLoop(channel, pc)
	return nil
}

// readLoop receives datagrams on one channel socket until Close.
func (t *UDPTransport) readLoop(channel uint16, pc *ipv4.PacketConn) {
	defer t.wg.Done()
	for {
		bufp := protocol.FramePool.Get().(*[]byte)
		n, cm, src, err := pc.ReadFrom(*bufp)
		if err != nil {
			protocol.FramePool.Put(bufp)
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Debug("read failed", slog.String("error", err.Error()))
			continue
		}

		payload := make([]byte, n)
		copy(payload, (*bufp)[:n])
		protocol.FramePool.Put(bufp)

		dist := 0
		if cm != nil && cm.TTL > 0 && cm.TTL <= initialTTL {
			dist = initialTTL - cm.TTL
		}
		srcChannel := uint16(0)
		if ua, ok := src.(*net.UDPAddr); ok {
			srcChannel = uint16(ua.Port)
		}

		select {
		case t.recvCh <- Datagram{Src: srcChannel, Dst: channel, Payload: payload, Distance: dist}:
		case <-t.done:
			return
		default:
			t.logger.Debug("receive queue full, dropping datagram",
				slog.Int("channel", int(channel)),
			)
		}
	}
}

// Send transmits payload to dst from the socket bound to src.
func (t *UDPTransport) Send(src, dst uint16, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	pc, ok := t.conns[src]
	if !ok {
		return fmt.Errorf("send from channel %d: %w", src, ErrChannelNotOpen)
	}
	cm := &ipv4.ControlMessage{TTL: initialTTL}
	_, err := pc.WriteTo(payload, cm, &net.UDPAddr{IP: t.peerIP, Port: int(dst)})
	if err != nil {
		return fmt.Errorf("send to channel %d: %w", dst, err)
	}
	return nil
}

// Recv blocks until a datagram arrives on any opened channel.
func (t *UDPTransport) Recv(ctx context.Context) (Datagram, error) {
	select {
	case d := <-t.recvCh:
		return d, nil
	case <-t.done:
		return Datagram{}, ErrClosed
	case <-ctx.Done():
		return Datagram{}, fmt.Errorf("transport recv: %w", ctx.Err())
	}
}

// Close shuts all sockets down and stops the reader goroutines.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	for ch, pc := range t.conns {
		if err := pc.Close(); err != nil {
			t.logger.Debug("close channel failed",
				slog.Int("channel", int(ch)),
				slog.String("error", err.Error()),
			)
		}
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
