// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
)

// PacketHandler consumes one raw datagram. It is invoked with the
// transport lock held.
type PacketHandler interface {
	OnPacket(pkt []byte, adrFrom netip.AddrPort)
}

// BoundSocket is a send/receive interface pinned to one remote host.
type BoundSocket interface {
	// SendRawPacket hands one datagram to the operating system.
	// Non-blocking; a full send buffer drops the packet like the
	// network would.
	SendRawPacket(pkt []byte) error

	// SendRawPacketGather sends the concatenation of chunks as one
	// datagram, saving the caller a copy of every payload.
	SendRawPacketGather(chunks ...[]byte) error

	// RemoteAddr is the pinned peer address.
	RemoteAddr() netip.AddrPort

	// Close releases the binding. The underlying kernel socket stays
	// open if it is shared.
	Close() error
}

// normalizeAddr maps an address to its IPv6 form, so the fan-out map
// and identity comparisons never see a v4/v6-mapped mismatch.
func normalizeAddr(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port())
}

// SharedSocket is one kernel UDP socket shared between a listener and
// its accepted connections. Datagrams from a registered remote host go
// to that host's handler; everything else goes to the default handler,
// the listener's demux.
type SharedSocket struct {
	ctx  *Context
	conn *net.UDPConn

	defaultHandler PacketHandler
	remoteHosts    map[netip.AddrPort]PacketHandler

	closed bool
}

// NewSharedSocket binds a UDP socket on address and starts receiving.
func NewSharedSocket(tc *Context, address string, defaultHandler PacketHandler) (*SharedSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %v", address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	ss := &SharedSocket{
		ctx:            tc,
		conn:           conn,
		defaultHandler: defaultHandler,
		remoteHosts:    make(map[netip.AddrPort]PacketHandler),
	}
	go ss.readLoop()
	return ss, nil
}

func (ss *SharedSocket) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, adrFrom, err := ss.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			ss.ctx.lock()
			closed := ss.closed
			ss.ctx.unlock()
			if !closed {
				log.WithError(err).Error("Shared socket receive errored")
			}
			return
		}

		adrFrom = normalizeAddr(adrFrom)

		ss.ctx.lock()
		handler, bound := ss.remoteHosts[adrFrom]
		if !bound {
			handler = ss.defaultHandler
		}
		if handler != nil {
			handler.OnPacket(buf[:n], adrFrom)
		}
		ss.ctx.unlock()
	}
}

// LocalAddr is the bound address.
func (ss *SharedSocket) LocalAddr() netip.AddrPort {
	return normalizeAddr(ss.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// SendRawPacket sends one datagram to an arbitrary address; used by
// the listener for handshake and diagnostic replies.
func (ss *SharedSocket) SendRawPacket(pkt []byte, adrTo netip.AddrPort) error {
	// Addresses are kept v4-mapped; an IPv4 socket takes the plain form.
	adrTo = netip.AddrPortFrom(adrTo.Addr().Unmap(), adrTo.Port())
	_, err := ss.conn.WriteToUDPAddrPort(pkt, adrTo)
	return err
}

// AddRemoteHost routes all future datagrams from addr to handler and
// returns the per-peer bound socket. Callers hold the transport lock.
func (ss *SharedSocket) AddRemoteHost(addr netip.AddrPort, handler PacketHandler) (BoundSocket, error) {
	addr = normalizeAddr(addr)
	if _, exists := ss.remoteHosts[addr]; exists {
		return nil, fmt.Errorf("remote host %v is already bound", addr)
	}
	ss.remoteHosts[addr] = handler
	return &sharedBoundSocket{shared: ss, remote: addr}, nil
}

// Close shuts the kernel socket down. Callers hold the transport lock.
func (ss *SharedSocket) Close() error {
	if ss.closed {
		return nil
	}
	ss.closed = true
	return ss.conn.Close()
}

// sharedBoundSocket is the per-peer view onto a SharedSocket.
type sharedBoundSocket struct {
	shared *SharedSocket
	remote netip.AddrPort
}

func (sbs *sharedBoundSocket) SendRawPacket(pkt []byte) error {
	return sbs.shared.SendRawPacket(pkt, sbs.remote)
}

func (sbs *sharedBoundSocket) SendRawPacketGather(chunks ...[]byte) error {
	return sbs.shared.SendRawPacket(joinChunks(chunks), sbs.remote)
}

func (sbs *sharedBoundSocket) RemoteAddr() netip.AddrPort {
	return sbs.remote
}

func (sbs *sharedBoundSocket) Close() error {
	delete(sbs.shared.remoteHosts, sbs.remote)
	return nil
}

// ownedSocket is a client connection's private UDP socket, bound to
// one remote host.
type ownedSocket struct {
	ctx     *Context
	conn    *net.UDPConn
	remote  netip.AddrPort
	handler PacketHandler
	closed  bool
}

// OpenSocketBoundToHost creates a socket on an ephemeral local port
// talking to exactly one remote host.
func OpenSocketBoundToHost(tc *Context, remote netip.AddrPort, handler PacketHandler) (BoundSocket, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	os := &ownedSocket{
		ctx:     tc,
		conn:    conn,
		remote:  normalizeAddr(remote),
		handler: handler,
	}
	go os.readLoop()
	return os, nil
}

func (os *ownedSocket) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, adrFrom, err := os.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			os.ctx.lock()
			closed := os.closed
			os.ctx.unlock()
			if !closed {
				log.WithError(err).Error("Socket receive errored")
			}
			return
		}

		adrFrom = normalizeAddr(adrFrom)
		if adrFrom != os.remote {
			// Not our peer; a bound socket only talks to one host.
			continue
		}

		os.ctx.lock()
		if !os.closed {
			os.handler.OnPacket(buf[:n], adrFrom)
		}
		os.ctx.unlock()
	}
}

func (os *ownedSocket) SendRawPacket(pkt []byte) error {
	_, err := os.conn.WriteToUDPAddrPort(pkt, os.remote)
	return err
}

func (os *ownedSocket) SendRawPacketGather(chunks ...[]byte) error {
	return os.SendRawPacket(joinChunks(chunks))
}

func (os *ownedSocket) RemoteAddr() netip.AddrPort {
	return os.remote
}

func (os *ownedSocket) Close() error {
	if os.closed {
		return nil
	}
	os.closed = true
	return os.conn.Close()
}

// loopSocket is one end of an in-memory socket pair. A send invokes
// the peer's handler directly; the transport lock is already held on
// every send path, so dispatch is synchronous.
type loopSocket struct {
	addr    netip.AddrPort
	peer    *loopSocket
	handler PacketHandler
	closed  bool
}

// CreateBoundSocketPair wires two in-memory sockets to each other.
// Handlers are attached afterwards via setHandler, since the
// connections owning them are created later.
func CreateBoundSocketPair() (sock [2]*loopSocket) {
	sock[0] = &loopSocket{addr: netip.MustParseAddrPort("[::1]:1")}
	sock[1] = &loopSocket{addr: netip.MustParseAddrPort("[::1]:2")}
	sock[0].peer = sock[1]
	sock[1].peer = sock[0]
	return
}

func (ls *loopSocket) setHandler(handler PacketHandler) {
	ls.handler = handler
}

func (ls *loopSocket) SendRawPacket(pkt []byte) error {
	if ls.closed || ls.peer.closed {
		return fmt.Errorf("loopback socket is closed")
	}
	if ls.peer.handler != nil {
		// Copy: the receiver may hold onto the buffer past our send.
		cp := make([]byte, len(pkt))
		copy(cp, pkt)
		ls.peer.handler.OnPacket(cp, ls.addr)
	}
	return nil
}

func (ls *loopSocket) SendRawPacketGather(chunks ...[]byte) error {
	return ls.SendRawPacket(joinChunks(chunks))
}

func (ls *loopSocket) RemoteAddr() netip.AddrPort {
	return ls.peer.addr
}

func (ls *loopSocket) Close() error {
	ls.closed = true
	return nil
}

// joinChunks flattens a gather list into one buffer. UDP sends are a
// single syscall either way; the gather API saves the callers from
// copying payloads themselves.
func joinChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
