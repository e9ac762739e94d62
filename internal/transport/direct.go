package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// Direct is a UDP socket bound on the local machine.
type Direct struct {
	deadlines
	conn   *net.UDPConn
	is4    bool
	sendMu sync.Mutex
}

// NewDirect binds a UDP socket to local. The socket only talks to addresses
// of local's family.
func NewDirect(local netip.AddrPort) (*Direct, error) {
	conn, err := net.ListenUDP(udpNetwork(local.Addr()), net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP to %s: %w", local, err)
	}

	d := &Direct{conn: conn, is4: is4(local.Addr())}
	d.deadlines.conn = conn
	return d, nil
}

// SendTo transmits b to addr.
func (d *Direct) SendTo(b []byte, addr netip.AddrPort) (int, error) {
	if is4(addr.Addr()) != d.is4 {
		return 0, fmt.Errorf("%w: cannot send to %s from %s", ErrAddressFamilyMismatch, addr, d.conn.LocalAddr())
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if err := d.armWrite(); err != nil {
		return 0, fmt.Errorf("set write deadline: %w", err)
	}
	n, err := d.conn.WriteToUDPAddrPort(b, addr)
	if err != nil {
		return n, classify(fmt.Sprintf("send to %s", addr), err)
	}
	return n, nil
}

// ReceiveFrom reads one datagram.
func (d *Direct) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	if err := d.armRead(); err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("set read deadline: %w", err)
	}
	n, from, err := d.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return n, netip.AddrPort{}, classify("receive", err)
	}
	return n, unmap(from), nil
}

// LocalAddr returns the local address the socket is bound to.
func (d *Direct) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Close closes the UDP socket.
func (d *Direct) Close() error {
	return d.conn.Close()
}
