// Package transport provides the datagram transports probes travel over:
// a plain UDP socket and a UDP session relayed through a SOCKS5 proxy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"dnsping/pkg/types"
)

var (
	// ErrTimedOut is returned when a read or write timeout elapses.
	ErrTimedOut = errors.New("timed out")
	// ErrProxy is returned when the SOCKS5 relay cannot be set up or was lost.
	ErrProxy = errors.New("socks5 proxy error")
	// ErrAddressFamilyMismatch is returned when IPv4 and IPv6 endpoints are mixed.
	ErrAddressFamilyMismatch = errors.New("address family mismatch")
)

// Transport sends and receives datagrams. SendTo and ReceiveFrom may be
// called concurrently from different goroutines.
type Transport interface {
	// SendTo writes b to addr.
	SendTo(b []byte, addr netip.AddrPort) (int, error)
	// ReceiveFrom blocks until a datagram arrives or the read timeout
	// elapses, in which case the error wraps ErrTimedOut.
	ReceiveFrom(b []byte) (int, netip.AddrPort, error)

	SetReadTimeout(d time.Duration) error
	SetWriteTimeout(d time.Duration) error
	ReadTimeout() time.Duration
	WriteTimeout() time.Duration

	// Wake makes a pending and every later ReceiveFrom return ErrTimedOut
	// immediately. It is used to stop a receiver that waits without timeout.
	Wake() error

	LocalAddr() net.Addr
	Close() error
}

// Open binds the transport variant the endpoint asks for.
func Open(ctx context.Context, ep types.Endpoint) (Transport, error) {
	if ep.Relayed() {
		if err := CheckFamily(ep.Destination.Addr(), ep.Proxy.Addr()); err != nil {
			return nil, err
		}
		var auth *Auth
		if ep.Username != "" || ep.Password != "" {
			auth = &Auth{Username: ep.Username, Password: ep.Password}
		}
		r, err := DialRelayed(ctx, ep.Proxy, auth)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	d, err := NewDirect(Unspecified(ep.Destination.Addr()))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CheckFamily fails with ErrAddressFamilyMismatch unless both addresses are
// IPv4 or both are IPv6.
func CheckFamily(a, b netip.Addr) error {
	if is4(a) != is4(b) {
		return fmt.Errorf("%w: %s and %s", ErrAddressFamilyMismatch, a, b)
	}
	return nil
}

// Unspecified returns the wildcard local address, port 0, of addr's family.
func Unspecified(addr netip.Addr) netip.AddrPort {
	if is4(addr) {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
}

func is4(a netip.Addr) bool {
	return a.Unmap().Is4()
}

func udpNetwork(a netip.Addr) string {
	if is4(a) {
		return "udp4"
	}
	return "udp6"
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// classify maps deadline expiry onto ErrTimedOut and wraps everything else.
func classify(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", op, ErrTimedOut)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// deadlines turns configured timeouts into per-call socket deadlines.
type deadlines struct {
	conn  *net.UDPConn
	read  atomic.Int64
	write atomic.Int64

	mu    sync.Mutex // orders Wake against armRead
	woken bool
}

func (d *deadlines) SetReadTimeout(t time.Duration) error {
	if t < 0 {
		return fmt.Errorf("negative read timeout %s", t)
	}
	d.read.Store(int64(t))
	return nil
}

func (d *deadlines) SetWriteTimeout(t time.Duration) error {
	if t < 0 {
		return fmt.Errorf("negative write timeout %s", t)
	}
	d.write.Store(int64(t))
	return nil
}

func (d *deadlines) ReadTimeout() time.Duration {
	return time.Duration(d.read.Load())
}

func (d *deadlines) WriteTimeout() time.Duration {
	return time.Duration(d.write.Load())
}

func (d *deadlines) Wake() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.woken = true
	log.Debug("Waking blocked receiver")
	return d.conn.SetReadDeadline(time.Now())
}

func (d *deadlines) armRead() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.woken {
		return d.conn.SetReadDeadline(time.Now())
	}
	return d.conn.SetReadDeadline(deadlineFor(d.ReadTimeout()))
}

func (d *deadlines) armWrite() error {
	return d.conn.SetWriteDeadline(deadlineFor(d.WriteTimeout()))
}

func deadlineFor(t time.Duration) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Now().Add(t)
}
