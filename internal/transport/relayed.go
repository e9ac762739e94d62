package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxUDPHeader is the largest RFC 1928 UDP request header we produce or accept.
const maxUDPHeader = 4 + 16 + 2

// Relayed is a UDP session relayed through a SOCKS5 proxy. The TCP control
// connection stays open for the lifetime of the session; once the proxy closes
// it every operation fails with ErrProxy.
type Relayed struct {
	deadlines
	ctrl  net.Conn
	conn  *net.UDPConn
	proxy netip.AddrPort
	relay netip.AddrPort

	sendMu sync.Mutex
	recvMu sync.Mutex
	rbuf   []byte

	done    chan struct{}
	ctrlErr error
	closing atomic.Bool
}

// DialRelayed performs the SOCKS5 handshake with proxy and sets up a UDP
// ASSOCIATE session. The context bounds the handshake only.
func DialRelayed(ctx context.Context, proxy netip.AddrPort, auth *Auth) (*Relayed, error) {
	proxy = unmap(proxy)
	conn, err := net.ListenUDP(udpNetwork(proxy.Addr()), net.UDPAddrFromAddrPort(Unspecified(proxy.Addr())))
	if err != nil {
		return nil, fmt.Errorf("%w: bind UDP: %v", ErrProxy, err)
	}

	relay, ctrl, err := handshake(ctx, proxy, auth, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := &Relayed{
		ctrl:  ctrl,
		conn:  conn,
		proxy: proxy,
		relay: relay,
		rbuf:  make([]byte, 65535+maxUDPHeader),
		done:  make(chan struct{}),
	}
	r.deadlines.conn = conn
	go r.watch()

	log.WithFields(log.Fields{
		"proxy": proxy,
		"relay": relay,
		"local": conn.LocalAddr(),
	}).Debug("SOCKS5 UDP session established")
	return r, nil
}

func handshake(ctx context.Context, proxy netip.AddrPort, auth *Auth, conn *net.UDPConn) (netip.AddrPort, net.Conn, error) {
	var dialer net.Dialer
	ctrl, err := dialer.DialContext(ctx, "tcp", proxy.String())
	if err != nil {
		return netip.AddrPort{}, nil, fmt.Errorf("%w: connect %s: %v", ErrProxy, proxy, err)
	}

	fail := func(step string, err error) (netip.AddrPort, net.Conn, error) {
		ctrl.Close()
		return netip.AddrPort{}, nil, fmt.Errorf("%w: %s: %v", ErrProxy, step, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = ctrl.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ctrl.SetDeadline(time.Now())
	})

	if _, err := socksGreeting(ctrl, auth); err != nil {
		stop()
		return fail("greeting", err)
	}

	local := netip.AddrPortFrom(Unspecified(proxy.Addr()).Addr(), uint16(conn.LocalAddr().(*net.UDPAddr).Port))
	relay, err := udpAssociate(ctrl, local)
	if err != nil {
		stop()
		return fail("associate", err)
	}
	if !stop() {
		return fail("handshake", ctx.Err())
	}
	_ = ctrl.SetDeadline(time.Time{})

	if relay.Addr().IsUnspecified() {
		relay = netip.AddrPortFrom(proxy.Addr(), relay.Port())
	}
	if err := CheckFamily(relay.Addr(), proxy.Addr()); err != nil {
		return fail("associate", err)
	}
	return relay, ctrl, nil
}

// watch drains the control connection until the proxy closes it.
func (r *Relayed) watch() {
	_, err := io.Copy(io.Discard, r.ctrl)
	if err == nil {
		err = io.EOF
	}
	r.ctrlErr = err
	close(r.done)

	// A receive without read timeout would otherwise never see the loss.
	if werr := r.Wake(); werr != nil && !r.closing.Load() {
		log.WithError(werr).Debug("Failed to interrupt pending receive")
	}

	if !r.closing.Load() {
		log.WithError(err).WithField("proxy", r.proxy).Warn("SOCKS5 control connection lost")
	}
}

func (r *Relayed) alive() error {
	select {
	case <-r.done:
		return fmt.Errorf("%w: control connection to %s lost: %v", ErrProxy, r.proxy, r.ctrlErr)
	default:
		return nil
	}
}

// SendTo wraps b in a UDP request header and sends it to the relay.
func (r *Relayed) SendTo(b []byte, addr netip.AddrPort) (int, error) {
	if is4(addr.Addr()) != is4(r.relay.Addr()) {
		return 0, fmt.Errorf("%w: cannot relay to %s through %s", ErrAddressFamilyMismatch, addr, r.proxy)
	}
	if err := r.alive(); err != nil {
		return 0, err
	}

	pkt := appendUDPHeader(make([]byte, 0, maxUDPHeader+len(b)), addr)
	hdrLen := len(pkt)
	pkt = append(pkt, b...)

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if err := r.armWrite(); err != nil {
		return 0, fmt.Errorf("set write deadline: %w", err)
	}
	n, err := r.conn.WriteToUDPAddrPort(pkt, r.relay)
	if err != nil {
		return 0, classify(fmt.Sprintf("send to %s via %s", addr, r.relay), err)
	}
	return max(n-hdrLen, 0), nil
}

// ReceiveFrom returns the next datagram relayed back by the proxy, with the
// address of its original sender. Datagrams not coming from the relay or
// carrying a fragmented or domain-addressed header are dropped.
func (r *Relayed) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	if err := r.alive(); err != nil {
		return 0, netip.AddrPort{}, err
	}

	r.recvMu.Lock()
	defer r.recvMu.Unlock()

	if err := r.armRead(); err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("set read deadline: %w", err)
	}
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(r.rbuf)
		if err != nil {
			if aerr := r.alive(); aerr != nil {
				return 0, netip.AddrPort{}, aerr
			}
			return 0, netip.AddrPort{}, classify("receive", err)
		}
		if unmap(from) != r.relay {
			log.WithField("from", from).Debug("Dropping datagram not sent by the relay")
			continue
		}

		src, off, err := parseUDPHeader(r.rbuf[:n])
		if err != nil {
			log.WithError(err).Debug("Dropping relayed datagram")
			continue
		}
		return copy(b, r.rbuf[off:n]), src, nil
	}
}

// RelayAddr returns the UDP address the proxy relays datagrams from.
func (r *Relayed) RelayAddr() netip.AddrPort {
	return r.relay
}

// LocalAddr returns the local UDP address.
func (r *Relayed) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Close tears down the UDP socket and the control connection.
func (r *Relayed) Close() error {
	r.closing.Store(true)
	cerr := r.ctrl.Close()
	if err := r.conn.Close(); err != nil {
		return err
	}
	return cerr
}
