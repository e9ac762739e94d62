package probe

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dnsping/internal/dnsmsg"
	"dnsping/internal/transport"
	"dnsping/pkg/types"
)

var (
	dest     = netip.MustParseAddrPort("192.0.2.53:53")
	stranger = netip.MustParseAddrPort("192.0.2.99:53")
	query    = dnsmsg.Query{Host: "www.example.com", Type: dns.TypeA}
)

type datagram struct {
	data []byte
	from netip.AddrPort
	err  error
}

// fakeTransport is an in-memory Transport. Queries handed to SendTo are
// passed to onSend, which may queue replies with deliver.
type fakeTransport struct {
	inbox    chan datagram
	woken    chan struct{}
	wakeOnce sync.Once
	wakes    atomic.Int32

	readTimeout  atomic.Int64
	writeTimeout atomic.Int64

	mu     sync.Mutex
	sent   []uint16
	onSend func(f *fakeTransport, id uint16) error
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport(onSend func(f *fakeTransport, id uint16) error) *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan datagram, 1024),
		woken:  make(chan struct{}),
		onSend: onSend,
	}
}

// echo answers every query from dest.
func echo(f *fakeTransport, id uint16) error {
	f.deliver(reply(id), dest)
	return nil
}

func reply(id uint16) []byte {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(query.Host), query.Type)
	msg.Id = id
	resp := new(dns.Msg)
	resp.SetReply(msg)
	b, err := resp.Pack()
	if err != nil {
		panic(err)
	}
	return b
}

func (f *fakeTransport) deliver(data []byte, from netip.AddrPort) {
	f.inbox <- datagram{data: data, from: from}
}

func (f *fakeTransport) fail(err error) {
	f.inbox <- datagram{err: err}
}

func (f *fakeTransport) sentIDs() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.sent...)
}

func (f *fakeTransport) SendTo(b []byte, addr netip.AddrPort) (int, error) {
	h, err := dnsmsg.Decode(b)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, h.ID)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		if err := hook(f, h.ID); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

func (f *fakeTransport) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	var timeout <-chan time.Time
	if d := f.ReadTimeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-f.woken:
		return 0, netip.AddrPort{}, fmt.Errorf("read: %w", transport.ErrTimedOut)
	default:
	}

	select {
	case dg := <-f.inbox:
		if dg.err != nil {
			return 0, netip.AddrPort{}, dg.err
		}
		return copy(b, dg.data), dg.from, nil
	case <-timeout:
		return 0, netip.AddrPort{}, fmt.Errorf("read: %w", transport.ErrTimedOut)
	case <-f.woken:
		return 0, netip.AddrPort{}, fmt.Errorf("read: %w", transport.ErrTimedOut)
	}
}

func (f *fakeTransport) SetReadTimeout(d time.Duration) error {
	f.readTimeout.Store(int64(d))
	return nil
}

func (f *fakeTransport) SetWriteTimeout(d time.Duration) error {
	f.writeTimeout.Store(int64(d))
	return nil
}

func (f *fakeTransport) ReadTimeout() time.Duration  { return time.Duration(f.readTimeout.Load()) }
func (f *fakeTransport) WriteTimeout() time.Duration { return time.Duration(f.writeTimeout.Load()) }

func (f *fakeTransport) Wake() error {
	f.wakes.Add(1)
	f.wakeOnce.Do(func() { close(f.woken) })
	return nil
}

func (f *fakeTransport) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(netip.MustParseAddrPort("192.0.2.1:40000"))
}

func (f *fakeTransport) Close() error { return nil }

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu         sync.Mutex
	replies    []types.Reply
	timeouts   []uint16
	sendErrors []uint16
}

func (r *recorder) OnReply(rep types.Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, rep)
}

func (r *recorder) OnTimeout(id uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, id)
}

func (r *recorder) OnSendError(id uint16, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErrors = append(r.sendErrors, id)
}

func (r *recorder) snapshot() (replies []types.Reply, timeouts, sendErrors []uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Reply(nil), r.replies...),
		append([]uint16(nil), r.timeouts...),
		append([]uint16(nil), r.sendErrors...)
}

func replyIDs(replies []types.Reply) []uint16 {
	ids := make([]uint16, 0, len(replies))
	for _, r := range replies {
		ids = append(ids, r.ID)
	}
	return ids
}
