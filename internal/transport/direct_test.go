package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsping/pkg/types"
)

var loopback = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)

// startEcho runs a UDP server that sends every datagram back to its sender.
func startEcho(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(loopback))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDPAddrPort(buf[:n], from)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestDirect_RoundTrip(t *testing.T) {
	echo := startEcho(t)
	d, err := NewDirect(loopback)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.SetReadTimeout(time.Second))

	n, err := d.SendTo([]byte("hello"), echo)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 64)
	n, from, err := d.ReceiveFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, echo, from)
}

func TestDirect_ReadTimeout(t *testing.T) {
	d, err := NewDirect(loopback)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.SetReadTimeout(20*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, d.ReadTimeout())

	start := time.Now()
	_, _, err = d.ReceiveFrom(make([]byte, 16))
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDirect_NegativeTimeoutRejected(t *testing.T) {
	d, err := NewDirect(loopback)
	require.NoError(t, err)
	defer d.Close()

	assert.Error(t, d.SetReadTimeout(-time.Second))
	assert.Error(t, d.SetWriteTimeout(-time.Second))
	assert.Equal(t, time.Duration(0), d.WriteTimeout())
}

func TestDirect_WakeUnblocksReceive(t *testing.T) {
	d, err := NewDirect(loopback)
	require.NoError(t, err)
	defer d.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := d.ReceiveFrom(make([]byte, 16))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Wake())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after Wake")
	}

	// Wake is sticky.
	_, _, err = d.ReceiveFrom(make([]byte, 16))
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestDirect_RejectsOtherFamily(t *testing.T) {
	d, err := NewDirect(loopback)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.SendTo([]byte("x"), netip.MustParseAddrPort("[::1]:53"))
	assert.ErrorIs(t, err, ErrAddressFamilyMismatch)
}

func TestCheckFamily(t *testing.T) {
	v4 := netip.MustParseAddr("192.0.2.1")
	v6 := netip.MustParseAddr("2001:db8::1")

	assert.NoError(t, CheckFamily(v4, v4))
	assert.NoError(t, CheckFamily(v6, v6))
	assert.NoError(t, CheckFamily(v4, netip.MustParseAddr("::ffff:192.0.2.2")))
	assert.ErrorIs(t, CheckFamily(v4, v6), ErrAddressFamilyMismatch)
	assert.ErrorIs(t, CheckFamily(v6, v4), ErrAddressFamilyMismatch)
}

func TestUnspecified(t *testing.T) {
	assert.Equal(t, "0.0.0.0:0", Unspecified(netip.MustParseAddr("8.8.8.8")).String())
	assert.Equal(t, "[::]:0", Unspecified(netip.MustParseAddr("2001:4860:4860::8888")).String())
}

func TestOpen_FamilyMismatchBeforeDial(t *testing.T) {
	_, err := Open(context.Background(), types.Endpoint{
		Destination: netip.MustParseAddrPort("192.0.2.1:53"),
		Proxy:       netip.MustParseAddrPort("[2001:db8::1]:1080"),
	})
	assert.ErrorIs(t, err, ErrAddressFamilyMismatch)
}

func TestOpen_Direct(t *testing.T) {
	tr, err := Open(context.Background(), types.Endpoint{
		Destination: netip.MustParseAddrPort("127.0.0.1:53"),
	})
	require.NoError(t, err)
	defer tr.Close()

	_, ok := tr.(*Direct)
	assert.True(t, ok)
}
