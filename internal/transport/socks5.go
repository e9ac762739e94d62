package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
)

const (
	socksVersion    = 0x05
	userPassVersion = 0x01

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xff

	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// Auth holds username/password credentials for RFC 1929 authentication.
type Auth struct {
	Username string
	Password string
}

// socksGreeting negotiates a method and performs user/pass auth when the
// proxy selects it. It returns the selected method.
func socksGreeting(conn net.Conn, auth *Auth) (byte, error) {
	methods := []byte{methodNoAuth}
	if auth != nil {
		methods = append(methods, methodUserPass)
	}

	buf := make([]byte, 0, 2+len(methods))
	buf = append(buf, socksVersion, byte(len(methods)))
	buf = append(buf, methods...)
	if _, err := conn.Write(buf); err != nil {
		return 0, fmt.Errorf("write greeting: %w", err)
	}

	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		return 0, fmt.Errorf("read method selection: %w", err)
	}
	if sel[0] != socksVersion {
		return 0, fmt.Errorf("unexpected version in method selection: 0x%02x", sel[0])
	}

	switch method := sel[1]; method {
	case methodNoAuth:
		return method, nil
	case methodUserPass:
		if auth == nil {
			return method, errors.New("proxy requires username/password but none provided")
		}
		return method, userPassAuth(conn, auth)
	case methodNoAcceptable:
		return method, errors.New("proxy rejected offered methods")
	default:
		return method, fmt.Errorf("unsupported method selected by proxy: 0x%02x", method)
	}
}

func userPassAuth(conn net.Conn, auth *Auth) error {
	if len(auth.Username) > 255 || len(auth.Password) > 255 {
		return errors.New("username/password too long (max 255 bytes each)")
	}

	req := make([]byte, 0, 3+len(auth.Username)+len(auth.Password))
	req = append(req, userPassVersion, byte(len(auth.Username)))
	req = append(req, auth.Username...)
	req = append(req, byte(len(auth.Password)))
	req = append(req, auth.Password...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write user/pass: %w", err)
	}

	var rep [2]byte
	if _, err := io.ReadFull(conn, rep[:]); err != nil {
		return fmt.Errorf("read user/pass reply: %w", err)
	}
	if rep[0] != userPassVersion {
		return fmt.Errorf("unexpected user/pass reply version: 0x%02x", rep[0])
	}
	if rep[1] != 0x00 {
		return errors.New("user/pass authentication failed")
	}
	return nil
}

// udpAssociate asks the proxy to relay datagrams sent from local and returns
// the relay address announced in the reply.
func udpAssociate(conn net.Conn, local netip.AddrPort) (netip.AddrPort, error) {
	req := []byte{socksVersion, cmdUDPAssociate, 0x00}
	req = appendAddr(req, local)
	if _, err := conn.Write(req); err != nil {
		return netip.AddrPort{}, fmt.Errorf("write UDP ASSOCIATE: %w", err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("read UDP ASSOCIATE reply: %w", err)
	}
	if hdr[0] != socksVersion {
		return netip.AddrPort{}, fmt.Errorf("unexpected UDP ASSOCIATE reply version: 0x%02x", hdr[0])
	}
	if hdr[1] != 0x00 {
		return netip.AddrPort{}, fmt.Errorf("udp associate failed: %s", repToString(hdr[1]))
	}
	return readAddr(conn, hdr[3])
}

func appendAddr(b []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		b = append(b, atypIPv4)
	} else {
		b = append(b, atypIPv6)
	}
	b = append(b, addr.AsSlice()...)
	return binary.BigEndian.AppendUint16(b, ap.Port())
}

func readAddr(r io.Reader, atyp byte) (netip.AddrPort, error) {
	var raw []byte
	switch atyp {
	case atypIPv4:
		raw = make([]byte, 4+2)
	case atypIPv6:
		raw = make([]byte, 16+2)
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported reply ATYP: 0x%02x", atyp)
	}
	if _, err := io.ReadFull(r, raw); err != nil {
		return netip.AddrPort{}, err
	}
	addr, _ := netip.AddrFromSlice(raw[:len(raw)-2])
	return netip.AddrPortFrom(addr.Unmap(), binary.BigEndian.Uint16(raw[len(raw)-2:])), nil
}

// appendUDPHeader prefixes a relayed datagram: RSV(2), FRAG, ATYP, DST.ADDR, DST.PORT.
func appendUDPHeader(b []byte, dst netip.AddrPort) []byte {
	b = append(b, 0x00, 0x00, 0x00)
	return appendAddr(b, dst)
}

var errFragmented = errors.New("fragmented datagram")

// parseUDPHeader returns the source address of a relayed datagram and the
// offset of its payload.
func parseUDPHeader(b []byte) (netip.AddrPort, int, error) {
	if len(b) < 4 {
		return netip.AddrPort{}, 0, io.ErrUnexpectedEOF
	}
	if b[2] != 0x00 {
		return netip.AddrPort{}, 0, errFragmented
	}

	var alen int
	switch b[3] {
	case atypIPv4:
		alen = 4
	case atypIPv6:
		alen = 16
	case atypDomain:
		return netip.AddrPort{}, 0, errors.New("domain source address")
	default:
		return netip.AddrPort{}, 0, fmt.Errorf("unknown ATYP 0x%02x", b[3])
	}

	end := 4 + alen + 2
	if len(b) < end {
		return netip.AddrPort{}, 0, io.ErrUnexpectedEOF
	}
	addr, _ := netip.AddrFromSlice(b[4 : 4+alen])
	port := binary.BigEndian.Uint16(b[4+alen : end])
	return netip.AddrPortFrom(addr.Unmap(), port), end, nil
}

// repToString maps REP codes (RFC 1928) to human-readable strings.
func repToString(rep byte) string {
	switch rep {
	case 0x00:
		return "succeeded"
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused by destination host"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply code 0x%02x", rep)
	}
}
