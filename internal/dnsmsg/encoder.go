// Package dnsmsg builds probe queries and parses reply headers.
package dnsmsg

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

// ErrMalformedMessage is returned when a query cannot be built or a reply
// cannot be parsed.
var ErrMalformedMessage = errors.New("malformed DNS message")

// Query describes the single question carried by every probe.
type Query struct {
	Host      string
	Type      uint16
	Recursive bool // sets the RD bit
}

// TypeFor returns the record type probed for a destination: A for IPv4, AAAA for IPv6.
func TypeFor(addr netip.Addr) uint16 {
	if addr.Unmap().Is4() {
		return dns.TypeA
	}
	return dns.TypeAAAA
}

// NewQuery returns the query sent to dest for host.
func NewQuery(host string, dest netip.Addr, recursive bool) Query {
	return Query{Host: host, Type: TypeFor(dest), Recursive: recursive}
}

// TypeName returns the mnemonic of the query's record type.
func (q Query) TypeName() string {
	return dns.TypeToString[q.Type]
}

// Encoder serializes the same question under changing transaction ids.
// It is not safe for concurrent use.
type Encoder struct {
	msg *dns.Msg
}

// NewEncoder validates q and returns an encoder for it.
func NewEncoder(q Query) (*Encoder, error) {
	if _, ok := dns.IsDomainName(q.Host); !ok || q.Host == "" {
		return nil, fmt.Errorf("%w: invalid host name %q", ErrMalformedMessage, q.Host)
	}

	msg := new(dns.Msg)
	msg.Opcode = dns.OpcodeQuery
	msg.RecursionDesired = q.Recursive
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(q.Host),
		Qtype:  q.Type,
		Qclass: dns.ClassINET,
	}}

	e := &Encoder{msg: msg}
	if _, err := e.Encode(0); err != nil {
		return nil, err
	}
	return e, nil
}

// Encode returns the wire form of the query with the given transaction id.
func (e *Encoder) Encode(id uint16) ([]byte, error) {
	e.msg.Id = id
	b, err := e.msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return b, nil
}

// Encode builds a single query buffer.
func Encode(id uint16, q Query) ([]byte, error) {
	e, err := NewEncoder(q)
	if err != nil {
		return nil, err
	}
	return e.Encode(id)
}
