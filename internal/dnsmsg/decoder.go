package dnsmsg

import (
	"fmt"

	"github.com/miekg/dns"
)

// Header is the part of a reply the engine cares about.
type Header struct {
	ID        uint16
	Response  bool
	Rcode     int
	Questions int
}

// RcodeName returns the mnemonic of the response code.
func (h Header) RcodeName() string {
	if s, ok := dns.RcodeToString[h.Rcode]; ok {
		return s
	}
	return fmt.Sprintf("RCODE%d", h.Rcode)
}

// Decode parses raw bytes into a reply header.
func Decode(data []byte) (Header, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return Header{
		ID:        msg.Id,
		Response:  msg.Response,
		Rcode:     msg.Rcode,
		Questions: len(msg.Question),
	}, nil
}
