// Package responder implements a minimal DNS server that answers every query
// it receives. It backs the probe tests and the mockdns tool.
package responder

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
)

// Options control how queries are answered.
type Options struct {
	Delay  time.Duration          // added before every reply
	Drop   func(id uint16) bool   // queries it returns true for get no reply
	Rcode  layers.DNSResponseCode // response code of every reply
	Answer netip.Addr             // answer record for A/AAAA questions of the same family
	TTL    uint32
}

// Server answers DNS queries over UDP.
type Server struct {
	conn *net.UDPConn
	opts Options

	received atomic.Uint64
	answered atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// Listen binds a responder to addr. Port 0 picks a free port.
func Listen(addr netip.AddrPort, opts Options) (*Server, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if opts.TTL == 0 {
		opts.TTL = 60
	}
	return &Server{conn: conn, opts: opts}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve answers queries until the server is closed.
func (s *Server) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.received.Add(1)

		id, resp, err := s.answer(buf[:n])
		if err != nil {
			s.failed.Add(1)
			log.WithFields(log.Fields{
				"from":  from.String(),
				"error": err,
			}).Debug("Discarding undecodable query")
			continue
		}
		if s.opts.Drop != nil && s.opts.Drop(id) {
			s.dropped.Add(1)
			log.WithField("id", id).Debug("Dropping query")
			continue
		}

		if s.opts.Delay > 0 {
			time.AfterFunc(s.opts.Delay, func() { s.reply(resp, from) })
			continue
		}
		s.reply(resp, from)
	}
}

func (s *Server) reply(resp []byte, to netip.AddrPort) {
	if _, err := s.conn.WriteToUDPAddrPort(resp, to); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.failed.Add(1)
			log.WithError(err).Warn("Failed to send reply")
		}
		return
	}
	s.answered.Add(1)
}

// answer decodes a query and serializes the matching response.
func (s *Server) answer(data []byte) (uint16, []byte, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeDNS, gopacket.Default)
	dnsLayer := packet.Layer(layers.LayerTypeDNS)
	if dnsLayer == nil {
		if el := packet.ErrorLayer(); el != nil {
			return 0, nil, el.Error()
		}
		return 0, nil, errors.New("no DNS layer")
	}
	query, ok := dnsLayer.(*layers.DNS)
	if !ok || query.QR {
		return 0, nil, errors.New("not a DNS query")
	}

	resp := &layers.DNS{
		ID:           query.ID,
		QR:           true,
		OpCode:       query.OpCode,
		RD:           query.RD,
		RA:           query.RD,
		ResponseCode: s.opts.Rcode,
		Questions:    query.Questions,
	}
	if s.opts.Rcode == layers.DNSResponseCodeNoErr {
		resp.Answers = s.records(query.Questions)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, resp); err != nil {
		return query.ID, nil, fmt.Errorf("serialize: %w", err)
	}
	return query.ID, buf.Bytes(), nil
}

func (s *Server) records(questions []layers.DNSQuestion) []layers.DNSResourceRecord {
	if !s.opts.Answer.IsValid() {
		return nil
	}
	ip := s.opts.Answer.Unmap()

	var rrs []layers.DNSResourceRecord
	for _, q := range questions {
		if (q.Type == layers.DNSTypeA && ip.Is4()) || (q.Type == layers.DNSTypeAAAA && ip.Is6()) {
			rrs = append(rrs, layers.DNSResourceRecord{
				Name:  q.Name,
				Type:  q.Type,
				Class: layers.DNSClassIN,
				TTL:   s.opts.TTL,
				IP:    net.IP(ip.AsSlice()),
			})
		}
	}
	return rrs
}

// Stats returns the number of queries received, answered, dropped on
// purpose and failed.
func (s *Server) Stats() (received, answered, dropped, failed uint64) {
	return s.received.Load(), s.answered.Load(), s.dropped.Load(), s.failed.Load()
}

// Close stops Serve.
func (s *Server) Close() error {
	return s.conn.Close()
}
