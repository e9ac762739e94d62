package types

import (
	"net/netip"
	"time"
)

// Reply is one completed round trip, handed to the report collaborator.
type Reply struct {
	Size int            // Datagram size in bytes
	From netip.AddrPort // Address the reply came from
	ID   uint16         // Transaction id echoed by the server
	RTT  time.Duration
	Lost uint64 // Sent minus received at the time of the reply (wraparound-safe)
}

// Summary is an immutable view of the aggregate statistics.
type Summary struct {
	Sent     uint64
	Received uint64
	Lost     uint64
	LossPct  float64

	// Latency figures are only meaningful when HasLatency is true.
	HasLatency bool
	Min        time.Duration
	Avg        time.Duration
	Max        time.Duration
	Total      time.Duration

	StartTime time.Time
	EndTime   time.Time
}

// Endpoint describes where probes are sent and, optionally, the SOCKS5 relay
// carrying them.
type Endpoint struct {
	Destination netip.AddrPort
	Proxy       netip.AddrPort // zero value when probing directly
	Username    string
	Password    string
}

// Relayed reports whether the endpoint uses a SOCKS5 proxy.
func (e Endpoint) Relayed() bool {
	return e.Proxy.IsValid()
}
