package probe

import (
	"context"
	"errors"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"dnsping/internal/dnsmsg"
	"dnsping/internal/stats"
	"dnsping/internal/transport"
	"dnsping/pkg/types"
)

// Sequence probes one query at a time: each query is sent and waited for
// before the next one goes out.
type Sequence struct {
	tr        transport.Transport
	cfg       Config
	collector *stats.Collector
	observer  Observer
}

// NewSequence creates a sequential prober over tr.
func NewSequence(tr transport.Transport, cfg Config, collector *stats.Collector, observer Observer) *Sequence {
	cfg.Destination = netip.AddrPortFrom(cfg.Destination.Addr().Unmap(), cfg.Destination.Port())
	return &Sequence{tr: tr, cfg: cfg, collector: collector, observer: observer}
}

// Run pings until ctx is cancelled, Count queries were sent or a query
// fails with anything but a timeout.
func (s *Sequence) Run(ctx context.Context) (types.Summary, error) {
	if _, err := dnsmsg.NewEncoder(s.cfg.Query); err != nil {
		return s.collector.Snapshot(), err
	}
	if err := s.tr.SetReadTimeout(s.cfg.Timeout); err != nil {
		return s.collector.Snapshot(), err
	}

	ids := NewIDSequence(s.cfg.FirstID)
	var issued uint64
	for ctx.Err() == nil {
		begin := time.Now()
		id := ids.Next()
		s.collector.RecordSent()
		size, rtt, err := Ping(ctx, s.tr, s.cfg.Destination, id, s.cfg.Query)

		switch {
		case err == nil:
			sent, received := s.collector.RecordReply(rtt)
			rep := types.Reply{Size: size, From: s.cfg.Destination, ID: id, RTT: rtt}
			if sent != received {
				rep.Lost = stats.Lost(sent, received)
			}
			s.observer.OnReply(rep)
		case errors.Is(err, transport.ErrTimedOut):
			s.observer.OnTimeout(id)
		case ctx.Err() != nil:
			return s.collector.Snapshot(), nil
		default:
			log.WithError(err).WithField("id", id).Debug("Ping failed")
			return s.collector.Snapshot(), err
		}

		issued++
		if s.cfg.Count > 0 && issued >= s.cfg.Count {
			break
		}
		if !sleep(ctx, elapsedSleep(s.cfg.Interval, time.Since(begin))) {
			break
		}
	}
	return s.collector.Snapshot(), nil
}
