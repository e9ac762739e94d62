package probe

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dnsping/internal/dnsmsg"
	"dnsping/internal/stats"
	"dnsping/internal/transport"
	"dnsping/pkg/types"
)

// lingerPoll is how often a finished sender checks for outstanding replies.
const lingerPoll = 5 * time.Millisecond

// Config describes a probing run.
type Config struct {
	Destination netip.AddrPort
	Query       dnsmsg.Query
	Interval    time.Duration
	Timeout     time.Duration // read timeout, 0 waits forever
	Count       uint64        // 0 probes until cancelled
	FirstID     uint16
}

// Session probes continuously: a sender issues one query per interval while
// a receiver matches replies to the queries still pending.
type Session struct {
	tr        transport.Transport
	cfg       Config
	ids       *IDSequence
	pending   *PendingTable
	collector *stats.Collector
	observer  Observer
}

// NewSession creates a session over tr. The collector receives every sent
// query and matched reply; the observer is told about each of them.
func NewSession(tr transport.Transport, cfg Config, collector *stats.Collector, observer Observer) *Session {
	cfg.Destination = netip.AddrPortFrom(cfg.Destination.Addr().Unmap(), cfg.Destination.Port())
	return &Session{
		tr:        tr,
		cfg:       cfg,
		ids:       NewIDSequence(cfg.FirstID),
		pending:   NewPendingTable(),
		collector: collector,
		observer:  observer,
	}
}

// Pending returns the number of queries still waiting for a reply.
func (s *Session) Pending() int {
	return s.pending.Len()
}

// Run probes until ctx is cancelled, Count queries have been sent and
// answered or given up on, or either side fails. It returns only after the
// sender and the receiver have both stopped.
func (s *Session) Run(ctx context.Context) (types.Summary, error) {
	enc, err := dnsmsg.NewEncoder(s.cfg.Query)
	if err != nil {
		return s.collector.Snapshot(), err
	}
	if err := s.tr.SetReadTimeout(s.cfg.Timeout); err != nil {
		return s.collector.Snapshot(), err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Timeout == 0 {
		stop := context.AfterFunc(gctx, func() { wake(s.tr) })
		defer stop()
	}

	log.WithFields(log.Fields{
		"dest":     s.cfg.Destination.String(),
		"host":     s.cfg.Query.Host,
		"type":     s.cfg.Query.TypeName(),
		"interval": s.cfg.Interval,
		"timeout":  s.cfg.Timeout,
		"count":    s.cfg.Count,
	}).Debug("Starting probe session")

	g.Go(func() error { return s.send(gctx, cancel, enc) })
	g.Go(func() error { return s.receive(gctx) })
	err = g.Wait()

	sent, received := s.collector.Counts()
	log.WithFields(log.Fields{
		"sent":     sent,
		"received": received,
		"pending":  s.pending.Len(),
	}).Debug("Probe session stopped")
	return s.collector.Snapshot(), err
}

func (s *Session) send(ctx context.Context, finish context.CancelFunc, enc *dnsmsg.Encoder) error {
	var issued uint64
	for ctx.Err() == nil {
		begin := time.Now()
		id := s.ids.Next()

		b, err := enc.Encode(id)
		if err != nil {
			return fmt.Errorf("build query %d: %w", id, err)
		}

		s.pending.Insert(id, time.Now())
		s.collector.RecordSent()
		issued++

		if _, err := s.tr.SendTo(b, s.cfg.Destination); err != nil {
			log.WithFields(log.Fields{
				"id":    id,
				"error": err,
			}).Debug("Send failed")
			s.observer.OnSendError(id, err)
		}

		if s.cfg.Count > 0 && issued >= s.cfg.Count {
			s.linger(ctx)
			finish()
			return nil
		}

		if !sleep(ctx, elapsedSleep(s.cfg.Interval, time.Since(begin))) {
			return nil
		}
	}
	return nil
}

// linger gives the replies to the last queries one read timeout to arrive.
func (s *Session) linger(ctx context.Context) {
	wait := s.cfg.Timeout
	if wait == 0 {
		wait = s.cfg.Interval
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(lingerPoll)
	defer ticker.Stop()

	for s.pending.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) receive(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for ctx.Err() == nil {
		n, from, err := s.tr.ReceiveFrom(buf)
		at := time.Now()
		if err != nil {
			if errors.Is(err, transport.ErrTimedOut) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		s.handle(buf[:n], from, at)
	}
	return nil
}

// handle matches one datagram against the pending queries.
func (s *Session) handle(data []byte, from netip.AddrPort, at time.Time) {
	if from != s.cfg.Destination {
		log.WithField("from", from.String()).Debug("Ignoring reply from unexpected address")
		return
	}

	h, err := dnsmsg.Decode(data)
	if err != nil {
		log.WithError(err).WithField("size", len(data)).Debug("Ignoring unparsable reply")
		return
	}

	sentAt, ok := s.pending.Take(h.ID)
	if !ok {
		log.WithField("id", h.ID).Debug("Ignoring reply for unknown query")
		return
	}

	rtt := at.Sub(sentAt)
	sent, received := s.collector.RecordReply(rtt)

	log.WithFields(log.Fields{
		"id":        h.ID,
		"rcode":     h.RcodeName(),
		"response":  h.Response,
		"questions": h.Questions,
		"rtt":       rtt,
	}).Debug("Matched reply")

	rep := types.Reply{Size: len(data), From: from, ID: h.ID, RTT: rtt}
	if sent != received {
		rep.Lost = stats.Lost(sent, received)
	}
	s.observer.OnReply(rep)
}
