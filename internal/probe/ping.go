// Package probe measures DNS round trips: a single query, a continuous
// session with concurrent sender and receiver, or a sequence of single
// queries.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"dnsping/internal/dnsmsg"
	"dnsping/internal/transport"
	"dnsping/pkg/types"
)

const maxDatagram = 65535

// Observer receives probe results as they happen.
type Observer interface {
	OnReply(rep types.Reply)
	OnTimeout(id uint16)
	OnSendError(id uint16, err error)
}

// Ping sends one query with the given id to dest and waits for its reply.
// Replies from other addresses, with another id, or that fail to parse are
// skipped. It returns the reply size and the round-trip time, or an error
// wrapping transport.ErrTimedOut when the read timeout elapses first.
func Ping(ctx context.Context, tr transport.Transport, dest netip.AddrPort, id uint16, q dnsmsg.Query) (int, time.Duration, error) {
	b, err := dnsmsg.Encode(id, q)
	if err != nil {
		return 0, 0, err
	}
	dest = netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port())

	if tr.ReadTimeout() == 0 {
		stop := context.AfterFunc(ctx, func() { wake(tr) })
		defer stop()
	}

	start := time.Now()
	if _, err := tr.SendTo(b, dest); err != nil {
		return 0, 0, err
	}

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		n, from, err := tr.ReceiveFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			return 0, 0, err
		}
		if from != dest {
			log.WithFields(log.Fields{"id": id, "from": from.String()}).Debug("Ignoring reply from unexpected address")
			continue
		}
		if n == 0 {
			return 0, 0, fmt.Errorf("empty reply from %s: %w", from, io.ErrUnexpectedEOF)
		}

		h, err := dnsmsg.Decode(buf[:n])
		if err != nil {
			log.WithError(err).WithField("id", id).Debug("Ignoring unparsable reply")
			continue
		}
		if h.ID != id {
			log.WithFields(log.Fields{"id": id, "got": h.ID}).Debug("Ignoring reply for another query")
			continue
		}
		return n, time.Since(start), nil
	}
}

func wake(tr transport.Transport) {
	if err := tr.Wake(); err != nil {
		log.WithError(err).Debug("Failed to wake receiver")
	}
}

// elapsedSleep returns how long to wait before the next query when the
// current one took spent.
func elapsedSleep(interval, spent time.Duration) time.Duration {
	return max(interval-spent, 0)
}

// sleep waits for d or until ctx is done, and reports whether the caller
// should carry on.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
