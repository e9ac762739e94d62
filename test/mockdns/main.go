// Mock DNS server for end-to-end testing of dnsping.
// Listens on UDP, answers every query with the same id and optionally delays
// or drops replies.
//
// Usage:
//
//	go run ./test/mockdns [--addr 127.0.0.1:5353] [--delay 20ms] [--drop-every 3]
package main

import (
	"flag"
	"fmt"
	"math"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"dnsping/internal/responder"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5353", "UDP address to listen on")
	delay := flag.Duration("delay", 0, "Delay before every reply")
	dropEvery := flag.Uint("drop-every", 0, "Drop every Nth query by transaction id (0 = never)")
	answer := flag.String("answer", "192.0.2.1", "Address returned in A/AAAA answers (empty = none)")
	nxdomain := flag.Bool("nxdomain", false, "Answer every query with NXDOMAIN")
	flag.Parse()

	listen, err := netip.ParseAddrPort(*addr)
	if err != nil {
		log.WithError(err).Fatal("Invalid listen address")
	}

	opts := responder.Options{Delay: *delay}
	if *answer != "" {
		ip, err := netip.ParseAddr(*answer)
		if err != nil {
			log.WithError(err).Fatal("Invalid answer address")
		}
		opts.Answer = ip
	}
	if *nxdomain {
		opts.Rcode = layers.DNSResponseCodeNXDomain
	}
	drop, err := dropFilter(*dropEvery)
	if err != nil {
		log.WithError(err).Fatal("Invalid --drop-every")
	}
	opts.Drop = drop

	srv, err := responder.Listen(listen, opts)
	if err != nil {
		log.WithError(err).Fatal("Mock DNS server error")
	}
	log.WithField("addr", srv.Addr().String()).Info("Mock DNS server listening")

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		received, answered, dropped, failed := srv.Stats()
		log.WithFields(log.Fields{
			"received": received,
			"answered": answered,
			"dropped":  dropped,
			"failed":   failed,
		}).Info("Shutting down")
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		log.WithError(err).Fatal("Mock DNS server error")
	}
}

// dropFilter returns a filter dropping every nth transaction id, or nil when
// n is 0.
func dropFilter(n uint) (func(id uint16) bool, error) {
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("must be at most %d, got %d", math.MaxUint16, n)
	}
	if n == 0 {
		return nil, nil
	}
	every := uint16(n)
	return func(id uint16) bool { return id%every == every-1 }, nil
}
