package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsping/internal/dnsmsg"
	"dnsping/internal/responder"
	"dnsping/internal/stats"
	"dnsping/internal/transport"
)

func runSession(t *testing.T, tr transport.Transport, cfg Config) (*Session, *stats.Collector, *recorder, error) {
	t.Helper()
	c := stats.NewCollector()
	rec := &recorder{}
	s := NewSession(tr, cfg, c, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Run(ctx)
	return s, c, rec, err
}

func fastConfig(count uint64) Config {
	return Config{
		Destination: dest,
		Query:       query,
		Interval:    5 * time.Millisecond,
		Timeout:     20 * time.Millisecond,
		Count:       count,
	}
}

func TestSession_AllAnswered(t *testing.T) {
	tr := newFakeTransport(echo)
	s, c, rec, err := runSession(t, tr, fastConfig(5))
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, uint64(5), snap.Sent)
	assert.Equal(t, uint64(5), snap.Received)
	assert.Zero(t, snap.LossPct)
	assert.Zero(t, s.Pending())

	replies, _, _ := rec.snapshot()
	assert.ElementsMatch(t, []uint16{0, 1, 2, 3, 4}, replyIDs(replies))
	assert.Equal(t, []uint16{0, 1, 2, 3, 4}, tr.sentIDs())
}

func TestSession_LogsReplyHeaderAndCounts(t *testing.T) {
	hook := test.NewGlobal()
	level := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	t.Cleanup(func() {
		log.SetLevel(level)
		hook.Reset()
	})

	tr := newFakeTransport(echo)
	_, _, _, err := runSession(t, tr, fastConfig(2))
	require.NoError(t, err)

	var matched, stopped *log.Entry
	for _, e := range hook.AllEntries() {
		switch e.Message {
		case "Matched reply":
			matched = e
		case "Probe session stopped":
			stopped = e
		}
	}
	require.NotNil(t, matched)
	assert.Equal(t, "NOERROR", matched.Data["rcode"])
	assert.Equal(t, true, matched.Data["response"])
	assert.Equal(t, 1, matched.Data["questions"])

	require.NotNil(t, stopped)
	assert.Equal(t, uint64(2), stopped.Data["sent"])
	assert.Equal(t, uint64(2), stopped.Data["received"])
}

func TestSession_WrongSenderNeverCounts(t *testing.T) {
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		f.deliver(reply(id), stranger)
		return nil
	})
	s, c, rec, err := runSession(t, tr, fastConfig(3))
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.Sent)
	assert.Zero(t, snap.Received)
	assert.Equal(t, 3, s.Pending(), "unanswered queries stay pending")

	replies, _, _ := rec.snapshot()
	assert.Empty(t, replies)
}

func TestSession_UnknownIDNeverCounts(t *testing.T) {
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		f.deliver(reply(id+1000), dest)
		return nil
	})
	_, c, _, err := runSession(t, tr, fastConfig(3))
	require.NoError(t, err)

	assert.Zero(t, c.Snapshot().Received)
}

func TestSession_DuplicateReplyCountedOnce(t *testing.T) {
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		f.deliver(reply(id), dest)
		f.deliver(reply(id), dest)
		return nil
	})
	_, c, rec, err := runSession(t, tr, fastConfig(4))
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, uint64(4), snap.Sent)
	assert.Equal(t, uint64(4), snap.Received)
	replies, _, _ := rec.snapshot()
	assert.Len(t, replies, 4)
}

func TestSession_MalformedReplyDropped(t *testing.T) {
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		f.deliver([]byte{0x00}, dest)
		f.deliver(reply(id), dest)
		return nil
	})
	_, c, _, err := runSession(t, tr, fastConfig(2))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), c.Snapshot().Received)
}

func TestSession_IDWraparound(t *testing.T) {
	tr := newFakeTransport(echo)
	cfg := fastConfig(4)
	cfg.FirstID = 65534

	_, c, rec, err := runSession(t, tr, cfg)
	require.NoError(t, err)

	assert.Equal(t, []uint16{65534, 65535, 0, 1}, tr.sentIDs())
	assert.Equal(t, uint64(4), c.Snapshot().Received)
	replies, _, _ := rec.snapshot()
	assert.ElementsMatch(t, []uint16{65534, 65535, 0, 1}, replyIDs(replies))
}

func TestSession_LostCountOnReply(t *testing.T) {
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		if id%2 == 0 {
			f.deliver(reply(id), dest)
		}
		return nil
	})
	_, c, rec, err := runSession(t, tr, fastConfig(4))
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, uint64(4), snap.Sent)
	assert.Equal(t, uint64(2), snap.Received)
	assert.InDelta(t, 50.0, snap.LossPct, 1e-9)

	replies, _, _ := rec.snapshot()
	require.Len(t, replies, 2)
	for _, r := range replies {
		assert.LessOrEqual(t, r.Lost, uint64(4))
	}
}

func TestSession_ReceivedNeverExceedsSent(t *testing.T) {
	tr := newFakeTransport(echo)
	c := stats.NewCollector()
	rec := &recorder{}
	s := NewSession(tr, fastConfig(20), c, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	for {
		sent, received := c.Counts()
		require.LessOrEqual(t, received, sent)
		select {
		case <-done:
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSession_SendErrorContinues(t *testing.T) {
	boom := errors.New("network unreachable")
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		if id == 1 {
			return boom
		}
		f.deliver(reply(id), dest)
		return nil
	})
	_, c, rec, err := runSession(t, tr, fastConfig(3))
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.Sent)
	assert.Equal(t, uint64(2), snap.Received)
	_, _, sendErrors := rec.snapshot()
	assert.Equal(t, []uint16{1}, sendErrors)
}

func TestSession_ReceiveErrorIsFatal(t *testing.T) {
	boom := errors.New("connection reset")
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		f.fail(boom)
		return nil
	})
	cfg := fastConfig(0)

	_, _, _, err := runSession(t, tr, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSession_MalformedQueryIsFatal(t *testing.T) {
	tr := newFakeTransport(echo)
	cfg := fastConfig(1)
	cfg.Query = dnsmsg.Query{Host: ""}

	_, c, _, err := runSession(t, tr, cfg)
	assert.ErrorIs(t, err, dnsmsg.ErrMalformedMessage)
	assert.Zero(t, c.Snapshot().Sent)
}

func TestSession_CancelWithoutTimeout(t *testing.T) {
	tr := newFakeTransport(nil)
	cfg := fastConfig(0)
	cfg.Timeout = 0
	s := NewSession(tr, cfg, stats.NewCollector(), &recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Equal(t, int32(1), tr.wakes.Load())
	case <-time.After(time.Second):
		t.Fatal("session did not stop after cancellation")
	}
}

func TestSession_CountLingersForLastReply(t *testing.T) {
	tr := newFakeTransport(func(f *fakeTransport, id uint16) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.deliver(reply(id), dest)
		}()
		return nil
	})
	cfg := fastConfig(1)
	cfg.Timeout = 300 * time.Millisecond

	begin := time.Now()
	s, c, _, err := runSession(t, tr, cfg)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), c.Snapshot().Received)
	assert.Zero(t, s.Pending())
	// Lingering for the full timeout and then waiting out the receiver's
	// read would take twice the timeout.
	assert.Less(t, time.Since(begin), 550*time.Millisecond)
}

func TestSession_Responder(t *testing.T) {
	addr := startResponder(t, responder.Options{})
	tr := openDirect(t, addr)

	cfg := Config{
		Destination: addr,
		Query:       dnsmsg.NewQuery("www.google.com", addr.Addr(), false),
		Interval:    100 * time.Millisecond,
		Timeout:     50 * time.Millisecond,
		Count:       5,
	}
	_, c, rec, err := runSession(t, tr, cfg)
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, uint64(5), snap.Sent)
	assert.Equal(t, uint64(5), snap.Received)
	assert.Zero(t, snap.LossPct)
	require.True(t, snap.HasLatency)
	assert.LessOrEqual(t, snap.Min, snap.Avg)
	assert.LessOrEqual(t, snap.Avg, snap.Max)

	replies, _, _ := rec.snapshot()
	assert.Len(t, replies, 5)
	for _, r := range replies {
		assert.Equal(t, addr, r.From)
	}
}

func TestSession_ResponderDropsEverything(t *testing.T) {
	addr := startResponder(t, responder.Options{Drop: func(uint16) bool { return true }})
	tr := openDirect(t, addr)

	cfg := Config{
		Destination: addr,
		Query:       dnsmsg.NewQuery("www.google.com", addr.Addr(), false),
		Interval:    20 * time.Millisecond,
		Timeout:     20 * time.Millisecond,
		Count:       3,
	}
	_, c, _, err := runSession(t, tr, cfg)
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.Sent)
	assert.Zero(t, snap.Received)
	assert.InDelta(t, 100.0, snap.LossPct, 1e-9)
	assert.False(t, snap.HasLatency)
}
