package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"dnsping/pkg/types"
)

// Reporter prints per-probe lines and summaries, and exports the final
// statistics to a file.
type Reporter struct {
	collector   *Collector
	dest        netip.AddrPort
	intervalSec int
	exportFile  string

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// NewReporter creates a new statistics reporter writing to stdout.
func NewReporter(collector *Collector, dest netip.AddrPort, intervalSec int, exportFile string) *Reporter {
	return &Reporter{
		collector:   collector,
		dest:        dest,
		intervalSec: intervalSec,
		exportFile:  exportFile,
		out:         os.Stdout,
	}
}

// SetOutput redirects console output.
func (r *Reporter) SetOutput(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = w
}

func (r *Reporter) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

// OnStart prints the banner.
func (r *Reporter) OnStart(host string, size int) {
	r.println(fmt.Sprintf("PING %s for %s %d bytes of data.", r.dest, host, size))
}

// OnReply prints one answered probe.
func (r *Reporter) OnReply(rep types.Reply) {
	line := fmt.Sprintf("%d bytes from %s: id=%d time=%s ms", rep.Size, rep.From, rep.ID, millis(rep.RTT, 2))
	if rep.Lost > 0 {
		line += fmt.Sprintf(" (lost=%d)", rep.Lost)
	}
	r.println(line)
}

// OnTimeout prints an unanswered probe.
func (r *Reporter) OnTimeout(id uint16) {
	r.println(fmt.Sprintf("Request timeout for id=%d", id))
}

// OnSendError logs a failed transmission.
func (r *Reporter) OnSendError(id uint16, err error) {
	log.WithFields(log.Fields{
		"id":    id,
		"dest":  r.dest.String(),
		"error": err,
	}).Error("Failed to send query")
}

// StartPeriodicReport begins periodic statistics reporting in a goroutine.
func (r *Reporter) StartPeriodicReport(ctx context.Context) {
	if r.intervalSec <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Duration(r.intervalSec) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.println(r.FormatReport())
			}
		}
	}()
}

// PrintFinalReport prints the final statistics summary.
func (r *Reporter) PrintFinalReport() {
	r.collector.Finish()
	r.println(r.FormatReport())
}

// FormatReport generates the statistics summary block.
func (r *Reporter) FormatReport() string {
	snap := r.collector.Snapshot()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n--- %s ping statistics ---\n", r.dest))
	sb.WriteString(fmt.Sprintf("%d packets transmitted, %d received, %.2f%% packet loss",
		snap.Sent, snap.Received, snap.LossPct))
	if snap.HasLatency {
		sb.WriteString(fmt.Sprintf("\nrtt min/avg/max = %s/%s/%s ms",
			millis(snap.Min, 3), millis(snap.Avg, 3), millis(snap.Max, 3)))
	}
	return sb.String()
}

// exportSummary is the file representation of a Summary.
type exportSummary struct {
	Destination string     `json:"destination" yaml:"destination"`
	StartTime   string     `json:"start_time" yaml:"start_time"`
	EndTime     string     `json:"end_time" yaml:"end_time"`
	DurationSec float64    `json:"duration_sec" yaml:"duration_sec"`
	Transmitted uint64     `json:"transmitted" yaml:"transmitted"`
	Received    uint64     `json:"received" yaml:"received"`
	Lost        uint64     `json:"lost" yaml:"lost"`
	LossPct     float64    `json:"loss_pct" yaml:"loss_pct"`
	RTT         *exportRTT `json:"rtt_ms,omitempty" yaml:"rtt_ms,omitempty"`
}

type exportRTT struct {
	Min float64 `json:"min" yaml:"min"`
	Avg float64 `json:"avg" yaml:"avg"`
	Max float64 `json:"max" yaml:"max"`
}

// Export writes the statistics to the export file: YAML when the file name
// ends in .yaml or .yml, JSON otherwise. It is a no-op without a file.
func (r *Reporter) Export() error {
	if r.exportFile == "" {
		return nil
	}

	snap := r.collector.Snapshot()
	export := exportSummary{
		Destination: r.dest.String(),
		StartTime:   snap.StartTime.Format(time.RFC3339),
		DurationSec: r.collector.Duration().Seconds(),
		Transmitted: snap.Sent,
		Received:    snap.Received,
		Lost:        snap.Lost,
		LossPct:     snap.LossPct,
	}
	if !snap.EndTime.IsZero() {
		export.EndTime = snap.EndTime.Format(time.RFC3339)
	}
	if snap.HasLatency {
		export.RTT = &exportRTT{
			Min: float64(snap.Min) / float64(time.Millisecond),
			Avg: float64(snap.Avg) / float64(time.Millisecond),
			Max: float64(snap.Max) / float64(time.Millisecond),
		}
	}

	var (
		data   []byte
		err    error
		format string
	)
	switch strings.ToLower(filepath.Ext(r.exportFile)) {
	case ".yaml", ".yml":
		format = "yaml"
		data, err = yaml.Marshal(export)
	default:
		format = "json"
		data, err = json.MarshalIndent(export, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal stats %s: %w", format, err)
	}

	if err := os.WriteFile(r.exportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", r.exportFile, err)
	}

	log.WithFields(log.Fields{
		"file":   r.exportFile,
		"format": format,
	}).Info("Statistics exported")
	return nil
}

// millis renders d in milliseconds with the given number of decimals.
func millis(d time.Duration, prec int) string {
	return fmt.Sprintf("%.*f", prec, float64(d)/float64(time.Millisecond))
}
