package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dnsping/internal/config"
	"dnsping/internal/dnsmsg"
	"dnsping/internal/probe"
	"dnsping/internal/stats"
	"dnsping/internal/transport"
	"dnsping/pkg/types"
)

var (
	version = "1.0.0"
	cfgFile string
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = []struct {
	flag string
	key  string
}{
	{"port", "target.port"},
	{"host", "target.host"},
	{"socks-proxy", "proxy.address"},
	{"proxy-user", "proxy.username"},
	{"proxy-pass", "proxy.password"},
	{"handshake-timeout", "proxy.handshake_timeout_ms"},
	{"count", "probe.count"},
	{"interval", "probe.interval_ms"},
	{"timeout", "probe.timeout_ms"},
	{"recursive", "probe.recursive"},
	{"log-level", "logging.level"},
	{"log-file", "logging.file"},
	{"report-interval", "stats.report_interval_sec"},
	{"export", "stats.export_file"},
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dnsping [flags] ADDRESS",
		Short: "dnsping - measure DNS server latency and loss",
		Long: `Sends DNS queries to a name server at a fixed interval and reports the
round-trip time of every reply and the packet loss, like ping does with ICMP.
Queries can be relayed through a SOCKS5 proxy.`,
		Version: version,
		Args:    cobra.ExactArgs(1),
		RunE:    run,
	}

	// Configuration file
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Configuration file path (default: ./dnsping.yaml)")

	// CLI overrides
	rootCmd.Flags().IntP("port", "p", 53, "Destination port")
	rootCmd.Flags().StringP("host", "H", "www.google.com", "Host name to query")
	rootCmd.Flags().StringP("socks-proxy", "s", "", "SOCKS5 proxy (IP:port) to relay queries through")
	rootCmd.Flags().String("proxy-user", "", "SOCKS5 username")
	rootCmd.Flags().String("proxy-pass", "", "SOCKS5 password")
	rootCmd.Flags().Int("handshake-timeout", 5000, "SOCKS5 handshake timeout in ms")
	rootCmd.Flags().IntP("count", "c", 0, "Stop after sending this many queries (0 = unlimited)")
	rootCmd.Flags().IntP("interval", "I", 1000, "Delay between queries in ms")
	rootCmd.Flags().IntP("timeout", "w", 1000, "Read timeout in ms (0 = none)")
	rootCmd.Flags().BoolP("recursive", "r", false, "Set the recursion desired flag")
	rootCmd.Flags().Bool("once", false, "Send a single query and exit")
	rootCmd.Flags().Bool("sequential", false, "Wait for each reply before sending the next query")
	rootCmd.Flags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.Flags().String("log-file", "", "Write logs to this file")
	rootCmd.Flags().Int("report-interval", 0, "Print a statistics summary every N seconds (0 = off)")
	rootCmd.Flags().String("export", "", "Export final statistics to a .json or .yaml file")
	rootCmd.MarkFlagsMutuallyExclusive("once", "sequential")

	return rootCmd
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	// Load configuration
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("dnsping")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug("No config file found, using defaults and CLI flags")
	}

	// CLI flags override config file values
	bindViperFlags(v, cmd)
	v.Set("target.address", args[0])

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Debug(cfg.Summary())

	ep, err := cfg.Endpoint()
	if err != nil {
		return err
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Debug("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	tr, err := openTransport(ctx, cfg, ep)
	if err != nil {
		return err
	}
	defer tr.Close()

	query := dnsmsg.NewQuery(cfg.Target.Host, ep.Destination.Addr(), cfg.Probe.Recursive)
	wire, err := dnsmsg.Encode(0, query)
	if err != nil {
		return err
	}

	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, ep.Destination, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile)
	reporter.OnStart(cfg.Target.Host, len(wire))
	reporter.StartPeriodicReport(ctx)

	probeCfg := probe.Config{
		Destination: ep.Destination,
		Query:       query,
		Interval:    cfg.Probe.Interval(),
		Timeout:     cfg.Probe.Timeout(),
		Count:       uint64(cfg.Probe.Count),
	}

	var runErr error
	switch cfg.Probe.Mode {
	case config.ModeSingle:
		runErr = pingOnce(ctx, tr, probeCfg, collector, reporter)
	case config.ModeSequential:
		_, runErr = probe.NewSequence(tr, probeCfg, collector, reporter).Run(ctx)
	default:
		_, runErr = probe.NewSession(tr, probeCfg, collector, reporter).Run(ctx)
	}

	// Print final statistics
	reporter.PrintFinalReport()
	if err := reporter.Export(); err != nil {
		log.WithError(err).Warn("Failed to export statistics")
	}

	if runErr != nil {
		return fmt.Errorf("probing %s failed: %w", ep.Destination, runErr)
	}
	return nil
}

func openTransport(ctx context.Context, cfg *config.Config, ep types.Endpoint) (transport.Transport, error) {
	dialCtx := ctx
	if d := cfg.Proxy.HandshakeTimeout(); ep.Relayed() && d > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	tr, err := transport.Open(dialCtx, ep)
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	if err := tr.SetWriteTimeout(cfg.Probe.Timeout()); err != nil {
		tr.Close()
		return nil, err
	}

	fields := log.Fields{"local_addr": tr.LocalAddr().String()}
	if r, ok := tr.(*transport.Relayed); ok {
		fields["relay"] = r.RelayAddr().String()
	}
	log.WithFields(fields).Debug("Transport ready")
	return tr, nil
}

// pingOnce sends a single query and fails when it goes unanswered.
func pingOnce(ctx context.Context, tr transport.Transport, cfg probe.Config, collector *stats.Collector, reporter *stats.Reporter) error {
	if err := tr.SetReadTimeout(cfg.Timeout); err != nil {
		return err
	}

	collector.RecordSent()
	size, rtt, err := probe.Ping(ctx, tr, cfg.Destination, cfg.FirstID, cfg.Query)
	switch {
	case err == nil:
		collector.RecordReply(rtt)
		reporter.OnReply(types.Reply{Size: size, From: cfg.Destination, ID: cfg.FirstID, RTT: rtt})
		return nil
	case errors.Is(err, transport.ErrTimedOut):
		reporter.OnTimeout(cfg.FirstID)
		return err
	case ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using console only")
		} else {
			log.SetOutput(f)
		}
	}
}

// bindViperFlags copies explicitly set flags over config file values.
func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	for _, fk := range flagKeys {
		if !cmd.Flags().Changed(fk.flag) {
			continue
		}
		switch cmd.Flags().Lookup(fk.flag).Value.Type() {
		case "int":
			val, _ := cmd.Flags().GetInt(fk.flag)
			v.Set(fk.key, val)
		case "bool":
			val, _ := cmd.Flags().GetBool(fk.flag)
			v.Set(fk.key, val)
		default:
			val, _ := cmd.Flags().GetString(fk.flag)
			v.Set(fk.key, val)
		}
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		v.Set("probe.mode", config.ModeSingle)
	}
	if sequential, _ := cmd.Flags().GetBool("sequential"); sequential {
		v.Set("probe.mode", config.ModeSequential)
	}
}
