package config

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"dnsping/internal/transport"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
	causes   []error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// Unwrap exposes sentinel errors behind individual problems.
func (e *ValidationError) Unwrap() []error {
	return e.causes
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) addErr(err error) {
	e.Problems = append(e.Problems, err.Error())
	e.causes = append(e.causes, err)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	errs := &ValidationError{}

	dest, destErr := c.Destination()
	if c.Target.Address == "" {
		errs.add("target.address must be specified")
	} else if destErr != nil {
		errs.add("target.address must be a valid IP address, got %q", c.Target.Address)
	}

	if c.Target.Port <= 0 || c.Target.Port > 65535 {
		errs.add("target.port must be between 1 and 65535, got %d", c.Target.Port)
	}

	if _, ok := dns.IsDomainName(c.Target.Host); !ok || c.Target.Host == "" {
		errs.add("target.host must be a valid domain name, got %q", c.Target.Host)
	}

	proxy, proxyErr := c.ProxyAddr()
	if proxyErr != nil {
		errs.add("proxy.address must be IP or IP:port, got %q", c.Proxy.Address)
	} else if proxy.IsValid() {
		if proxy.Port() == 0 {
			errs.add("proxy.address port must be between 1 and 65535")
		}
		if destErr == nil {
			if err := transport.CheckFamily(dest.Addr(), proxy.Addr()); err != nil {
				errs.addErr(fmt.Errorf("target and proxy: %w", err))
			}
		}
	}

	// RFC 1929 length fields are one byte wide.
	if len(c.Proxy.Username) > 255 || len(c.Proxy.Password) > 255 {
		errs.add("proxy.username and proxy.password must be at most 255 bytes")
	}
	if c.Proxy.Username == "" && c.Proxy.Password != "" {
		errs.add("proxy.password requires proxy.username")
	}
	if c.Proxy.Username != "" && c.Proxy.Address == "" {
		errs.add("proxy.username requires proxy.address")
	}
	if c.Proxy.HandshakeTimeoutMs < 0 {
		errs.add("proxy.handshake_timeout_ms must be >= 0")
	}

	switch c.Probe.Mode {
	case ModeSession, ModeSingle, ModeSequential:
	default:
		errs.add("probe.mode must be one of %s/%s/%s, got %q", ModeSession, ModeSingle, ModeSequential, c.Probe.Mode)
	}

	if c.Probe.Count < 0 {
		errs.add("probe.count must be >= 0")
	}
	if c.Probe.IntervalMs < 0 {
		errs.add("probe.interval_ms must be >= 0")
	}
	if c.Probe.TimeoutMs < 0 {
		errs.add("probe.timeout_ms must be >= 0")
	}

	if c.Stats.ReportIntervalSec < 0 {
		errs.add("stats.report_interval_sec must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs.add("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}

	if len(errs.Problems) > 0 {
		return errs
	}
	return nil
}
