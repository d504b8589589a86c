package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr      string
	gameName        string
	verMajor        int
	verMinor        int
	verBuild        int
	userVersion     int
	unreliable      bool
	outRate         int
	inRate          int
	maxConnections  int
	handshakeTO     time.Duration
	receiveTO       time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":6789", "Reliable TCP listen address")
	gameName := flag.String("game-name", "gne-sample", "Game name validated against every incoming CRP")
	verMajor := flag.Int("proto-major", 1, "Protocol major version")
	verMinor := flag.Int("proto-minor", 0, "Protocol minor version")
	verBuild := flag.Int("proto-build", 0, "Protocol build number")
	userVersion := flag.Int("user-version", 0, "Application user version (0 disables the check)")
	unreliable := flag.Bool("unreliable", true, "Offer an unreliable UDP side-channel to clients that request one")
	outRate := flag.Int("out-rate", 0, "Default outbound byte/sec cap per connection (0 = unlimited)")
	inRate := flag.Int("in-rate", 0, "Default inbound byte/sec cap advertised to peers (0 = unlimited)")
	maxConnections := flag.Int("max-connections", 0, "Maximum simultaneous connections (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Per-connection handshake timeout")
	receiveTO := flag.Duration("receive-timeout", 0, "Per-connection receive-inactivity timeout (0 disables)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the listener")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default gne-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.gameName = *gameName
	cfg.verMajor = *verMajor
	cfg.verMinor = *verMinor
	cfg.verBuild = *verBuild
	cfg.userVersion = *userVersion
	cfg.unreliable = *unreliable
	cfg.outRate = *outRate
	cfg.inRate = *inRate
	cfg.maxConnections = *maxConnections
	cfg.handshakeTO = *handshakeTO
	cfg.receiveTO = *receiveTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to bind sockets, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.gameName == "" {
		return errors.New("game-name must not be empty")
	}
	if c.verMajor < 0 || c.verMinor < 0 || c.verBuild < 0 {
		return errors.New("proto-major/minor/build must be >= 0")
	}
	if c.outRate < 0 || c.inRate < 0 {
		return errors.New("out-rate/in-rate must be >= 0")
	}
	if c.maxConnections < 0 {
		return errors.New("max-connections must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.receiveTO < 0 {
		return errors.New("receive-timeout must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps GNE_SERVER_* environment variables to config
// fields unless a corresponding flag was explicitly set (flags win).
// Duration fields accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("GNE_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["game-name"]; !ok {
		if v, ok := get("GNE_SERVER_GAME_NAME"); ok && v != "" {
			c.gameName = v
		}
	}
	if _, ok := set["proto-major"]; !ok {
		if v, ok := get("GNE_SERVER_PROTO_MAJOR"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.verMajor = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_PROTO_MAJOR: %w", err)
			}
		}
	}
	if _, ok := set["proto-minor"]; !ok {
		if v, ok := get("GNE_SERVER_PROTO_MINOR"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.verMinor = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_PROTO_MINOR: %w", err)
			}
		}
	}
	if _, ok := set["user-version"]; !ok {
		if v, ok := get("GNE_SERVER_USER_VERSION"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.userVersion = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_USER_VERSION: %w", err)
			}
		}
	}
	if _, ok := set["unreliable"]; !ok {
		if v, ok := get("GNE_SERVER_UNRELIABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.unreliable = true
			case "0", "false", "no", "off":
				c.unreliable = false
			}
		}
	}
	if _, ok := set["out-rate"]; !ok {
		if v, ok := get("GNE_SERVER_OUT_RATE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.outRate = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_OUT_RATE: %w", err)
			}
		}
	}
	if _, ok := set["in-rate"]; !ok {
		if v, ok := get("GNE_SERVER_IN_RATE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.inRate = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_IN_RATE: %w", err)
			}
		}
	}
	if _, ok := set["max-connections"]; !ok {
		if v, ok := get("GNE_SERVER_MAX_CONNECTIONS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxConnections = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_MAX_CONNECTIONS: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("GNE_SERVER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["receive-timeout"]; !ok {
		if v, ok := get("GNE_SERVER_RECEIVE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.receiveTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_RECEIVE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("GNE_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("GNE_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("GNE_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("GNE_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GNE_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("GNE_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("GNE_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
