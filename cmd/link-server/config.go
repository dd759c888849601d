package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-serial-link/internal/rxbuf"
	"github.com/kstaniek/go-serial-link/internal/serial"
)

// ptyDevice selects a pseudo terminal instead of a physical port.
const ptyDevice = "pty"

type appConfig struct {
	serialDev       string
	baud            int
	parity          string
	stopBits        string
	dataBits        int
	serialReadTO    time.Duration
	rxCapacity      int
	frameMode       string
	frameLen        int
	checksum        bool
	lineEnding      string
	pollInterval    time.Duration
	txGap           time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	mqttURL         string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	fs := flag.CommandLine
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path, or \"pty\" for a pseudo terminal")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.StringVar(&cfg.parity, "parity", "none", "Parity: none|odd|even|mark|space")
	fs.StringVar(&cfg.stopBits, "stop-bits", "1", "Stop bits: 1|1.5|2")
	fs.IntVar(&cfg.dataBits, "data-bits", 8, "Data bits: 5..8")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.IntVar(&cfg.rxCapacity, "rx-capacity", rxbuf.DefaultCapacity, "Receive buffer capacity (bytes)")
	fs.StringVar(&cfg.frameMode, "frame-mode", "line", "Frame mode: line|fixed")
	fs.IntVar(&cfg.frameLen, "frame-len", 0, "Fixed frame length in bytes, checksum trailer included")
	fs.BoolVar(&cfg.checksum, "checksum", false, "Verify the 2-byte checksum trailer on fixed frames")
	fs.StringVar(&cfg.lineEnding, "line-ending", "crlf", "Ending appended to text requests: crlf|lf|cr|none")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 10*time.Millisecond, "Receive buffer poll interval")
	fs.DurationVar(&cfg.txGap, "tx-gap", 0, "Minimum idle time between two requests written to the device")
	fs.StringVar(&cfg.listenAddr, "listen", ":20100", "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default link-server-<hostname>)")
	fs.StringVar(&cfg.mqttURL, "mqtt-url", "", "MQTT broker URL, e.g. mqtt://host:1883/prefix; empty disables")
	showVersion := fs.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

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
// It does not attempt to open devices or listeners, only checks values/ranges.
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
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.serialDev == "" {
		return errors.New("serial device must not be empty")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.dataBits < 5 || c.dataBits > 8 {
		return fmt.Errorf("data-bits must be 5..8 (got %d)", c.dataBits)
	}
	if _, err := serial.ParseParity(c.parity); err != nil {
		return err
	}
	if _, err := serial.ParseStopBits(c.stopBits); err != nil {
		return err
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.rxCapacity < 2 {
		return fmt.Errorf("rx-capacity must be >= 2 (got %d)", c.rxCapacity)
	}
	fr, err := c.framer()
	if err != nil {
		return err
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	if fr.Mode == serial.ModeFixed && fr.FrameLen >= c.rxCapacity {
		return fmt.Errorf("frame-len %d must be below rx-capacity %d", fr.FrameLen, c.rxCapacity)
	}
	if _, err := lineEndingBytes(c.lineEnding); err != nil {
		return err
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.txGap < 0 {
		return fmt.Errorf("tx-gap must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

func (c *appConfig) framer() (serial.Framer, error) {
	mode, err := serial.ParseMode(c.frameMode)
	if err != nil {
		return serial.Framer{}, err
	}
	return serial.Framer{Mode: mode, FrameLen: c.frameLen, Checksum: c.checksum}, nil
}

// lineEndingBytes maps the -line-ending names to the bytes appended to text requests.
func lineEndingBytes(name string) (string, error) {
	switch strings.ToLower(name) {
	case "crlf", "":
		return "\r\n", nil
	case "lf":
		return "\n", nil
	case "cr":
		return "\r", nil
	case "none":
		return "", nil
	default:
		return "", fmt.Errorf("invalid line-ending: %s", name)
	}
}

const envPrefix = "SERIAL_LINK_"

// applyEnvOverrides maps SERIAL_LINK_* environment variables to config fields
// unless a corresponding flag was explicitly set. The variable name is the
// flag name upper-cased with dashes turned into underscores. Empty values are
// ignored; the first parse error is returned.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	lookup := func(name string) (string, string, bool) {
		if _, ok := set[name]; ok {
			return "", "", false
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return key, v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if _, v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, min int, dst *int) {
		if key, v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			switch {
			case err != nil:
				fail(key, err)
			case n < min:
				fail(key, fmt.Errorf("%d below %d", n, min))
			default:
				*dst = n
			}
		}
	}
	dur := func(name string, dst *time.Duration) {
		if key, v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			switch {
			case err != nil:
				fail(key, err)
			case d < 0:
				fail(key, fmt.Errorf("negative duration %s", d))
			default:
				*dst = d
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if key, v, ok := lookup(name); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("serial", &c.serialDev)
	num("baud", 1, &c.baud)
	str("parity", &c.parity)
	str("stop-bits", &c.stopBits)
	num("data-bits", 5, &c.dataBits)
	dur("serial-read-timeout", &c.serialReadTO)
	num("rx-capacity", 2, &c.rxCapacity)
	str("frame-mode", &c.frameMode)
	num("frame-len", 0, &c.frameLen)
	boolean("checksum", &c.checksum)
	str("line-ending", &c.lineEnding)
	dur("poll-interval", &c.pollInterval)
	dur("tx-gap", &c.txGap)
	str("listen", &c.listenAddr)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	num("hub-buffer", 1, &c.hubBuffer)
	str("hub-policy", &c.hubPolicy)
	dur("log-metrics-interval", &c.logMetricsEvery)
	num("max-clients", 0, &c.maxClients)
	dur("handshake-timeout", &c.handshakeTO)
	dur("client-read-timeout", &c.clientReadTO)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	str("mqtt-url", &c.mqttURL)
	// metrics-addr may be set to empty on purpose to disable the endpoint.
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	return firstErr
}
