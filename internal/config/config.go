package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddress = ":9879"
	defaultMetricsPath   = "/metrics"
	defaultHealthPath    = "/healthz"
	defaultLogLevel      = "info"
	defaultSysfsRoot     = "/sys"
	defaultTimeout       = 5 * time.Second

	defaultDeviceIndex  = 0
	defaultPortNum      = 1
	defaultMaxSendWR    = 128
	defaultMaxRecvWR    = 2048
	defaultMaxCQEntries = 2048
	defaultMaxSendSGE   = 16
	defaultMaxRecvSGE   = 1
	defaultMaxInline    = 64
	defaultPathMTU      = 512
	defaultTimeoutAttr  = 10
	defaultRetryCount   = 5
	defaultRNRRetry     = 5
	defaultMinRNRTimer  = 16
	defaultMaxRDAtomic  = 16
	defaultPKeyIndex    = 0
)

// Config captures runtime configuration. Its device/QP-bringup fields
// mirror the options spec.md §6 lists ("A configuration struct with the
// recognized options..."); its listen/metrics/log fields are the ambient
// surface every long-running process in this module's lineage exposes.
type Config struct {
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	LogLevel      slog.Level
	SysfsRoot     string
	ScrapeTimeout time.Duration
	ShowVersion   bool

	DeviceIndex       int
	PortNum           uint8
	AllowRemoteRW     bool
	AllowRemoteAtomic bool
	MaxSendWR         uint32
	MaxRecvWR         uint32
	MaxCQEntries      int
	MaxSendSGE        uint32
	MaxRecvSGE        uint32
	MaxInlineData     uint32
	PathMTU           int
	Timeout           uint8
	RetryCount        uint8
	RNRRetry          uint8
	MinRNRTimer       uint8
	MaxRDAtomic       uint8
	PKeyIndex         uint16
	QKey              uint32
}

// Parse constructs a Config from command-line flags and environment
// variables (RDMACORE_* prefix).
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("rdmacore", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listen := fs.String("listen-address", envOrDefault("RDMACORE_LISTEN_ADDRESS", defaultListenAddress), "Address to listen on for HTTP requests.")
	metricsPath := fs.String("metrics-path", envOrDefault("RDMACORE_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("RDMACORE_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("RDMACORE_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	sysfsRoot := fs.String("sysfs-root", envOrDefault("RDMACORE_SYSFS_ROOT", defaultSysfsRoot), "Root of the sysfs tree to read RDMA device topology from.")

	timeoutDefault := defaultTimeout
	if envTimeout := os.Getenv("RDMACORE_SCRAPE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid RDMACORE_SCRAPE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	scrapeTimeout := fs.Duration("scrape-timeout", timeoutDefault, "Maximum duration to spend gathering metrics per scrape.")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	deviceIndex := fs.Int("device-index", defaultDeviceIndex, "Index of the NIC to open.")
	portNum := fs.Uint("port-num", defaultPortNum, "1-based port number to open.")
	allowRemoteRW := fs.Bool("allow-remote-rw", false, "Grant remote read/write access on registered memory regions by default.")
	allowRemoteAtomic := fs.Bool("allow-remote-atomic", false, "Grant remote atomic access on registered memory regions by default.")
	maxSendWR := fs.Uint("max-send-wr", defaultMaxSendWR, "Default max outstanding sends per queue pair.")
	maxRecvWR := fs.Uint("max-recv-wr", defaultMaxRecvWR, "Default max outstanding receives per queue pair.")
	maxCQEntries := fs.Int("max-cq-entries", defaultMaxCQEntries, "Default completion queue capacity.")
	maxSendSGE := fs.Uint("max-send-sge", defaultMaxSendSGE, "Default max scatter-gather entries per send.")
	maxRecvSGE := fs.Uint("max-recv-sge", defaultMaxRecvSGE, "Default max scatter-gather entries per receive.")
	maxInline := fs.Uint("max-inline-data", defaultMaxInline, "Default max inline send payload in bytes.")
	pathMTU := fs.Int("path-mtu", defaultPathMTU, "Default path MTU (256, 512, 1024, 2048 or 4096).")
	timeoutAttr := fs.Uint("timeout", defaultTimeoutAttr, "Default local ACK timeout attribute.")
	retryCount := fs.Uint("retry-count", defaultRetryCount, "Default RC retry count.")
	rnrRetry := fs.Uint("rnr-retry", defaultRNRRetry, "Default RNR retry count.")
	minRNRTimer := fs.Uint("min-rnr-timer", defaultMinRNRTimer, "Default min-RNR-timer attribute.")
	maxRDAtomic := fs.Uint("max-rd-atomic", defaultMaxRDAtomic, "Default max outstanding RDMA reads/atomics.")
	pkeyIndex := fs.Uint("pkey-index", defaultPKeyIndex, "Default pkey table index.")
	qkey := fs.Uint("qkey", 0, "Default UD/DC qkey (0 selects a random value per queue pair).")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}
	if err := validatePathMTU(*pathMTU); err != nil {
		return cfg, err
	}

	cfg = Config{
		ListenAddress: *listen,
		MetricsPath:   *metricsPath,
		HealthPath:    *healthPath,
		LogLevel:      level,
		SysfsRoot:     *sysfsRoot,
		ScrapeTimeout: *scrapeTimeout,
		ShowVersion:   *showVersion,

		DeviceIndex:       *deviceIndex,
		PortNum:           uint8(*portNum),
		AllowRemoteRW:     *allowRemoteRW,
		AllowRemoteAtomic: *allowRemoteAtomic,
		MaxSendWR:         uint32(*maxSendWR),
		MaxRecvWR:         uint32(*maxRecvWR),
		MaxCQEntries:      *maxCQEntries,
		MaxSendSGE:        uint32(*maxSendSGE),
		MaxRecvSGE:        uint32(*maxRecvSGE),
		MaxInlineData:     uint32(*maxInline),
		PathMTU:           *pathMTU,
		Timeout:           uint8(*timeoutAttr),
		RetryCount:        uint8(*retryCount),
		RNRRetry:          uint8(*rnrRetry),
		MinRNRTimer:       uint8(*minRNRTimer),
		MaxRDAtomic:       uint8(*maxRDAtomic),
		PKeyIndex:         uint16(*pkeyIndex),
		QKey:              uint32(*qkey),
	}
	return cfg, nil
}

// AccessFlags folds AllowRemoteRW/AllowRemoteAtomic into the access-flag
// bitmask backend.Device.RegisterMR/CreateQP expect.
func (c Config) AccessFlags() uint32 {
	var flags uint32
	if c.AllowRemoteRW {
		flags |= 1<<1 | 1<<2 // AccessRemoteWrite | AccessRemoteRead
	}
	if c.AllowRemoteAtomic {
		flags |= 1 << 3 // AccessRemoteAtomic
	}
	return flags
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}

func validatePathMTU(mtu int) error {
	switch mtu {
	case 256, 512, 1024, 2048, 4096:
		return nil
	default:
		return fmt.Errorf("invalid path-mtu %d: must be one of 256, 512, 1024, 2048, 4096", mtu)
	}
}
