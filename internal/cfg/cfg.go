package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/log"
)

// EnvPrefix is prepended to upper-snake flag names, -request-limit reads LMLABS_REQUEST_LIMIT.
const EnvPrefix = "LMLABS_"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorChain bool
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	DrainPeriod       time.Duration

	// limiter
	RequestLimit      int
	WindowSizeSeconds float64
	StoreFailureMode  string
	EnableIPLimit     bool
	TrustedHops       int
	LimitsSSMParam    string

	// store
	Store          string
	Shards         int
	SweepInterval  time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorChain, "include-error-chain", true, "Include the wrapped error chain in error logs")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "how long readiness fails before listeners close on shutdown")

	fs.IntVar(&c.RequestLimit, "request-limit", limiter.DefaultLimit, "max admissions per identifier in any trailing window")
	fs.Float64Var(&c.WindowSizeSeconds, "window-size-seconds", limiter.DefaultWindow.Seconds(), "sliding window length in seconds")
	fs.StringVar(&c.StoreFailureMode, "store-failure-mode", string(limiter.FailClosed), "closed|open: reject (503) or admit when the store is unavailable")
	fs.BoolVar(&c.EnableIPLimit, "enable-ip-limit", false, "Also limit every API request by client IP")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted proxies in front of the server (X-Forwarded-For depth)")
	fs.StringVar(&c.LimitsSSMParam, "limits-ssm-param", "", "ssm parameter holding {requestLimit, windowSizeInSeconds} json, overrides the flags when set")

	fs.StringVar(&c.Store, "store", StoreMemory, "memory|redis")
	fs.IntVar(&c.Shards, "shards", 64, "memory store lock shards (rounded up to a power of two)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often the memory store drops idle identifiers")
	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "redis host:port")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "ratelimit", "prefix for redis record and lock keys")
}

// Window returns WindowSizeSeconds as a duration.
func (c App) Window() time.Duration {
	return time.Duration(c.WindowSizeSeconds * float64(time.Second))
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}

	if c.RequestLimit < 1 {
		errs = append(errs, fmt.Errorf("REQUEST_LIMIT must be at least 1 (got %d)", c.RequestLimit))
	}
	if c.Window() < time.Millisecond {
		errs = append(errs, fmt.Errorf("WINDOW_SIZE_SECONDS must be at least 0.001 (got %g)", c.WindowSizeSeconds))
	}
	if _, err := limiter.ParseFailureMode(c.StoreFailureMode); err != nil {
		errs = append(errs, fmt.Errorf("invalid STORE_FAILURE_MODE: %w", err))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must not be negative (got %d)", c.TrustedHops))
	}

	switch c.Store {
	case StoreMemory:
		if c.Shards < 1 || c.Shards > 1<<16 {
			errs = append(errs, fmt.Errorf("SHARDS must be 1..65536 (got %d)", c.Shards))
		}
		if c.SweepInterval <= 0 {
			errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive (got %s)", c.SweepInterval))
		}
	case StoreRedis:
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB must not be negative (got %d)", c.RedisDB))
		}
		if c.RedisKeyPrefix == "" {
			errs = append(errs, fmt.Errorf("REDIS_KEY_PREFIX is required when STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory|redis)", c.Store))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
