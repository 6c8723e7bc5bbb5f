package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/health"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limithttp"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limitsource"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/prof"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-ratelimiter/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	lg, err := log.New(log.Options{
		App:               vi.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorChain: conf.IncludeErrorChain,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	// shared limits win over flags so every instance enforces the same N and W
	if conf.LimitsSSMParam != "" {
		if err := loadSharedLimits(ctx, &conf, vi.UserAgent()); err != nil {
			L.Error(ctx, err, "failed to load limits from ssm", "ssm_param", conf.LimitsSSMParam)
			os.Exit(1)
		}
	}
	window := conf.Window()
	failureMode, _ := limiter.ParseFailureMode(conf.StoreFailureMode)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"request_limit", conf.RequestLimit,
		"window_size_seconds", conf.WindowSizeSeconds,
		"store", conf.Store,
		"store_failure_mode", failureMode,
		"enable_ip_limit", conf.EnableIPLimit,
		"trusted_hops", conf.TrustedHops,
		"limits_ssm_param", conf.LimitsSSMParam,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       vi.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"store":     conf.Store,
		},
		ProfileMutexFraction: 5,
		BlockProfileRate:     int(time.Millisecond),
	})
	profiling := err == nil && conf.EnablePyroscope
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Insecure is true because traces only go to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    vi.AppName,
		Component:  "server",
		Version:    vi.Version,
		Attributes: map[string]string{"ratelimit.store": conf.Store},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi.AppName, "server", &vi)
	m.SetProfilingActive(profiling)
	m.SetLimitInfo(conf.RequestLimit, window, conf.Store, string(failureMode))

	backend, err := newBackend(ctx, conf, m)
	if err != nil {
		L.Error(ctx, err, "failed to create store", "store", conf.Store)
		os.Exit(1)
	}
	defer func() { _ = backend.close() }()

	engine, err := limiter.New(backend.store, limiter.Options{
		Limit:    conf.RequestLimit,
		Window:   window,
		Observer: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create limiter")
		os.Exit(1)
	}

	api := limithttp.New(engine,
		limithttp.WithFailureMode(failureMode),
		limithttp.WithOnDenied(func() { m.IncRateLimited("api") }),
		limithttp.WithOnFailOpen(func() { m.IncFailOpen("api") }),
	)

	var ipLimitMW func(next http.Handler) http.Handler
	if conf.EnableIPLimit {
		ipLimiter := ratelimit.New(engine,
			ratelimit.WithFailureMode(failureMode),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimited("middleware") }),
			ratelimit.WithOnFailOpen(func() { m.IncFailOpen("middleware") }),
		)
		ipLimitMW = ipLimiter.Middleware
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), backend.ready)

	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  ipLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// admin listener serves metrics, probes and pprof, never the limiter API
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops routing here before listeners close
	gate.Set("draining")
	if conf.DrainPeriod > 0 {
		L.Info(context.Background(), "draining", "period", conf.DrainPeriod.String())
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainPeriod):
			L.Info(context.Background(), "drain period complete")
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := backend.close(); err != nil {
		L.Error(context.Background(), err, "store close")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// loadSharedLimits replaces the flag limits with the ones held in SSM.
func loadSharedLimits(ctx context.Context, conf *cfg.App, appID string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := limitsource.NewSSMClient(fetchCtx, appID)
	if err != nil {
		return err
	}
	limits, err := limitsource.Fetch(fetchCtx, client, conf.LimitsSSMParam)
	if err != nil {
		return err
	}
	applyLimits(conf, limits)
	log.FromContext(ctx).Info(ctx, "loaded limits from ssm",
		"request_limit", limits.RequestLimit,
		"window_size_seconds", limits.WindowSizeInSeconds,
	)
	return nil
}

func applyLimits(conf *cfg.App, l limitsource.Limits) {
	conf.RequestLimit = l.RequestLimit
	conf.WindowSizeSeconds = l.WindowSizeInSeconds
}
