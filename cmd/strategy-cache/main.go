package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	strategycache "github.com/always-cache/strategy-cache"
	"github.com/always-cache/strategy-cache/cache"
	"github.com/always-cache/strategy-cache/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string
	traceFlag          bool
	warmFlag           bool
	warmLimitFlag      int

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "strategy-cache.yaml", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to resolve requests against (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&traceFlag, "trace", false, "Print OpenTelemetry spans to stdout")
	flag.BoolVar(&warmFlag, "warm", false, "Request the configured warm-up URLs at startup")
	flag.IntVar(&warmLimitFlag, "warm-limit", 4, "Maximum concurrent warm-up requests")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFilenameFlag).Msg("Could not read config")
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	var originURL *url.URL
	if config.Origin != "" {
		if originURL, err = url.Parse(config.Origin); err != nil {
			log.Fatal().Err(err).Msg("Could not parse origin url")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if traceFlag {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal().Err(err).Msg("Could not create trace exporter")
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openStore(config)
	if err != nil {
		log.Fatal().Err(err).Str("driver", config.Store.Driver).Msg("Could not open cache store")
	}
	defer closeStore(store)

	routes, err := config.Routes.Router(originURL, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid routes")
	}

	scache := strategycache.New(strategycache.Config{
		Cache:     store,
		Routes:    routes,
		OriginURL: originURL,
		Metrics:   m,
	})

	if removed, err := scache.Expire(ctx); err != nil {
		log.Error().Err(err).Msg("Could not expire cache entries")
	} else {
		log.Info().Msgf("Expired %d cache entries", removed)
	}

	watcher, err := watchConfig(configFilenameFlag, func() {
		rt, err := loadRoutes(configFilenameFlag, originURL, m)
		if err != nil {
			log.Error().Err(err).Msg("Could not reload routes, keeping previous routes")
			return
		}
		scache.SetRoutes(rt)
		log.Info().Int("routes", len(rt.Bindings())).Msg("Reloaded routes")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	} else {
		defer watcher.Close()
	}

	if warmFlag && len(config.Warm) > 0 {
		go func() {
			if err := scache.Warm(ctx, config.Warm, warmLimitFlag); err != nil {
				log.Error().Err(err).Msg("Warm-up failed")
				return
			}
			log.Info().Msgf("Warmed %d URLs", len(config.Warm))
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: newHandler(scache, reg),
	}
	go func() {
		log.Info().Msgf("Listening on port %v (origin '%s')", portFlag, config.Origin)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down server")
	}
	// let background revalidations finish before closing the store
	scache.Wait()
}

func openStore(config Config) (cache.CacheProvider, error) {
	store, err := cache.Open(config.Store.Driver, config.Store.DSN)
	if err != nil {
		return nil, err
	}
	if config.HotCache.MaxCost > 0 {
		return cache.NewHotCache(store, config.HotCache.MaxCost)
	}
	return store, nil
}

func closeStore(store cache.CacheProvider) {
	if hot, ok := store.(*cache.HotCache); ok {
		hot.Close()
		store = hot.CacheProvider
	}
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cache store")
		}
	}
}
