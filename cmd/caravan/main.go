// Command caravan runs the deferred-extraction batch pipeline: it packs
// pending extraction requests into provider batch files, schedules them
// across the configured API keys, and feeds completed responses back
// through the orchestrator until manufacturers resolve.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/getcaravan/caravan"
	"github.com/getcaravan/caravan/config"
	"github.com/getcaravan/caravan/schemas"
)

// Command line flags
var (
	configPath  string // Path to the config file
	envFile     string // Optional .env file resolved before the config
	logLevel    string // Initial log level until the config applies its own
	metricsAddr string // Metrics listen address
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the config file")
	flag.StringVar(&envFile, "env-file", "", "Path to a .env file loaded before the config")
	flag.StringVar(&logLevel, "log-level", string(schemas.LogLevelInfo), "Log level: debug, info, warn, or error")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address for the Prometheus endpoint; empty disables it")
	flag.Parse()

	if configPath == "" {
		log.Fatalf("config path is required")
	}
}

func main() {
	logger := caravan.NewDefaultLogger(schemas.LogLevel(logLevel))

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logger.Fatal("failed to load env file", "path", envFile, "error", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", "path", configPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := caravan.Init(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize caravan", "error", err)
	}
	defer func() {
		if err := engine.Cleanup(); err != nil {
			logger.Error("cleanup failed", "error", err)
		}
	}()

	if metricsAddr != "" {
		go serveMetrics(engine, logger)
	}

	if err := engine.Run(ctx); err != nil {
		logger.Error("station stopped with error", "error", err)
	}
}

// serveMetrics exposes the telemetry registry on a small fasthttp server.
func serveMetrics(engine *caravan.Caravan, logger schemas.Logger) {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(engine.Metrics().Registry(), promhttp.HandlerOpts{}),
	)
	requestHandler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	logger.Info("metrics listener started", "addr", metricsAddr)
	if err := fasthttp.ListenAndServe(metricsAddr, requestHandler); err != nil {
		logger.Error("metrics listener failed", "addr", metricsAddr, "error", err)
	}
}
