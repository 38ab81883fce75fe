package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"streamgate/pkg/config"
	"streamgate/pkg/gateway"
	"streamgate/pkg/logx"
	"streamgate/pkg/middleware/metrics"
	"streamgate/pkg/streaming"
	"streamgate/pkg/transport"
	"streamgate/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file (optional)")
		addr        = flag.String("addr", "", "Listen address, overrides server.addr")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamgate %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *addr))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(configPath, addr string) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := buildServer(cfg)
	if err := server.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Gateway stopped: %v", err)
		return 1
	}
	logger.Info("Gateway stopped")
	return 0
}

// buildServer wires configuration, transport, metrics and orchestrator together.
func buildServer(cfg *config.Config) *gateway.Server {
	usage := metrics.NewUsageRecorder()
	recorders := []metrics.Recorder{usage}
	gatewayOpts := []gateway.Option{gateway.WithUsage(usage)}

	if cfg.Metrics.Exporter == config.ExporterPrometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorders = append(recorders, metrics.NewPrometheusRecorder(reg))
		gatewayOpts = append(gatewayOpts, gateway.WithGatherer(reg))
	}

	if cfg.Metrics.QueryURL != "" {
		if q, err := metrics.NewQueryService(cfg.Metrics.QueryURL); err != nil {
			logx.NewLogger("main").Warn("Usage history disabled: %v", err)
		} else {
			gatewayOpts = append(gatewayOpts, gateway.WithHistory(q))
		}
	}

	upstream := transport.New(&http.Client{}, services(cfg))
	logx.NewLogger("main").Info("Upstream services: %s", strings.Join(upstream.Services(), ", "))
	orch := streaming.New(cfg, upstream, streaming.WithRecorder(metrics.Multi(recorders...)))
	return gateway.NewServer(orch, gatewayOpts...)
}

// services lists the configured upstreams in a stable order.
func services(cfg *config.Config) []transport.Service {
	ids := make([]string, 0, len(cfg.Services))
	for id := range cfg.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]transport.Service, 0, len(ids))
	for _, id := range ids {
		svc := cfg.Services[id]
		out = append(out, transport.Service{
			ID:      id,
			BaseURL: svc.BaseURL,
			Path:    svc.Path,
			Headers: svc.Headers,
		})
	}
	return out
}
