// anyclaude-proxy is a local-loopback HTTP reverse proxy that sits between a
// CLI coding assistant and one or more Anthropic-Messages-API-compatible LLM
// backends.
//
// Startup sequence:
//  1. Initialise the logger.
//  2. Load configuration (JSON file or defaults).
//  3. Build the components bottom-up: backend state, thinking registry,
//     observability hub, schema-drift registry, upstream client, router,
//     shutdown coordinator.
//  4. Start the IPC consumer loop for the companion TUI.
//  5. Bind the loopback listener (walking past EADDRINUSE if needed).
//  6. Install OS signal handling for graceful shutdown.
//  7. Run the accept loop until shutdown + connection drain complete.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/firasghr/anyclaude-proxy/internal/backend"
	"github.com/firasghr/anyclaude-proxy/internal/config"
	"github.com/firasghr/anyclaude-proxy/internal/ipc"
	"github.com/firasghr/anyclaude-proxy/internal/observability"
	"github.com/firasghr/anyclaude-proxy/internal/proxyserver"
	"github.com/firasghr/anyclaude-proxy/internal/router"
	"github.com/firasghr/anyclaude-proxy/internal/schema"
	"github.com/firasghr/anyclaude-proxy/internal/shutdown"
	"github.com/firasghr/anyclaude-proxy/internal/thinking"
	"github.com/firasghr/anyclaude-proxy/internal/upstream"
	"github.com/firasghr/anyclaude-proxy/logger"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	debugLog := flag.Bool("debug", false, "Enable verbose request/response debug logging on startup")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────
	log := logger.New(logger.LevelInfo)
	log.Info("anyclaude-proxy starting up")

	// ── Configuration ──────────────────────────────────────────────────────
	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			os.Exit(1)
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}
	configStore := config.NewStore(*cfg)

	// ── Backend state ──────────────────────────────────────────────────────
	backendState, err := backend.FromConfig(*cfg)
	if err != nil {
		log.Errorf("invalid backend configuration: %v", err)
		os.Exit(1)
	}
	log.Infof("%d backend(s) configured; active=%q", len(backendState.ListBackends()), backendState.ActiveID())

	// ── Thinking-block continuity registry ──────────────────────────────────
	registry := thinking.NewRegistry(cfg.Defaults.OrphanThreshold())

	// ── Observability hub ────────────────────────────────────────────────────
	hub := observability.NewHub()
	debugPlugin := observability.NewDebugLoggerPlugin(func(line string) { log.Debug(line) })
	debugPlugin.SetEnabled(*debugLog)
	hub.RegisterPlugin(debugPlugin)

	// ── Schema-drift detector ────────────────────────────────────────────────
	schemas := schema.NewRegistry()

	// ── Upstream client ──────────────────────────────────────────────────────
	client := upstream.New(cfg.Defaults)

	// ── Router ───────────────────────────────────────────────────────────────
	rt := router.New(backendState, registry, hub, client, log, nil, cfg.AgentTeams.TeammateBackend, func() config.Defaults {
		return configStore.Snapshot().Defaults
	})
	rt.SetSchemaRegistry(schemas)

	// ── Shutdown coordinator ─────────────────────────────────────────────────
	sd := shutdown.New()

	// ── IPC server ───────────────────────────────────────────────────────────
	ipcServer := ipc.NewServer(backendState, registry, hub, sd, log, nil)
	ipcCtx, cancelIPC := context.WithCancel(context.Background())
	defer cancelIPC()
	go ipcServer.Run(ipcCtx)
	log.Info("ipc command loop started")

	// ── Listener ─────────────────────────────────────────────────────────────
	srv, err := proxyserver.TryBind(cfg.ProxyBinding, log)
	if err != nil {
		log.Errorf("failed to bind listener: %v", err)
		os.Exit(1)
	}
	fmt.Printf("anyclaude-proxy listening on %s\n", srv.Addr())
	log.Infof("listening on %s", srv.Addr())

	// ── Signal handling + run loop ───────────────────────────────────────────
	runCtx := sd.ListenForSignals(context.Background())
	if err := srv.Run(runCtx, rt, sd); err != nil {
		log.Errorf("proxy server exited with error: %v", err)
		os.Exit(1)
	}
	log.Info("anyclaude-proxy shut down cleanly")
}
