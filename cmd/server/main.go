// Package main is the entry point for the sandboxd server.
//
// sandboxd manages ephemeral, resource-limited, network-isolated container
// sandboxes for interactive terminal sessions in a multi-tenant cloud IDE.
// It enforces per-tenant session quotas, delegates isolation to a container
// engine (Docker or Podman) through its CLI, reaps orphaned containers in
// the background, and drains all sessions on shutdown.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/aethelide/sandboxd/config"
	"github.com/aethelide/sandboxd/logger"
	"github.com/aethelide/sandboxd/mcpserver"
	"github.com/aethelide/sandboxd/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Engine CLI runner
			func() sandbox.Runner { return sandbox.ExecRunner{} },

			// Container engine (probes availability at construction)
			sandbox.NewEngine,

			// Session registry with the configured quota
			func(cfg *config.Config) *sandbox.Registry {
				return sandbox.NewRegistry(cfg.Sandbox.MaxSessionsPerUser)
			},

			// Lifecycle controller
			sandbox.NewManager,

			// Orphan reaper
			func(log *zap.Logger, cfg *config.Config, engine *sandbox.Engine, registry *sandbox.Registry) *sandbox.Reaper {
				return sandbox.NewReaper(log, engine, registry, cfg.ReaperInterval())
			},

			// MCP Server
			mcpserver.New,
		),

		// Wire lifecycle: reaper runs for the process lifetime, and shutdown
		// drains every active session before the process exits.
		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	manager *sandbox.Manager,
	reaper *sandbox.Reaper,
	srv *mcpserver.MCPServer,
) {
	lc.Append(fx.StartStopHook(
		func() error {
			reaper.Start()
			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := srv.ServeStdio(); err != nil {
						panic(err)
					}
				}()
			case "http":
				go func() {
					if err := srv.ServeHTTP(); err != nil {
						panic(err)
					}
				}()
			}
			return nil
		},
		func(ctx context.Context) error {
			reaper.Stop()
			return manager.Shutdown(ctx)
		},
	))
}
