// Package sandbox implements the sandbox session manager.
//
// The sandbox package creates, executes commands inside, and tears down
// ephemeral, resource-limited, network-isolated containers on behalf of
// interactive terminal sessions. Isolation primitives are delegated to an
// external container engine (Docker or Podman) driven through its CLI; this
// package focuses on orchestration correctness: per-tenant quota enforcement,
// lifecycle ordering under concurrent use and teardown, and self-healing
// cleanup of orphaned containers.
//
// The Manager is the entry point. It owns a Registry of live sessions and an
// Engine wrapping the container CLI, and is typically paired with a Reaper
// that reconciles engine state against the registry in the background.
//
// Usage:
//
//	engine := sandbox.NewEngine(logger, cfg, sandbox.ExecRunner{})
//	registry := sandbox.NewRegistry(cfg.Sandbox.MaxSessionsPerUser)
//	manager := sandbox.NewManager(logger, cfg, engine, registry)
//	session, err := manager.Create(ctx, sandbox.CreateRequest{...}, sandbox.TierFree)
package sandbox
