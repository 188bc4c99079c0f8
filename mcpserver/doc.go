// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes sandbox session operations as MCP tools
// using the mark3labs/mcp-go library: create_sandbox, execute_command,
// list_sessions and destroy_sandbox. Command filtering and user-facing
// policy belong to the calling layer; this surface executes what an
// authorized session is given.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	srv, err := mcpserver.New(config, logger, manager)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
