// Creditrisk MCP Server - exposes credit profiles as MCP tools for LLMs
package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/creditrisk/internal/logging"
	"github.com/mbd888/creditrisk/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	// stdout carries the MCP stream; logs go to stderr
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg := mcpserver.Config{
		APIURL:      envOrDefault("CREDITRISK_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if cfg.AdminSecret == "" {
		logger.Warn("ADMIN_SECRET not set: recompute will only work against a development server")
	}
	logger.Info("starting MCP server", "api_url", cfg.APIURL, "version", Version)

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
