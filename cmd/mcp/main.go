// Command mcp serves the txguard API to MCP clients over stdio.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/txguard/internal/mcpserver"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "txguard-mcp:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	apiURL := os.Getenv("TXGUARD_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	flag.StringVar(&apiURL, "api-url", apiURL, "txguard API base URL (env TXGUARD_API_URL)")
	flag.Parse()

	cfg := mcpserver.Config{
		APIURL:   apiURL,
		User:     os.Getenv("TXGUARD_AUTH_USER"),
		Password: os.Getenv("TXGUARD_AUTH_PASS"),
	}
	if cfg.User != "" && cfg.Password == "" {
		return errors.New("TXGUARD_AUTH_PASS is required when TXGUARD_AUTH_USER is set")
	}

	return server.ServeStdio(mcpserver.NewMCPServer(cfg, version))
}
