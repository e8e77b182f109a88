// Delfos SQL tool server - read-only PostgreSQL tools over MCP
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
