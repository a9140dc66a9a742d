// llmgate — LLM gateway and streaming orchestration engine. Entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmgate/llmgate/internal/infra/config"
	"github.com/llmgate/llmgate/internal/server"
	"github.com/llmgate/llmgate/internal/version"
)

const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("llmgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	showVersion := fs.Bool("version", false, "Show version information")
	showHelp := fs.Bool("help", false, "Show help")
	configPath := fs.String("config", "", "Path to config file")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}

	if *showHelp {
		printHelp(out)
		return 0
	}

	if err := serve(*configPath); err != nil {
		fmt.Fprintf(out, "llmgate: %v\n", err) //nolint:errcheck
		return 1
	}
	return 0
}

// serve runs the gateway until SIGINT/SIGTERM, then shuts down gracefully.
func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printHelp(out io.Writer) {
	helpText := `llmgate - LLM gateway and streaming orchestration engine

Usage:
  llmgate [options]

Options:
  --version        Show version information
  --help           Show this help message
  --config PATH    Path to YAML config file (default: search path)

Environment:
  LLMGATE_CONFIG     Config file path
  LLMGATE_DB_PATH    SQLite database path
  LLMGATE_HOST       Listen host
  LLMGATE_PORT       Listen port
  LLMGATE_LOG_LEVEL  Log level (debug, info, warn, error)
  OLLAMA_BASE_URL    Base URL of the local Ollama backend

Examples:
  llmgate --version
  llmgate --config config.yaml`
	fmt.Fprintln(out, helpText) //nolint:errcheck
}
