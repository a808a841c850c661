package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"delver/internal/cli"
	"delver/internal/config"
	"delver/internal/events"
	"delver/internal/llm_client"
	"delver/internal/logger"
	"delver/internal/memory"
	"delver/internal/orchestrator"
	"delver/internal/tools"
	"delver/internal/workspace"
)

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("DELVER_CONFIG"))
	if err != nil {
		log.Fatalf("Fatal Error: Could not load config: %v", err)
	}

	zl, err := logger.New(cfg.Debug, cfg.LogFile)
	if err != nil {
		log.Fatalf("Fatal Error: Could not initialize logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	provider, err := llm_client.New(llm_client.Config{
		Backend:    cfg.Backend,
		Model:      cfg.Model,
		OllamaHost: cfg.OllamaHost,
	})
	if err != nil {
		log.Fatalf("Fatal Error: Could not initialize LLM client: %v", err)
	}

	ws, err := workspace.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Fatal Error: Could not open workspace: %v", err)
	}
	defer func() { _ = ws.Close() }()

	mem, err := memory.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Fatal Error: Could not open memory store: %v", err)
	}
	defer func() { _ = mem.Close() }()

	stream := events.NewStream()
	defer stream.Close()

	orch := orchestrator.New(
		provider,
		tools.Toolset{
			Search: tools.NewWebSearcher(),
			Scrape: tools.NewWebScraper(provider, cfg.ScrapeLimit),
		},
		ws, mem, stream, zl, cfg,
	)

	app := &cli.App{Orchestrator: orch, Stream: stream, Config: cfg, Log: zl}
	if err := cli.Execute(app); err != nil {
		zl.Error("exited with error", zap.Error(err))
		os.Exit(1)
	}
}
