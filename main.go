package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/ocplatform/orchestrator/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := orchestrator.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))

	store, err := orchestrator.OpenStore(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer store.Close()

	if cfg.Flows.Dir != "" {
		if err := orchestrator.LoadFlowsFromDir(context.Background(), cfg.Flows.Dir, store, logger); err != nil {
			log.Fatalf("Error loading flow definitions: %v", err)
		}
	}

	sessions := orchestrator.NewMemorySessionStore(cfg.Session.TTL)
	defer sessions.Close()

	executor := orchestrator.NewFlowExecutor(store, logger)
	nlu := orchestrator.NewNLUClient(cfg.NLU, logger)
	apiRunner := orchestrator.NewAPICallRunner(cfg.Flows.APICallTimeout, logger)

	g := gin.Default()
	orchestrator.NewHTTPHandler(store, sessions, executor, nlu, apiRunner, logger, g)

	logger.Info("orchestrator started", "addr", cfg.Server.Addr)
	if err := g.Run(cfg.Server.Addr); err != nil {
		log.Fatalf("Error running server: %v", err)
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
