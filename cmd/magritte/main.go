package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bowerhall/magritte/internal/bot"
	"github.com/bowerhall/magritte/internal/catalog"
	"github.com/bowerhall/magritte/internal/config"
	"github.com/bowerhall/magritte/internal/dispatch"
	"github.com/bowerhall/magritte/internal/generate"
	"github.com/bowerhall/magritte/internal/logger"
	"github.com/bowerhall/magritte/internal/media"
	"github.com/bowerhall/magritte/internal/prefs"
	"github.com/joho/godotenv"
)

const staleStagingAge = time.Hour

func init() {
	godotenv.Load()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := catalog.Load(ctx, cfg.API, cfg.Catalog, cfg.RequestTimeout)
	if err != nil {
		logger.Fatal("failed to load model catalog", "error", err)
	}
	logger.Info("model catalog loaded", "models", strings.Join(registry.IDs(), ", "))

	store, err := prefs.Open(cfg.DBPath)
	if err != nil {
		// degraded: selections survive only until restart
		logger.Error("failed to open preference store, using in-memory fallback", "path", cfg.DBPath, "error", err)
		store = prefs.NewMemory()
	}
	defer store.Close()

	staging, err := media.NewStaging(cfg.TempDir)
	if err != nil {
		logger.Fatal("failed to prepare temp dir", "dir", cfg.TempDir, "error", err)
	}
	janitor := staging.StartJanitor(staleStagingAge)
	defer janitor.Stop()

	generator, err := generate.NewClient(ctx, cfg.API, cfg.RequestTimeout)
	if err != nil {
		logger.Fatal("failed to create generation client", "error", err)
	}

	b, err := bot.New(cfg.Bot)
	if err != nil {
		logger.Fatal("failed to create bot", "error", err)
	}

	d := dispatch.New(dispatch.Options{
		Registry:        registry,
		Prefs:           store,
		Generator:       generator,
		Staging:         staging,
		Messenger:       b,
		PendingPhotoCap: cfg.PendingPhotoCap,
	})
	b.SetHandler(d)

	go func() {
		if err := b.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("bot stopped", "error", err)
		}
	}()

	logger.Info("magritte is running", "provider", cfg.Bot.Provider, "pending_cap", cfg.PendingPhotoCap)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
}
