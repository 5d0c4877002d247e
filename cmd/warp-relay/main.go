package main

import (
	"log/slog"
	"os"

	"github.com/warplay/warp-relay/internal/accountregistry"
	"github.com/warplay/warp-relay/internal/acquirer"
	"github.com/warplay/warp-relay/internal/events"
	"github.com/warplay/warp-relay/internal/gateway"
	"github.com/warplay/warp-relay/internal/quota"
	"github.com/warplay/warp-relay/internal/refresh"
	"github.com/warplay/warp-relay/internal/secrets"
	"github.com/warplay/warp-relay/internal/wconfig"
	"github.com/warplay/warp-relay/internal/wtransport"
)

var version = "dev"

func main() {
	cfg := wconfig.Load()

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewRotatingLogHandler(level, 1000, events.RotationConfig{
		Enabled:    cfg.LogEnableRotation,
		Directory:  cfg.LogDirectory,
		MaxSizeMB:  cfg.LogMaxFileSizeMB,
		MaxBackups: cfg.LogBackupCount,
	})
	slog.SetDefault(slog.New(logHandler))
	slog.Info("warp-relay starting", "version", version)

	store, err := secrets.New(cfg.SecretsFilePath)
	if err != nil {
		slog.Error("secrets store init failed", "error", err)
		os.Exit(1)
	}

	var registry *accountregistry.Registry
	if cfg.AccountsFilePath != "" {
		registry = accountregistry.New(cfg.AccountsFilePath, slog.Default())
	}

	transportMgr := wtransport.NewManager()
	defer transportMgr.Close()
	client := transportMgr.Client(nil)

	acq := acquirer.New(cfg, client, store)
	oracle := quota.New(cfg, client)
	bus := events.NewBus(200)

	coordinator := refresh.New(cfg, store, registry, acq, oracle, client, transportMgr, bus, slog.Default())

	srv := gateway.New(cfg, coordinator, client, gateway.JSONEncoder(), bus, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
