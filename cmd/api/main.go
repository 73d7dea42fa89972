package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/api"
	"github.com/IlyasAtabaev731/vending-shop/internal/catalogue"
	"github.com/IlyasAtabaev731/vending-shop/internal/config"
	"github.com/IlyasAtabaev731/vending-shop/internal/identity"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage/memory"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage/postgres"
	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("Starting application",
		slog.String("env", cfg.Env),
		slog.String("backend", cfg.Backend),
		slog.String("host", cfg.ApiHost),
		slog.Int("port", cfg.ApiPort),
	)

	store, err := openStore(cfg)
	if err != nil {
		log.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := api.NewServices(log, store, cfg.TokenTTL)

	if err := seed(context.Background(), cfg, svc); err != nil {
		log.Error("Failed to seed storage", "error", err)
		os.Exit(1)
	}

	apiServer := api.New(cfg, log, svc)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		apiServer.MustStart()
	}()

	<-sigChan
	log.Info("Got signal to shutdown server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Stop(ctx); err != nil {
		log.Error("Stopping server error", "error", err)
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendRemote:
		dbUrl := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			cfg.Postgres.User,
			cfg.Postgres.Pass,
			cfg.Postgres.Host,
			cfg.Postgres.Port,
			cfg.Postgres.Db,
		)
		return postgres.New(dbUrl)
	case config.BackendLocal:
		return memory.New(cfg.LocalStatePath)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func seed(ctx context.Context, cfg *config.Config, svc *api.Services) error {
	balance, err := decimal.NewFromString(cfg.Admin.Balance)
	if err != nil {
		return fmt.Errorf("admin balance: %w", err)
	}

	if err := svc.Identity.EnsureAdministrator(ctx, identity.AdministratorSeed{
		Email:    cfg.Admin.Email,
		Name:     cfg.Admin.Name,
		Password: cfg.Admin.Password,
		Balance:  balance,
	}); err != nil {
		return err
	}

	return svc.Catalogue.Seed(ctx, catalogue.DefaultProducts(cfg.DefaultStock))
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger
	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
