package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/arturoeanton/barnstaff/internal/adapter/auth"
	"github.com/arturoeanton/barnstaff/internal/adapter/store"
	"github.com/arturoeanton/barnstaff/internal/handler"
	"github.com/arturoeanton/barnstaff/internal/middleware"
	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/internal/service"
	"github.com/arturoeanton/barnstaff/pkg/config"
)

var version = "dev"

func main() {
	migrateDown := flag.Int("migrate-down", 0, "roll back this many migrations and exit")
	flag.Parse()

	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	slog.Info("starting barnstaff server",
		"port", cfg.Port,
		"database", cfg.DSN(),
		"version", version,
	)
	if cfg.PublicKey == "" {
		slog.Error("BACKEND_PUBLIC_KEY is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Database ─────────────────────────────────────────────────────────
	pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	if *migrateDown > 0 {
		if err := pgStore.MigrateDown(*migrateDown); err != nil {
			slog.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations rolled back", "steps", *migrateDown)
		return
	}
	if err := pgStore.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// ── Change feed ──────────────────────────────────────────────────────
	hub := service.NewChangeHub()
	go func() {
		if err := store.NewChangeListener(cfg.DatabaseURL, slog.Default()).Run(ctx, hub.Publish); err != nil {
			slog.Error("change listener stopped", "error", err)
		}
	}()

	// ── Identity providers ───────────────────────────────────────────────
	callbackURL := cfg.PublicURL + "/auth/callback"
	providers := port.AuthProviderRegistry{}
	if cfg.GoogleClientID != "" {
		providers["google"] = auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, callbackURL)
	}
	if cfg.GitHubClientID != "" {
		providers["github"] = auth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, callbackURL)
	}
	if len(providers) == 0 {
		slog.Warn("no identity provider configured; sign-in is disabled")
	}

	// ── Services ─────────────────────────────────────────────────────────
	authService := service.NewAuthService(providers, pgStore, pgStore, cfg)
	recordService := service.NewRecordService(pgStore, pgStore)

	// ── Fiber App ────────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:     cfg.AppName,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout stays unset: change streams are long-lived.
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.FrontendURL},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.APIKeyHeader},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
	}))
	app.Use(middleware.Metrics())

	app.Get("/metrics", middleware.MetricsHandler())

	// ── Public Routes ────────────────────────────────────────────────────
	authLimiter := middleware.NewRateLimiter(ctx, rate.Limit(5), 10)
	api := mountAPI(app, cfg.PublicKey, authLimiter.Handler(),
		handler.NewHealthHandler(cfg.AppName, version, pgStore))

	authHandler := handler.NewAuthHandler(authService)
	authHandler.RegisterPublic(app, api)

	// ── Protected Routes ─────────────────────────────────────────────────
	protected := api.Group("",
		middleware.JWTMiddleware(authService.JWTConfig()),
		middleware.AuditMiddleware(pgStore),
	)

	authHandler.RegisterProtected(protected)
	handler.NewRecordsHandler(recordService).Register(protected)
	handler.NewChangesHandler(hub, store.Collections(), 15*time.Minute).Register(protected)
	handler.NewAuditHandler(pgStore).Register(protected)

	// ── Start ────────────────────────────────────────────────────────────
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	slog.Info("fiber listening", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
