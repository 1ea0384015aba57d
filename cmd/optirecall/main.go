package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/nvclabs/optirecall/internal/agent"
	"github.com/nvclabs/optirecall/internal/config"
	"github.com/nvclabs/optirecall/internal/database"
	"github.com/nvclabs/optirecall/internal/handlers"
	"github.com/nvclabs/optirecall/internal/health"
	"github.com/nvclabs/optirecall/internal/jobs"
	"github.com/nvclabs/optirecall/internal/middleware"
	"github.com/nvclabs/optirecall/internal/notify"
	"github.com/nvclabs/optirecall/internal/vcs"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting OptiRecall self-healing agent...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	// Hash the admin password
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/ingest/*",
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize default database records
	if err := database.InitializeDefaults(); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}

	db := database.GetDB()

	// Ingest authentication: pre-shared keys for the application backend
	ingestAuth := middleware.NewAuthMiddleware(&middleware.AuthConfig{
		SkipPaths: []string{}, // applied only to /ingest routes
	})
	if err := ingestAuth.LoadAPIKeysFromDB(db); err != nil {
		log.Printf("Warning: Failed to load ingest keys: %v", err)
	}

	// Diagnosis and fix generation oracle
	oracle, err := agent.NewOpenAIOracle(cfg.OpenAIAPIKey, cfg.OracleModel, cfg.OracleTimeout)
	if err != nil {
		log.Fatalf("Failed to initialize oracle: %v", err)
	}
	log.Printf("Oracle initialized with model %s", cfg.OracleModel)

	// Working copy for fixes and deployments
	gitRepo := vcs.NewGitCLI(cfg.RepoDir)
	log.Printf("Version control initialized at %s (trunk=%s, staging=%s)", cfg.RepoDir, cfg.TrunkBranch, cfg.StagingBranch)

	// External dependency probes for the detector
	probes, err := agent.LoadProbes(cfg.ProbesFile)
	if err != nil {
		log.Printf("Warning: Failed to load dependency probes, using defaults: %v", err)
		probes = agent.DefaultProbes()
	}
	log.Printf("Loaded %d external dependency probes", len(probes))

	healthClient := health.NewClient()

	// Live event feed for the dashboard
	wsHandler := handlers.NewAgentWSHandler()

	// Slack notifications (webhook URL lives in agent settings)
	notifier := notify.NewSlackNotifier(db, cfg.AppURL)

	// Pipeline stages
	detector := agent.NewDetector(db, healthClient, cfg.AppURL, probes)
	diagnoser := agent.NewDiagnoser(db, oracle, cfg.RepoDir)
	fixer := agent.NewFixer(db, oracle, gitRepo, cfg.RepoDir, cfg.TestCommand)
	deployer := agent.NewDeployer(agent.DeployerParams{
		DB:            db,
		VC:            gitRepo,
		Health:        healthClient,
		Events:        wsHandler,
		AppURL:        cfg.AppURL,
		StagingURL:    cfg.StagingURL,
		TrunkBranch:   cfg.TrunkBranch,
		StagingBranch: cfg.StagingBranch,
	})
	orchestrator := agent.NewOrchestrator(db, diagnoser, fixer, deployer, notifier, wsHandler)
	log.Printf("Agent pipeline initialized (app=%s, staging=%s)", cfg.AppURL, cfg.StagingURL)

	// Background loops
	dispatcher := jobs.NewDispatcher(orchestrator, 32)
	scanJob := jobs.NewScanJob(db, detector, dispatcher, notifier)

	// HTTP surface
	httpHandler := handlers.NewHTTPHandler(db)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)
	agentAPIHandler := handlers.NewAgentAPIHandler(db, orchestrator, scanJob, wsHandler)
	ingestHandler := handlers.NewIngestHandler(db, detector)

	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)
	agentAPIHandler.SetupRoutes(mux)
	wsHandler.SetupRoutes(mux)

	// Ingest routes get key auth instead of the dashboard JWT
	ingestMux := http.NewServeMux()
	ingestHandler.SetupRoutes(ingestMux)
	mux.Handle("/ingest/", ingestAuth.Wrap(ingestMux))

	// Wrap all routes with CORS middleware first, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware()
	rootHandler := corsMiddleware.Wrap(middleware.RequestIDMiddleware(jwtAuthMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: rootHandler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Background workers
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	stopScan := make(chan struct{})
	go dispatcher.Run(ctx)
	go scanJob.Start(ctx, cfg.ScanInterval, stopScan)
	log.Printf("Periodic scan running every %s", cfg.ScanInterval)

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, cleaning up...")

		close(stopScan)
		ctxCancel()

		log.Println("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
		}

		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}

		log.Println("Shutdown complete")
		os.Exit(0)
	}()

	log.Println("Agent is running! Press Ctrl+C to exit.")
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api/agent", cfg.HTTPPort)
	log.Printf("Event feed: ws://localhost:%d/ws/agent", cfg.HTTPPort)

	// Keep the main goroutine alive
	for {
		time.Sleep(time.Hour)
	}
}
