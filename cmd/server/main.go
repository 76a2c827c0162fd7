package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sierra-crm/be-pr-requisitions/internal/client"
	"github.com/sierra-crm/be-pr-requisitions/internal/config"
	"github.com/sierra-crm/be-pr-requisitions/internal/database"
	"github.com/sierra-crm/be-pr-requisitions/internal/handler"
	"github.com/sierra-crm/be-pr-requisitions/internal/logger"
	"github.com/sierra-crm/be-pr-requisitions/internal/middleware"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
	"github.com/sierra-crm/be-pr-requisitions/internal/service"
	"github.com/sierra-crm/be-pr-requisitions/internal/workflow"
	"github.com/sierra-crm/be-pr-requisitions/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Purchase Requisitions Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnLife: cfg.Database.MaxConnLife,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	requisitionRepo := repository.NewRequisitionRepository(db)
	ruleRepo := repository.NewApprovalRulesRepository(db)

	// Identity service client
	identityClient := client.NewIdentityHTTPClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	log.Info().Str("identity_url", cfg.Identity.BaseURL).Msg("Identity client initialized")

	// NATS notification publisher (optional)
	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			// Notifications are best-effort; the workflow runs without them.
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS connection failed; notifications disabled")
			natsConn = nil
		} else {
			defer natsConn.Drain()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	notifier := client.NewNotificationPublisher(natsConn, log.Logger)

	// Workflow core
	clock := workflow.SystemClock{}
	machine := workflow.NewMachine(clock)

	multipliers := make(map[repository.Priority]float64, len(cfg.SLA.PriorityMultipliers))
	for priority, mult := range cfg.SLA.PriorityMultipliers {
		multipliers[repository.Priority(priority)] = mult
	}
	slaMonitor := workflow.NewMonitor(clock,
		time.Duration(cfg.SLA.NearDueHours*float64(time.Hour)), multipliers)

	collector := metrics.NewCollector()

	requisitionService := service.NewRequisitionService(
		requisitionRepo, ruleRepo, identityClient, notifier,
		machine, slaMonitor, collector, log,
	)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(requisitionService, collector, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", collector.Handler())

	httpHandler.Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
