package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/finrules/internal/config"
	"github.com/liamcoop/finrules/internal/database"
	"github.com/liamcoop/finrules/internal/logger"
	"github.com/liamcoop/finrules/internal/metrics"
	"github.com/liamcoop/finrules/ledger"
	"github.com/liamcoop/finrules/rules"
	"github.com/liamcoop/finrules/userrules"
)

// maxBodyBytes caps JSON and CSV request bodies.
const maxBodyBytes = 4 << 20

type contextKey string

const userIDKey contextKey = "user_id"

type Server struct {
	db       *sql.DB
	cfg      config.Config
	rules    *userrules.Manager
	ledger   *ledger.Service
	importer *ledger.Importer
	metrics  *metrics.Collector
	logger   *slog.Logger
	router   *chi.Mux
}

// NewServer wires the stores, engine and services. A nil db selects the
// in-memory stores.
func NewServer(cfg config.Config, db *sql.DB, log *slog.Logger) *Server {
	collector := metrics.NewCollector(cfg.MetricsNamespace, prometheus.NewRegistry())
	engine := rules.NewEngine(rules.WithObserver(collector), rules.WithLogger(log))

	var (
		ruleStore rules.RuleStore
		txStore   ledger.TransactionStore
		audit     ledger.AuditStore
	)
	if db != nil {
		ruleStore = rules.NewPostgresRuleStore(db)
		txStore = ledger.NewPostgresTransactionStore(db)
		audit = ledger.NewPostgresAuditStore(db)
	} else {
		ruleStore = rules.NewInMemoryRuleStore()
		txStore = ledger.NewInMemoryTransactionStore()
		audit = ledger.NewInMemoryAuditStore()
	}

	manager := userrules.NewManager(ruleStore,
		userrules.WithEngine(engine),
		userrules.WithCacheConfig(rules.CacheConfig{TTL: cfg.RuleCacheTTL}),
		userrules.WithLogger(log))
	service := ledger.NewService(txStore, audit, manager,
		ledger.WithEngine(engine),
		ledger.WithLogger(log))

	s := &Server{
		db:       db,
		cfg:      cfg,
		rules:    manager,
		ledger:   service,
		importer: ledger.NewImporter(service),
		metrics:  collector,
		logger:   log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireUser)

		// Evaluation
		r.Post("/evaluate", s.handleEvaluate)

		// Rule management
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Post("/validate", s.handleValidateRule)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/toggle", s.handleToggleRule)
			})
		})

		// Transactions
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", s.handleListTransactions)
			r.Post("/", s.handleCreateTransaction)
			r.Post("/import/preview", s.handleImportPreview)
			r.Post("/import/commit", s.handleImportCommit)

			r.Route("/{txId}", func(r chi.Router) {
				r.Get("/", s.handleGetTransaction)
				r.Put("/", s.handleUpdateTransaction)
				r.Delete("/", s.handleDeleteTransaction)
				r.Get("/history", s.handleTransactionHistory)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request, feeds the HTTP metrics and counts 4xx,
// 5xx and slow responses.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(r.Method, route, status, elapsed)

		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		if s.cfg.SlowRequest > 0 && elapsed > s.cfg.SlowRequest {
			logger.WarnSlowRequest()
		}

		s.logger.Debug("request served",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed)
	})
}

// requireUser reads the caller's identity from X-User-ID, which the gateway
// in front of the service sets after authentication.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			respondError(w, http.StatusUnauthorized, "X-User-ID header is required", nil)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondServiceError maps domain errors to status codes. Validation
// messages are returned unchanged; internal failures are logged and replaced
// with message.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrValidation), errors.Is(err, ledger.ErrInvalid):
		respondError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", nil)
	case errors.Is(err, ledger.ErrNotFound):
		respondError(w, http.StatusNotFound, "transaction not found", nil)
	case errors.Is(err, rules.ErrRuleExists):
		respondError(w, http.StatusConflict, "rule already exists", nil)
	default:
		logger.Logger.Error(message,
			"request_id", middleware.GetReqID(r.Context()),
			"user_id", userID(r),
			"error", err)
		respondError(w, http.StatusInternalServerError, message, nil)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn("Invalid LOG_LEVEL, using INFO", "error", err)
	}
	logger.SetLevel(level)

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		opts := database.DefaultOptions()
		opts.Attempts = cfg.DBConnectAttempts

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		db, err = database.Open(ctx, cfg.DatabaseURL, opts)
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	server := NewServer(cfg, db, logger.Logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Server stopped")
}
