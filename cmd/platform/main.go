package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/hierarchy"
	"github.com/edu-gov/platform/internal/recycle"
	"github.com/edu-gov/platform/internal/school"
	"github.com/edu-gov/platform/internal/school/sis"
	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/auth"
	"github.com/edu-gov/platform/internal/shared/config"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/metrics"
	secmiddleware "github.com/edu-gov/platform/internal/shared/middleware"
	"github.com/edu-gov/platform/internal/shared/types"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Mirror *audit.Mirror
	SIS    *sis.Adapter
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}

	// Audit mirror (optional - the Postgres ledger stays authoritative)
	if cfg.Stream.Enabled {
		mirror, err := audit.NewMirror(cfg.Stream)
		if err != nil {
			fmt.Printf("Warning: audit mirror not available: %v\n", err)
		} else {
			app.Mirror = mirror
			defer mirror.Close()
			fmt.Println("Audit mirror initialized")
		}
	}

	// SIS roster source (optional)
	if cfg.SIS.Enabled {
		adapter := sis.New(cfg.SIS)
		if err := adapter.Start(ctx); err != nil {
			fmt.Printf("Warning: SIS adapter not available: %v\n", err)
		} else {
			app.SIS = adapter
			defer adapter.Stop()
			fmt.Println("SIS adapter connected")
		}
	}

	// Core engine wiring
	registry := scope.DefaultRegistry()

	hierarchyRepo := hierarchy.NewRepository(db.Pool)
	resolver := hierarchy.NewResolver(hierarchyRepo)

	scopeRepo := scope.NewRepository(db.Pool, registry)
	engine := scope.NewEngine(resolver, scopeRepo, scopeRepo, registry)

	auditRepo := audit.NewRepository(db.Pool)
	var ledger audit.Ledger = auditRepo
	if app.Mirror != nil {
		ledger = audit.NewMirroredLedger(auditRepo, app.Mirror)
	}

	recycleRepo := recycle.NewRepository(db.Pool)
	recycleService := recycle.NewService(db, recycleRepo, recycle.NewRecords(), ledger, engine,
		registry, cfg.Retention, recycle.SystemClock())

	schoolRepo := school.NewRepository(db.Pool)

	rateLimiter := secmiddleware.NewIPRateLimiter(20, 40)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.InputSanitizer)
	r.Use(rateLimiter.Middleware)
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Get("/", infoHandler)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))

		hierarchyHandler := hierarchy.NewHandler(hierarchyRepo, resolver, ledger, db)
		r.Mount("/hierarchy", hierarchyHandler.Routes())

		schoolHandler := school.NewHandler(schoolRepo, engine, recycleService, ledger, db)
		r.Mount("/", schoolHandler.Routes())

		auditAccess := func(ctx context.Context, userID types.ID, action string) (bool, error) {
			return engine.CanAccess(ctx, userID, "audit_log", scope.Action(action), nil)
		}
		auditHandler := audit.NewHandler(auditRepo, auditAccess, db.Pool)
		r.Mount("/audit", auditHandler.Routes())

		recycleHandler := recycle.NewHandler(recycleRepo, recycleService, engine, ledger,
			db.Pool, recycle.SystemClock())
		r.Mount("/recycle", recycleHandler.Routes())

		if app.SIS != nil {
			importer := sis.NewImporter(app.SIS, schoolRepo, ledger, db)
			sisHandler := sis.NewHandler(importer, schoolRepo, engine)
			r.Mount("/sis", sisHandler.Routes())
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("Education Administration Platform")
	fmt.Println("============================================")
	fmt.Printf("Environment: %s\n", cfg.Server.Env)
	fmt.Printf("Server:      http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:         http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:      http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("Mirror:      %v\n", app.Mirror != nil)
	fmt.Printf("SIS import:  %v\n", app.SIS != nil)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Education Administration Platform",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if app.SIS != nil {
			if err := app.SIS.Health(r.Context()); err != nil {
				checks["sis"] = "not ready: " + err.Error()
			} else {
				checks["sis"] = "ready"
			}
		} else {
			checks["sis"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
