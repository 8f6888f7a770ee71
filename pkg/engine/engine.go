// Package engine provides a reusable CI workflow orchestration engine
// that can be embedded into other Go applications.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/lei/flowci/internal/api"
	"github.com/lei/flowci/internal/artifact"
	"github.com/lei/flowci/internal/config"
	"github.com/lei/flowci/internal/coordinator"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/runner"
	"github.com/lei/flowci/internal/service"
	"github.com/lei/flowci/internal/store"
	"github.com/lei/flowci/internal/workflow"
	"github.com/lei/flowci/pkg/logger"
)

// Engine represents an engine instance that can be embedded in applications
type Engine struct {
	config  *Config
	coord   *coordinator.Coordinator
	service *service.Service
	store   *store.Store
	router  http.Handler
	server  *http.Server
	logger  *logger.Logger
}

// Config holds the configuration for the Engine
type Config struct {
	// Server configuration
	Server ServerConfig

	// Authentication configuration
	Auth AuthConfig

	// Workflows to register at startup. WorkflowFiles are loaded and
	// validated; Definitions are registered as-is.
	WorkflowFiles []string
	WorkflowDir   string
	Definitions   []*workflow.Definition

	// Runner executes steps; defaults to the local script runner
	Runner runner.CommandRunner

	// Limiter optionally bounds instance parallelism
	Limiter coordinator.Limiter

	// ArtifactDir enables the filesystem artifact publisher
	ArtifactDir string
	// Publisher overrides the artifact publisher entirely
	Publisher artifact.Publisher

	// StorePath enables the persistent run archive
	StorePath string

	// Logger configuration
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys []APIKey
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string
	Key  string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// New creates a new Engine instance with the provided configuration
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.Open(cfg.StorePath, appLogger)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	pub := cfg.Publisher
	if pub == nil {
		if cfg.ArtifactDir != "" {
			pub = &artifact.FS{Root: cfg.ArtifactDir}
		} else {
			pub = &artifact.Memory{}
		}
	}

	run := cfg.Runner
	if run == nil {
		run = &runner.Local{}
	}

	coord := coordinator.New(coordinator.Config{
		Log:       appLogger,
		Runner:    run,
		Publisher: pub,
		Store:     st,
		Limiter:   cfg.Limiter,
	})

	defs, err := collectDefinitions(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	for _, def := range defs {
		if err := coord.Register(def); err != nil {
			st.Close()
			return nil, fmt.Errorf("register workflow: %w", err)
		}
	}

	svc := service.NewService(coord, st, appLogger)

	handlers := api.NewHandlers(svc)
	configAPIKeys := make([]config.APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		configAPIKeys[i] = config.APIKey{Name: key.Name, Key: key.Key}
	}
	authMiddleware := api.NewAuthMiddleware(configAPIKeys)
	loggingMiddleware := api.NewLoggingMiddleware(appLogger)
	router := api.NewRouter(handlers, authMiddleware, loggingMiddleware)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Engine{
		config:  cfg,
		coord:   coord,
		service: svc,
		store:   st,
		router:  router,
		server:  srv,
		logger:  appLogger,
	}, nil
}

// collectDefinitions loads and validates all configured workflows
func collectDefinitions(cfg *Config) ([]*workflow.Definition, error) {
	defs := append([]*workflow.Definition(nil), cfg.Definitions...)

	files := append([]string(nil), cfg.WorkflowFiles...)
	if cfg.WorkflowDir != "" {
		for _, pattern := range []string{"*.yml", "*.yaml"} {
			matches, err := filepath.Glob(filepath.Join(cfg.WorkflowDir, pattern))
			if err != nil {
				return nil, fmt.Errorf("scan workflow dir: %w", err)
			}
			files = append(files, matches...)
		}
		sort.Strings(files)
	}

	for _, path := range files {
		def, err := workflow.Load(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Start starts the HTTP server.
// This is a blocking call that will run until the context is canceled
// or an error occurs; in-flight runs are drained on shutdown.
func (e *Engine) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		e.logger.Info("starting http server", "port", e.config.Server.Port)
		serverErrors <- e.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		e.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.server.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		e.coord.Shutdown()
		if err := e.store.Close(); err != nil {
			e.logger.Warn("closing run store failed", "error", err)
		}
		e.logger.Info("engine stopped gracefully")
		return nil
	}
}

// Handler returns the http.Handler for the engine.
// Use this to integrate the engine into an existing HTTP server.
func (e *Engine) Handler() http.Handler {
	return e.router
}

// Service returns the underlying service layer for direct programmatic access
func (e *Engine) Service() *service.Service {
	return e.service
}

// Coordinator returns the run coordinator for embedded use
func (e *Engine) Coordinator() *coordinator.Coordinator {
	return e.coord
}

// OnEvent submits an event directly, bypassing the HTTP surface
func (e *Engine) OnEvent(ev models.Event) []*models.Run {
	return e.coord.OnEvent(ev)
}

// NewFromEnv creates an Engine instance from environment variables
func NewFromEnv() (*Engine, error) {
	cfg := config.FromEnv()

	engAPIKeys := make([]APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		engAPIKeys[i] = APIKey{Name: key.Name, Key: key.Key}
	}

	return New(&Config{
		Server: ServerConfig{
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		Auth:        AuthConfig{APIKeys: engAPIKeys},
		WorkflowDir: cfg.Workflows.Dir,
		ArtifactDir: cfg.Artifacts.Dir,
		StorePath:   cfg.Store.Path,
		Logging: LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
	})
}

// NewFromConfigFile creates an Engine instance from a YAML config file
func NewFromConfigFile(path string) (*Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	engAPIKeys := make([]APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		engAPIKeys[i] = APIKey{Name: key.Name, Key: key.Key}
	}

	return New(&Config{
		Server: ServerConfig{
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		Auth:          AuthConfig{APIKeys: engAPIKeys},
		WorkflowDir:   cfg.Workflows.Dir,
		WorkflowFiles: cfg.Workflows.Paths,
		ArtifactDir:   cfg.Artifacts.Dir,
		StorePath:     cfg.Store.Path,
		Logging: LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
	})
}
