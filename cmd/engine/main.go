package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxline/bpmn-engine/cmd/engine/event"
	"github.com/fluxline/bpmn-engine/cmd/engine/executor"
	"github.com/fluxline/bpmn-engine/cmd/engine/expression"
	"github.com/fluxline/bpmn-engine/cmd/engine/gateway"
	"github.com/fluxline/bpmn-engine/cmd/engine/registry"
	"github.com/fluxline/bpmn-engine/cmd/engine/routes"
	"github.com/fluxline/bpmn-engine/cmd/engine/scheduler"
	"github.com/fluxline/bpmn-engine/cmd/engine/script"
	"github.com/fluxline/bpmn-engine/cmd/engine/service"
	"github.com/fluxline/bpmn-engine/cmd/engine/state"
	"github.com/fluxline/bpmn-engine/cmd/engine/subprocess"
	"github.com/fluxline/bpmn-engine/cmd/engine/token"
	"github.com/fluxline/bpmn-engine/common/bootstrap"
	"github.com/fluxline/bpmn-engine/common/cache"
	"github.com/fluxline/bpmn-engine/common/metrics"
	enginemw "github.com/fluxline/bpmn-engine/common/middleware"
	"github.com/fluxline/bpmn-engine/common/ratelimit"
	"github.com/fluxline/bpmn-engine/common/repository"
	"github.com/fluxline/bpmn-engine/common/server"
	"github.com/fluxline/bpmn-engine/common/telemetry"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, redis, queue)
	components, err := bootstrap.Setup(ctx, "engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap engine: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	log := components.Logger
	engineMetrics := metrics.NewEngine()

	// Engine runtime
	stateManager := state.NewManager(state.Opts{Redis: components.Redis, Logger: log})
	tokenManager := token.NewManager(token.Opts{State: stateManager, Logger: log})
	evaluator := expression.New()
	taskRegistry := registry.New()
	registry.RegisterBuiltins(taskRegistry, log)

	exec := executor.New(executor.Opts{
		State:    stateManager,
		Tokens:   tokenManager,
		Events:   event.NewHandler(event.Opts{State: stateManager, Tokens: tokenManager, Evaluator: evaluator, Logger: log}),
		Gateways: gateway.NewHandler(gateway.Opts{State: stateManager, Tokens: tokenManager, Evaluator: evaluator, Logger: log}),
		Scopes:   subprocess.NewManager(subprocess.Opts{State: stateManager, Tokens: tokenManager, Logger: log}),
		Scripts:  script.NewExecutor(script.Opts{Timeout: components.Config.Process.ScriptTimeout, Logger: log}),
		Registry: taskRegistry,
		Eval:     evaluator,
		Metrics:  engineMetrics,
		Logger:   log,
	})

	limiter := ratelimit.NewLimiter(components.Redis.Underlying(), log)

	engine := service.NewEngine(service.Opts{
		Definitions:  repository.NewDefinitionRepository(components.DB),
		Instances:    repository.NewInstanceRepository(components.DB),
		State:        stateManager,
		Tokens:       tokenManager,
		Executor:     exec,
		Queue:        components.Queue,
		Cache:        cache.NewMemoryCache(log),
		Limiter:      limiter,
		Metrics:      engineMetrics,
		Logger:       log,
		MaxInstances: components.Config.Process.MaxInstances,
	})

	// Event bus consumers drive instance execution
	if err := engine.Consume(ctx); err != nil {
		log.Error("failed to start consumers", "error", err)
		os.Exit(1)
	}

	// Durable timer recovery
	timerScheduler := scheduler.New(scheduler.Opts{
		State:    stateManager,
		Queue:    components.Queue,
		Interval: components.Config.Process.CleanupInterval,
		Metrics:  engineMetrics,
		Logger:   log,
	})
	go func() {
		if err := timerScheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Error("timer scheduler exited", "error", err)
		}
	}()

	if components.Config.Server.Debug {
		if err := telemetry.New(6060, log).Start(ctx); err != nil {
			log.Warn("pprof startup failed", "error", err)
		}
	}

	e := setupEcho()
	setupMiddleware(e)
	e.Use(enginemw.GlobalRateLimit(limiter, ratelimit.DefaultGlobalConfig.Limit))
	setupHealthCheck(e, components)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	routes.Register(e, engine)

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "engine",
		})
	})
}

// startServer runs the HTTP server until an error or shutdown signal
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("engine", components.Config.Server.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
