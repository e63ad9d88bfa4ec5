package bootstrap

import (
	"context"
	"fmt"

	"github.com/fluxline/bpmn-engine/common/config"
	"github.com/fluxline/bpmn-engine/common/db"
	"github.com/fluxline/bpmn-engine/common/logger"
	"github.com/fluxline/bpmn-engine/common/queue"
	"github.com/fluxline/bpmn-engine/common/redis"
)

// Setup initializes all service components.
// This is the main entry point for the engine service.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Logging.Level,
			components.Config.Logging.Format,
		)
	}

	components.Logger.Info("initializing service", "service", serviceName)

	// 3. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})
	}

	// 4. Initialize fast store (if not skipped)
	if !options.skipRedis {
		components.Logger.Info("connecting to redis")
		components.Redis, err = redis.Connect(ctx,
			components.Config.Redis.URL,
			components.Config.Redis.PoolSize,
			components.Logger,
		)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 5. Initialize event bus (if not skipped)
	if !options.skipQueue {
		if options.memoryQueue {
			components.Queue = queue.NewMemoryQueue(components.Logger)
		} else {
			components.Logger.Info("connecting to rabbitmq")
			components.Queue, err = queue.NewAMQPQueue(&components.Config.RabbitMQ, components.Logger)
			if err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
			}
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
	)

	return components, nil
}
