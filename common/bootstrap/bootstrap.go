// Package bootstrap initializes service components from configuration.
// Every binary starts the same way: load config, build a logger, then
// construct the backend drivers its options ask for. Drivers share one
// postgres pool, one redis connection and one AWS credential chain.
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/anthive/orchestrator/common/blob"
	"github.com/anthive/orchestrator/common/cache"
	"github.com/anthive/orchestrator/common/cloud"
	"github.com/anthive/orchestrator/common/config"
	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/queue"
	"github.com/anthive/orchestrator/common/records"
	rediscommon "github.com/anthive/orchestrator/common/redis"
	"github.com/anthive/orchestrator/common/tasks"
	"github.com/anthive/orchestrator/common/telemetry"
)

// Setup initializes all service components.
// This is the main entry point for all services.
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
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx) // Cleanup what we've initialized
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize queue (if not skipped)
	if !options.skipQueue {
		if err := components.setupQueue(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, err
		}
	}

	// 5. Initialize record and blob stores (if not skipped)
	if !options.skipStores {
		if err := components.setupRecords(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, err
		}
		if err := components.setupBlob(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, err
		}
	}

	// 6. Initialize task launcher (opt-in)
	if options.withTasks {
		if err := components.setupTasks(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, err
		}
	}

	// 7. Connect redis for components outside the queue path (opt-in)
	if options.withRedis {
		if _, err := components.redisClient(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, err
		}
	}

	// 8. Initialize cache (opt-in)
	if options.withCache {
		if components.Redis != nil {
			components.Logger.Info("initializing cache", "driver", "redis")
			components.Cache = cache.NewRedisCache(
				components.Redis.GetUnderlying(), serviceName, components.Logger)
		} else {
			components.Logger.Info("initializing cache", "driver", "memory")
			components.Cache = cache.NewMemoryCache(components.Logger)
		}
		components.addCleanup(func() error {
			return components.Cache.Close()
		})
	}

	// 9. Initialize telemetry (if not skipped). Metrics instruments are
	// created even when no listener port is enabled, so the engine and
	// conductor can observe unconditionally.
	if !options.skipTelemetry {
		pprofPort := 0
		if components.Config.Telemetry.EnablePprof {
			pprofPort = components.Config.Telemetry.PprofPort
		}
		metricsPort := 0
		if components.Config.Telemetry.EnableMetrics {
			metricsPort = components.Config.Telemetry.MetricsPort
		}
		components.Telemetry = telemetry.New(pprofPort, metricsPort, components.Logger)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"queue", components.Config.Queue.Driver,
		"records", components.Config.Records.Driver,
		"blob", components.Config.Blob.Driver,
		"tasks", components.Tasks != nil,
		"cache", components.Cache != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error.
// Useful for services that can't recover from initialization failure.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}

// redisClient dials redis once and shares the connection across every
// driver that asks for it.
func (c *Components) redisClient(ctx context.Context) (*rediscommon.Client, error) {
	if c.Redis != nil {
		return c.Redis, nil
	}

	raw := goredis.NewClient(&goredis.Options{
		Addr:     c.Config.RedisAddr(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", c.Config.RedisAddr(), err)
	}

	c.Logger.Info("redis connected", "addr", c.Config.RedisAddr())
	c.Redis = rediscommon.NewClient(raw, c.Logger)
	c.addCleanup(func() error {
		return raw.Close()
	})
	return c.Redis, nil
}

// cloudClients resolves the AWS credential chain once, on first use.
func (c *Components) cloudClients(ctx context.Context) (*cloud.Clients, error) {
	if c.Cloud != nil {
		return c.Cloud, nil
	}
	clients, err := cloud.NewClients(ctx, c.Config.Cloud)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws credentials: %w", err)
	}
	c.Cloud = clients
	return clients, nil
}

func (c *Components) setupQueue(ctx context.Context) error {
	c.Logger.Info("initializing queue", "driver", c.Config.Queue.Driver)

	switch c.Config.Queue.Driver {
	case "memory":
		c.Queue = queue.NewMemoryQueue(c.Logger)
	case "redis":
		client, err := c.redisClient(ctx)
		if err != nil {
			return err
		}
		q, err := queue.NewRedisQueue(ctx, client, queue.RedisQueueOpts{
			Stream: c.Config.Queue.Stream,
			Group:  c.Config.Queue.Group,
			Block:  c.Config.Queue.ReceiveBlock,
			Logger: c.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis queue: %w", err)
		}
		c.Queue = q
	case "sqs":
		clients, err := c.cloudClients(ctx)
		if err != nil {
			return err
		}
		c.Queue = queue.NewSQSQueue(
			clients.SQS(), c.Config.Queue.SQSQueueURL, c.Config.Queue.ReceiveBlock, c.Logger)
	default:
		return fmt.Errorf("unknown queue driver: %s", c.Config.Queue.Driver)
	}

	c.addCleanup(func() error {
		c.Logger.Info("closing queue")
		return c.Queue.Close()
	})
	return nil
}

func (c *Components) setupRecords(ctx context.Context) error {
	c.Logger.Info("initializing record store", "driver", c.Config.Records.Driver)

	switch c.Config.Records.Driver {
	case "memory":
		c.Records = records.NewMemoryStore()
	case "postgres":
		if c.DB == nil {
			return fmt.Errorf("postgres records driver requires the database (remove WithoutDB)")
		}
		c.Records = records.NewPostgresStore(c.DB)
	case "dynamo":
		clients, err := c.cloudClients(ctx)
		if err != nil {
			return err
		}
		c.Records = records.NewDynamoStore(clients.Dynamo(), c.Config.Records.DynamoTable)
	default:
		return fmt.Errorf("unknown records driver: %s", c.Config.Records.Driver)
	}
	return nil
}

func (c *Components) setupBlob(ctx context.Context) error {
	c.Logger.Info("initializing blob store", "driver", c.Config.Blob.Driver)

	switch c.Config.Blob.Driver {
	case "memory":
		c.Blob = blob.NewMemoryStore()
	case "fs":
		store, err := blob.NewFSStore(c.Config.Blob.Root, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to create fs blob store: %w", err)
		}
		c.Blob = store
	case "s3":
		clients, err := c.cloudClients(ctx)
		if err != nil {
			return err
		}
		c.Blob = blob.NewS3Store(clients.S3(), c.Config.Blob.S3Bucket, c.Logger)
	default:
		return fmt.Errorf("unknown blob driver: %s", c.Config.Blob.Driver)
	}
	return nil
}

func (c *Components) setupTasks(ctx context.Context) error {
	c.Logger.Info("initializing task launcher", "driver", c.Config.Tasks.Driver)

	switch c.Config.Tasks.Driver {
	case "local":
		c.Tasks = tasks.NewLocalLauncher(
			c.Config.Tasks.LocalCommand, c.Config.Dispatch.GracePeriod, c.Logger)
	case "ecs":
		clients, err := c.cloudClients(ctx)
		if err != nil {
			return err
		}
		c.Tasks = tasks.NewECSLauncher(
			clients.ECS(), c.Config.Tasks.ECSCluster, c.Config.Tasks.ECSContainer, c.Logger)
	default:
		return fmt.Errorf("unknown tasks driver: %s", c.Config.Tasks.Driver)
	}
	return nil
}
