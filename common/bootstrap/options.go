package bootstrap

import (
	"github.com/anthive/orchestrator/common/config"
	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB        bool
	skipQueue     bool
	skipStores    bool
	skipTelemetry bool
	withTasks     bool
	withCache     bool
	withRedis     bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	dbInitHook    func(*db.DB) error
}

// WithoutDB skips database initialization
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutQueue skips queue initialization
func WithoutQueue() Option {
	return func(o *options) {
		o.skipQueue = true
	}
}

// WithoutStores skips the record and blob store drivers
func WithoutStores() Option {
	return func(o *options) {
		o.skipStores = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithTasks initializes the task launcher selected by TASKS_DRIVER.
// Only the worker launches tasks; other services leave this off.
func WithTasks() Option {
	return func(o *options) {
		o.withTasks = true
	}
}

// WithCache initializes a cache: redis-backed when a redis connection
// is already held, in-process memory otherwise.
func WithCache() Option {
	return func(o *options) {
		o.withCache = true
	}
}

// WithRedis dials redis even when no driver selected it. Components
// that sit outside the queue path (rate limiting, credential cache)
// opt in with this.
func WithRedis() Option {
	return func(o *options) {
		o.withRedis = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithDBInitHook runs a custom function after DB initialization.
// Useful for running migrations, seeding data, etc.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
