package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cloud     CloudConfig
	Queue     QueueConfig
	Records   RecordsConfig
	Blob      BlobConfig
	Tasks     TasksConfig
	Dispatch  DispatchConfig
	Workspace WorkspaceConfig
	Watcher   WatcherConfig
	Knowledge KnowledgeConfig
	Provider  ProviderConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	Version     string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CloudConfig holds AWS client settings shared by the sqs, dynamo, s3
// and ecs drivers. Endpoint overrides the resolver for localstack runs.
type CloudConfig struct {
	Region   string
	Endpoint string
}

// QueueConfig selects and tunes the job queue driver
type QueueConfig struct {
	Driver            string // redis | sqs | memory
	Stream            string
	Group             string
	VisibilityTimeout time.Duration
	ReceiveBlock      time.Duration
	SQSQueueURL       string
}

// RecordsConfig selects the keyed-record store driver
type RecordsConfig struct {
	Driver      string // postgres | dynamo | memory
	DynamoTable string
}

// BlobConfig selects the blob store driver
type BlobConfig struct {
	Driver   string // fs | s3 | memory
	Root     string
	S3Bucket string
}

// TasksConfig selects the task-launch driver
type TasksConfig struct {
	Driver         string // local | ecs
	ECSCluster     string
	ECSTaskDef     string
	ECSContainer   string
	LocalCommand   string
	PollInterval   time.Duration
	CredentialRefs []string
}

// DispatchConfig tunes the dispatch engine
type DispatchConfig struct {
	Workers        int
	JobDeadline    time.Duration
	GracePeriod    time.Duration
	ReconcileAfter time.Duration
	ReconcileCron  string
	AgentRunner    string // inprocess | tmux | task
	AgentCommand   string
	RunConcurrency int
	// RunReapAfter is how long a non-terminal run may go unwritten
	// before the reaper fails it. Must comfortably exceed JobDeadline.
	RunReapAfter time.Duration
	RunReapCron  string
}

// WorkspaceConfig holds the tenant filesystem layout roots
type WorkspaceConfig struct {
	Root           string
	MemoryRoot     string
	RetainDays     int
	CleanupCron    string
	CompactionCron string
}

// WatcherConfig tunes the tiered watcher
type WatcherConfig struct {
	PollInterval     time.Duration
	HeartbeatTimeout time.Duration
	FailureThreshold int
}

// KnowledgeConfig tunes knowledge query scoring
type KnowledgeConfig struct {
	TopK          int
	HalfLife      time.Duration
	FailureWindow time.Duration
	MaxTokens     int
}

// ProviderConfig holds LLM provider settings. Only the name of the
// credential env var is carried, never its value.
type ProviderConfig struct {
	Name          string
	Model         string
	MaxTokens     int
	CredentialRef string
	Timeout       time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// AuthConfig maps inbound credentials onto tenants
type AuthConfig struct {
	Enabled    bool
	TenantKeys map[string]string // credential -> tenant id
	CacheTTL   time.Duration
}

// RateLimitConfig tunes gateway request limiting. InternalSecret lets
// trusted service-to-service calls bypass the counters; an empty secret
// disables the bypass.
type RateLimitConfig struct {
	Enabled        bool
	GlobalLimit    int64
	TenantLimit    int64
	InternalSecret string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			Version:     getEnv("SERVICE_VERSION", "dev"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "anthive"),
			User:        getEnv("POSTGRES_USER", "anthive"),
			Password:    getEnv("POSTGRES_PASSWORD", "anthive"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cloud: CloudConfig{
			Region:   getEnv("AWS_REGION", "us-east-1"),
			Endpoint: getEnv("AWS_ENDPOINT", ""),
		},
		Queue: QueueConfig{
			Driver:            getEnv("QUEUE_DRIVER", "redis"),
			Stream:            getEnv("QUEUE_STREAM", "jobs"),
			Group:             getEnv("QUEUE_GROUP", "dispatchers"),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			ReceiveBlock:      getEnvDuration("QUEUE_RECEIVE_BLOCK", 5*time.Second),
			SQSQueueURL:       getEnv("SQS_QUEUE_URL", ""),
		},
		Records: RecordsConfig{
			Driver:      getEnv("RECORDS_DRIVER", "postgres"),
			DynamoTable: getEnv("DYNAMO_TABLE", "anthive-jobs"),
		},
		Blob: BlobConfig{
			Driver:   getEnv("BLOB_DRIVER", "fs"),
			Root:     getEnv("BLOB_ROOT", "artifacts"),
			S3Bucket: getEnv("S3_BUCKET", ""),
		},
		Tasks: TasksConfig{
			Driver:         getEnv("TASK_DRIVER", "local"),
			ECSCluster:     getEnv("ECS_CLUSTER", ""),
			ECSTaskDef:     getEnv("ECS_TASK_DEFINITION", ""),
			ECSContainer:   getEnv("ECS_CONTAINER", "worker"),
			LocalCommand:   getEnv("TASK_LOCAL_COMMAND", ""),
			PollInterval:   getEnvDuration("TASK_POLL_INTERVAL", 5*time.Second),
			CredentialRefs: getEnvList("TASK_CREDENTIAL_REFS"),
		},
		Dispatch: DispatchConfig{
			Workers:        getEnvInt("DISPATCH_WORKERS", 4),
			JobDeadline:    getEnvDuration("JOB_DEADLINE", 15*time.Minute),
			GracePeriod:    getEnvDuration("CANCEL_GRACE_PERIOD", 5*time.Second),
			ReconcileAfter: getEnvDuration("RECONCILE_AFTER", 2*time.Minute),
			ReconcileCron:  getEnv("RECONCILE_CRON", "@every 1m"),
			AgentRunner:    getEnv("AGENT_RUNNER", "inprocess"),
			AgentCommand:   getEnv("AGENT_COMMAND", "claude --print --dangerously-skip-permissions"),
			RunConcurrency: getEnvInt("RUN_CONCURRENCY", 4),
			RunReapAfter:   getEnvDuration("RUN_REAP_AFTER", 30*time.Minute),
			RunReapCron:    getEnv("RUN_REAP_CRON", "@every 5m"),
		},
		Workspace: WorkspaceConfig{
			Root:           getEnv("WORKSPACE_ROOT", "workspaces"),
			MemoryRoot:     getEnv("MEMORY_ROOT", "memory"),
			RetainDays:     getEnvInt("WORKSPACE_RETAIN_DAYS", 7),
			CleanupCron:    getEnv("WORKSPACE_CLEANUP_CRON", "@daily"),
			CompactionCron: getEnv("TRAIL_COMPACTION_CRON", "@daily"),
		},
		Watcher: WatcherConfig{
			PollInterval:     getEnvDuration("WATCHER_POLL_INTERVAL", 35*time.Second),
			HeartbeatTimeout: getEnvDuration("WATCHER_HEARTBEAT_TIMEOUT", 120*time.Second),
			FailureThreshold: getEnvInt("WATCHER_FAILURE_THRESHOLD", 3),
		},
		Knowledge: KnowledgeConfig{
			TopK:          getEnvInt("KNOWLEDGE_TOP_K", 5),
			HalfLife:      getEnvDuration("KNOWLEDGE_HALF_LIFE", 7*24*time.Hour),
			FailureWindow: getEnvDuration("KNOWLEDGE_FAILURE_WINDOW", 30*24*time.Hour),
			MaxTokens:     getEnvInt("KNOWLEDGE_MAX_TOKENS", 1500),
		},
		Provider: ProviderConfig{
			Name:          getEnv("PROVIDER_NAME", "anthropic"),
			Model:         getEnv("PROVIDER_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:     getEnvInt("PROVIDER_MAX_TOKENS", 4096),
			CredentialRef: getEnv("PROVIDER_CREDENTIAL_REF", "ANTHROPIC_API_KEY"),
			Timeout:       getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		Auth: AuthConfig{
			Enabled:    getEnvBool("AUTH_ENABLED", false),
			TenantKeys: getEnvKeyMap("TENANT_KEYS"),
			CacheTTL:   getEnvDuration("AUTH_CACHE_TTL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			GlobalLimit:    int64(getEnvInt("RATE_LIMIT_GLOBAL", 100)),
			TenantLimit:    int64(getEnvInt("RATE_LIMIT_TENANT", 60)),
			InternalSecret: getEnv("INTERNAL_SERVICE_SECRET", ""),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	switch c.Queue.Driver {
	case "redis", "memory":
	case "sqs":
		if c.Queue.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required for the sqs queue driver")
		}
	default:
		return fmt.Errorf("unknown queue driver: %s", c.Queue.Driver)
	}

	switch c.Records.Driver {
	case "postgres", "dynamo", "memory":
	default:
		return fmt.Errorf("unknown records driver: %s", c.Records.Driver)
	}

	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 blob driver")
		}
	default:
		return fmt.Errorf("unknown blob driver: %s", c.Blob.Driver)
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch workers must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated list
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvKeyMap parses "cred1:tenant1,cred2:tenant2" pairs
func getEnvKeyMap(key string) map[string]string {
	out := map[string]string{}
	value := os.Getenv(key)
	if value == "" {
		return out
	}
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			out[parts[0]] = parts[1]
		}
	}
	return out
}
