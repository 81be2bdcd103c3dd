// Package config 提供 TOML 配置加载、环境变量覆盖与 schema 校验
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置结构，四个服务共用同一 schema，按需取用各自小节
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// gRPC 服务配置
	GRPC GRPCConfig `mapstructure:"grpc"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 撮合引擎配置
	Matching MatchingConfig `mapstructure:"matching"`
	// Saga 协调配置
	Saga SagaConfig `mapstructure:"saga"`
	// 账户引擎配置
	Account AccountConfig `mapstructure:"account"`
	// Outbox 中继配置
	Outbox OutboxConfig `mapstructure:"outbox"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用，关闭时相关功能退化为仅查库
	Enabled bool `mapstructure:"enabled"`
	// 主机地址
	Host string `mapstructure:"host"`
	// 端口
	Port int `mapstructure:"port"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
}

// Addr 返回 host:port 形式的地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 消费主题，按消费者逐个覆盖
	Topic string `mapstructure:"topic"`
	// 死信主题，为空时不启用 DLQ
	DLQTopic string `mapstructure:"dlq_topic"`
	// 消费者会话超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
	// 批量发送延迟（毫秒）
	BatchTimeout int `mapstructure:"batch_timeout"`
	// 消费失败的就地重试次数
	MaxRetries int `mapstructure:"max_retries"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	// 日志级别
	Level string `mapstructure:"level"`
	// 输出格式
	Format string `mapstructure:"format"`
	// 输出目标
	Output string `mapstructure:"output"`
	// 文件路径
	FilePath string `mapstructure:"file_path"`
	// 最大文件大小（MB）
	MaxSize int `mapstructure:"max_size"`
	// 最大备份文件数
	MaxBackups int `mapstructure:"max_backups"`
	// 最大保留天数
	MaxAge int `mapstructure:"max_age"`
	// 是否压缩
	Compress bool `mapstructure:"compress"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// Prometheus 监听端口
	Port int `mapstructure:"port"`
}

// MatchingConfig 撮合引擎配置
type MatchingConfig struct {
	// 工作线程数，0 表示 2 倍 CPU 核数
	WorkerCount int `mapstructure:"worker_count"`
	// 每个 worker 的订单队列容量
	OrderQueueCapacity int `mapstructure:"order_queue_capacity"`
	// 每个 worker 的撤单队列容量
	CancelQueueCapacity int `mapstructure:"cancel_queue_capacity"`
	// 单 symbol 待处理订单的高水位，超过即拒收
	BackpressureHighWater int `mapstructure:"backpressure_high_water"`
	// 队列空闲时的轮询间隔（毫秒）
	IdlePollInterval int `mapstructure:"idle_poll_interval"`
	// 熔断阈值：连续失败次数
	BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold"`
	// 熔断恢复窗口（秒）
	BreakerResetTimeout int `mapstructure:"breaker_reset_timeout"`
	// 半开状态放行的探测请求数
	BreakerHalfOpenProbes int `mapstructure:"breaker_half_open_probes"`
	// 结果轮询初始退避（毫秒）
	ResultInitialBackoff int `mapstructure:"result_initial_backoff"`
	// 结果轮询最大退避（毫秒）
	ResultMaxBackoff int `mapstructure:"result_max_backoff"`
	// 结果轮询最大尝试次数
	ResultMaxTries int `mapstructure:"result_max_tries"`
	// 停机排空窗口（秒）
	ShutdownDrainTimeout int `mapstructure:"shutdown_drain_timeout"`
	// 盘口快照默认档位深度
	SnapshotDepth int `mapstructure:"snapshot_depth"`
}

// Workers 返回实际工作线程数
func (c MatchingConfig) Workers() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	return runtime.NumCPU() * 2
}

// SagaConfig Saga 协调配置，超时均为秒
type SagaConfig struct {
	// 订单 saga 超时
	OrderTimeout int `mapstructure:"order_timeout"`
	// 撮合 saga 超时
	MatchingTimeout int `mapstructure:"matching_timeout"`
	// 账户 saga 超时
	AccountTimeout int `mapstructure:"account_timeout"`
	// 超时扫描间隔
	MonitorInterval int `mapstructure:"monitor_interval"`
}

// OrderTimeoutDuration 订单 saga 超时时长
func (c SagaConfig) OrderTimeoutDuration() time.Duration {
	return time.Duration(c.OrderTimeout) * time.Second
}

// MatchingTimeoutDuration 撮合 saga 超时时长
func (c SagaConfig) MatchingTimeoutDuration() time.Duration {
	return time.Duration(c.MatchingTimeout) * time.Second
}

// AccountTimeoutDuration 账户 saga 超时时长
func (c SagaConfig) AccountTimeoutDuration() time.Duration {
	return time.Duration(c.AccountTimeout) * time.Second
}

// MonitorIntervalDuration 超时扫描间隔时长
func (c SagaConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(c.MonitorInterval) * time.Second
}

// AccountConfig 账户引擎配置
type AccountConfig struct {
	// 行锁等待上限（秒）
	LockTimeout int `mapstructure:"lock_timeout"`
}

// LockTimeoutDuration 行锁等待上限时长
func (c AccountConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(c.LockTimeout) * time.Second
}

// OutboxConfig Outbox 中继配置
type OutboxConfig struct {
	// 轮询间隔（毫秒）
	PollInterval int `mapstructure:"poll_interval"`
	// 单次轮询的批量大小
	BatchSize int `mapstructure:"batch_size"`
	// 中继的 outbox 表名列表
	Tables []string `mapstructure:"tables"`
}

// PollIntervalDuration 轮询间隔时长
func (c OutboxConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// Load 从 TOML 文件加载配置，应用默认值并支持环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 环境变量覆盖，例如 APP_DATABASE_DSN
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Matching.OrderQueueCapacity <= 0 {
		return fmt.Errorf("matching order_queue_capacity must be positive")
	}
	if c.Matching.CancelQueueCapacity <= 0 {
		return fmt.Errorf("matching cancel_queue_capacity must be positive")
	}
	if c.Matching.BackpressureHighWater > c.Matching.OrderQueueCapacity {
		return fmt.Errorf("matching backpressure_high_water must not exceed order_queue_capacity")
	}
	if c.Saga.MonitorInterval <= 0 {
		return fmt.Errorf("saga monitor_interval must be positive")
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_query_threshold", 200)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)

	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.batch_timeout", 10)
	v.SetDefault("kafka.max_retries", 5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("matching.worker_count", 0)
	v.SetDefault("matching.order_queue_capacity", 100000)
	v.SetDefault("matching.cancel_queue_capacity", 10000)
	v.SetDefault("matching.backpressure_high_water", 80000)
	v.SetDefault("matching.idle_poll_interval", 10)
	v.SetDefault("matching.breaker_failure_threshold", 10)
	v.SetDefault("matching.breaker_reset_timeout", 30)
	v.SetDefault("matching.breaker_half_open_probes", 5)
	v.SetDefault("matching.result_initial_backoff", 1)
	v.SetDefault("matching.result_max_backoff", 50)
	v.SetDefault("matching.result_max_tries", 10)
	v.SetDefault("matching.shutdown_drain_timeout", 10)
	v.SetDefault("matching.snapshot_depth", 10)

	v.SetDefault("saga.order_timeout", 30)
	v.SetDefault("saga.matching_timeout", 10)
	v.SetDefault("saga.account_timeout", 5)
	v.SetDefault("saga.monitor_interval", 2)

	v.SetDefault("account.lock_timeout", 3)

	v.SetDefault("outbox.poll_interval", 2000)
	v.SetDefault("outbox.batch_size", 100)
}
