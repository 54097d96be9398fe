// =============================================================================
// 📦 AgentFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/llmcore/internal/cache"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config is the orchestration core's complete configuration tree. Env vars
// are unprefixed and named the way operators expect them (SERVER_HTTP_PORT,
// LOAD_BALANCING_ENABLED, JWT_EXPIRY_HOURS, REDIS_HOST, ...), per the
// external-interfaces contract.
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Providers holds per-provider rate/concurrency limits, keyed by
	// lowercase provider name. Populated from <PROVIDER>_QPM_LIMIT /
	// <PROVIDER>_CONCURRENT_LIMIT / <PROVIDER>_RATE_LIMITING_ENABLED env
	// vars, not the generic struct-tag walk, since the set of providers
	// is open-ended rather than a fixed struct shape.
	Providers map[string]ProviderLimitConfig `yaml:"providers" env:"-"`

	// LoadBalancing 负载均衡配置
	LoadBalancing LoadBalancingConfig `yaml:"load_balancing" env:"LOAD_BALANCING"`

	// Session 会话配置
	Session SessionConfig `yaml:"session" env:"."`

	// Cache 共享缓存配置
	Cache CacheConfig `yaml:"cache" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// gRPC 端口
	GRPCPort int `yaml:"grpc_port" env:"GRPC_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// AllowQueryAPIKey permits ?api_key= as a fallback to X-API-Key on the
	// config API; off by default since query strings end up in access logs.
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// 默认限流 QPS
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 默认限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// ProviderLimitConfig is one provider's QPM/concurrency policy, the unit
// the rate limiter's resolver keys its limiters by.
type ProviderLimitConfig struct {
	QPMLimit            int  `yaml:"qpm_limit"`
	ConcurrentLimit     int  `yaml:"concurrent_limit"`
	RateLimitingEnabled bool `yaml:"rate_limiting_enabled"`
}

// LoadBalancingConfig 负载均衡配置
type LoadBalancingConfig struct {
	// 是否启用负载均衡
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 策略: weighted, rate_aware, round_robin
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// Weights maps a physical model/endpoint name to its relative weight,
	// parsed from a comma-separated "name:weight" list.
	Weights map[string]int `yaml:"weights" env:"WEIGHTS"`
	// 负载均衡路由是否额外受限流器约束
	RateLimitingEnabled bool `yaml:"rate_limiting_enabled" env:"RATE_LIMITING_ENABLED"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	// JWTExpiryHours drives session TTL end-to-end: the token's own
	// expiry and every cache key the session manager writes.
	JWTExpiryHours int `yaml:"jwt_expiry_hours" env:"JWT_EXPIRY_HOURS"`
}

// TTL converts the configured expiry into a time.Duration for the session
// manager and cache layer.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.JWTExpiryHours) * time.Hour
}

// CacheConfig 共享缓存配置 (backed by Redis in this implementation)
type CacheConfig struct {
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// Addr returns the host:port form the Redis client expects.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCacheConfig bridges the loaded CacheConfig into the Shared Cache
// Client's own connection config, filling in the pool/TTL defaults a
// bare host/port/db triple doesn't carry.
func (c CacheConfig) ToCacheConfig(sessionTTL time.Duration) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = c.Addr()
	cc.Password = c.Password
	cc.DB = c.DB
	cc.PoolSize = c.PoolSize
	cc.MinIdleConns = c.MinIdleConns
	if sessionTTL > 0 {
		cc.DefaultTTL = sessionTTL
	}
	return cc
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器。Env vars are read unprefixed by default,
// matching the documented external-interfaces names; WithEnvPrefix opts
// into a namespaced deployment instead.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 逐 provider 的限流配置单独扫描（开放集合，不走结构体反射）
	if err := loadProviderLimitsFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load provider limits from env: %w", err)
	}

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段。A field tagged env:"." flattens
// into its parent's namespace instead of adding a path segment, which is
// how SessionConfig's JWT_EXPIRY_HOURS avoids a SESSION_ prefix nobody
// asked for.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "-" {
			continue
		}

		envKey := prefix
		if envTag != "" && envTag != "." {
			if prefix != "" {
				envKey = prefix + "_" + envTag
			} else {
				envKey = envTag
			}
		}

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		if envTag == "" || envTag == "." {
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}

	case reflect.Map:
		// 支持 "name:weight,name2:weight2" 形式的 map[string]int
		if field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.Int {
			m := reflect.MakeMap(field.Type())
			for _, pair := range strings.Split(value, ",") {
				pair = strings.TrimSpace(pair)
				if pair == "" {
					continue
				}
				kv := strings.SplitN(pair, ":", 2)
				if len(kv) != 2 {
					continue
				}
				n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
				if err != nil {
					return err
				}
				m.SetMapIndex(reflect.ValueOf(strings.TrimSpace(kv[0])), reflect.ValueOf(n))
			}
			field.Set(m)
		}
	}

	return nil
}

// providerLimitEnvSuffixes maps an env var suffix to the ProviderLimitConfig
// field it populates.
var providerLimitEnvSuffixes = []string{"_QPM_LIMIT", "_CONCURRENT_LIMIT", "_RATE_LIMITING_ENABLED"}

// loadProviderLimitsFromEnv scans the process environment for
// <PROVIDER>_QPM_LIMIT / <PROVIDER>_CONCURRENT_LIMIT /
// <PROVIDER>_RATE_LIMITING_ENABLED and assembles cfg.Providers. The
// provider set is open-ended (new vendors get wired in without touching
// this package), so it can't be a fixed struct field the generic walk
// above would reach.
func loadProviderLimitsFromEnv(cfg *Config) error {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderLimitConfig)
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		provider, field, ok := splitProviderLimitEnvKey(key)
		if !ok {
			continue
		}

		pc := cfg.Providers[provider]
		switch field {
		case "QPM_LIMIT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			pc.QPMLimit = n
		case "CONCURRENT_LIMIT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			pc.ConcurrentLimit = n
		case "RATE_LIMITING_ENABLED":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			pc.RateLimitingEnabled = b
		}
		cfg.Providers[provider] = pc
	}

	return nil
}

// splitProviderLimitEnvKey splits "DEEPSEEK_QPM_LIMIT" into ("deepseek",
// "QPM_LIMIT", true); returns ok=false for keys matching no known suffix
// and for LOAD_BALANCING_RATE_LIMITING_ENABLED, which belongs to
// LoadBalancingConfig rather than to a provider.
func splitProviderLimitEnvKey(key string) (provider, field string, ok bool) {
	for _, suffix := range providerLimitEnvSuffixes {
		if strings.HasSuffix(key, suffix) {
			provider = strings.ToLower(strings.TrimSuffix(key, suffix))
			if provider == "" || provider == "load_balancing" {
				return "", "", false
			}
			return provider, strings.TrimPrefix(suffix, "_"), true
		}
	}
	return "", "", false
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	if c.Session.JWTExpiryHours <= 0 {
		errs = append(errs, "session.jwt_expiry_hours must be positive")
	}

	switch c.LoadBalancing.Strategy {
	case "weighted", "rate_aware", "round_robin":
	default:
		errs = append(errs, fmt.Sprintf("unknown load balancing strategy: %q", c.LoadBalancing.Strategy))
	}

	for name, p := range c.Providers {
		if p.RateLimitingEnabled && p.QPMLimit <= 0 {
			errs = append(errs, fmt.Sprintf("provider %s: qpm_limit must be positive when rate limiting is enabled", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
