// =============================================================================
// 📦 AgentFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Providers:     DefaultProviderLimits(),
		LoadBalancing: DefaultLoadBalancingConfig(),
		Session:       DefaultSessionConfig(),
		Cache:         DefaultCacheConfig(),
		Log:           DefaultLogConfig(),
		Telemetry:     DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		GRPCPort:         9090,
		MetricsPort:      9091,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		AllowQueryAPIKey: false,
		RateLimitRPS:     100,
		RateLimitBurst:   200,
	}
}

// DefaultProviderLimits returns baseline QPM/concurrency policy for the
// vendors the core ships adapters for. Operators override per-provider via
// <PROVIDER>_QPM_LIMIT / <PROVIDER>_CONCURRENT_LIMIT /
// <PROVIDER>_RATE_LIMITING_ENABLED; these are conservative starting points,
// not vendor-published quotas.
func DefaultProviderLimits() map[string]ProviderLimitConfig {
	return map[string]ProviderLimitConfig{
		"deepseek": {QPMLimit: 600, ConcurrentLimit: 20, RateLimitingEnabled: true},
		"qwen":     {QPMLimit: 600, ConcurrentLimit: 20, RateLimitingEnabled: true},
		"doubao":   {QPMLimit: 300, ConcurrentLimit: 10, RateLimitingEnabled: true},
		"grok":     {QPMLimit: 300, ConcurrentLimit: 10, RateLimitingEnabled: true},
		"glm":      {QPMLimit: 300, ConcurrentLimit: 10, RateLimitingEnabled: true},
		"kimi":     {QPMLimit: 300, ConcurrentLimit: 10, RateLimitingEnabled: true},
		"minimax":  {QPMLimit: 300, ConcurrentLimit: 10, RateLimitingEnabled: true},
	}
}

// DefaultLoadBalancingConfig 返回默认负载均衡配置
func DefaultLoadBalancingConfig() LoadBalancingConfig {
	return LoadBalancingConfig{
		Enabled:             true,
		Strategy:            "weighted",
		Weights:             map[string]int{},
		RateLimitingEnabled: true,
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		JWTExpiryHours: 24,
	}
}

// DefaultCacheConfig 返回默认共享缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		Password:     "",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmcore",
		SampleRate:   0.1,
	}
}
