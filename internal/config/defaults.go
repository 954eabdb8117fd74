package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	viper.SetDefault("version", "1")

	// Gateway 配置
	viper.SetDefault("gateway.enabled", true)
	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.host", "127.0.0.1")

	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "auto")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "~/.kiosk/data.db")
	viper.SetDefault("storage.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.key_prefix", "kiosk:session:")

	// Bus 配置
	viper.SetDefault("bus.driver", "nats")
	viper.SetDefault("bus.url", "nats://127.0.0.1:4222")
	viper.SetDefault("bus.name", "kiosk-orchestrator")
	viper.SetDefault("bus.prefix", "kiosk")
	viper.SetDefault("bus.reconnect_wait", 2*time.Second)
	viper.SetDefault("bus.max_reconnects", 10)

	// Session 配置
	viper.SetDefault("session.kiosk_id", "kiosk-01")
	viper.SetDefault("session.ttl", 30*time.Minute)
	viper.SetDefault("session.attract_timeout", 5*time.Second)
	viper.SetDefault("session.idle_timeout", 30*time.Second)
	viper.SetDefault("session.update_linger", 10*time.Second)
	viper.SetDefault("session.queue_size", 64)
	viper.SetDefault("session.lane_idle", 2*time.Minute)
	viper.SetDefault("session.dedup_window", 64)

	// Agents 配置：超时遵循各服务的请求/应答约定
	for name, ac := range defaultAgents() {
		prefix := "agents." + name + "."
		viper.SetDefault(prefix+"timeout", ac.Timeout)
		viper.SetDefault(prefix+"max_attempts", ac.MaxAttempts)
		viper.SetDefault(prefix+"retry_delay", ac.RetryDelay)
		viper.SetDefault(prefix+"breaker.threshold", ac.Breaker.Threshold)
		viper.SetDefault(prefix+"breaker.cooldown", ac.Breaker.Cooldown)
	}

	// Synth 配置
	viper.SetDefault("synth.grid_max", 9)
	viper.SetDefault("synth.search_limit", 10)
	viper.SetDefault("synth.history_tail", 6)

	// Maintenance 配置
	viper.SetDefault("maintenance.enabled", true)
	viper.SetDefault("maintenance.sweep_schedule", "@every 1m")
	viper.SetDefault("maintenance.audit_retention", 7*24*time.Hour)

	// Language 配置
	viper.SetDefault("language.base_url", "")
	viper.SetDefault("language.model", "gpt-4o-mini")
	viper.SetDefault("language.temperature", 0.3)
	viper.SetDefault("language.max_tokens", 256)

	// Responders 配置
	viper.SetDefault("responders.catalog_path", "")
	viper.SetDefault("responders.payment_decline_at", 0)
	viper.SetDefault("responders.weather", "")
}

func defaultAgents() map[string]AgentConfig {
	out := make(map[string]AgentConfig, 5)
	for _, name := range Services() {
		out[name] = defaultAgent(name)
	}
	return out
}

func defaultAgent(name string) AgentConfig {
	ac := AgentConfig{
		Timeout:     2 * time.Second,
		MaxAttempts: 2,
		RetryDelay:  50 * time.Millisecond,
		Breaker:     BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
	}
	switch name {
	case ServiceHardware:
		ac.Timeout = time.Second
	case ServicePayment:
		ac.Timeout = 30 * time.Second
		ac.MaxAttempts = 1
	case ServiceLanguage:
		ac.Timeout = 3 * time.Second
	}
	return ac
}
