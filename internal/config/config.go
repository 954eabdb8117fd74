package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// 协作服务名称，对应 agents.<name> 配置节
const (
	ServiceMenu     = "menu"
	ServiceRecsys   = "recsys"
	ServicePayment  = "payment"
	ServiceHardware = "hardware"
	ServiceLanguage = "language"
)

// Services 返回所有协作服务名称
func Services() []string {
	return []string{ServiceMenu, ServiceRecsys, ServicePayment, ServiceHardware, ServiceLanguage}
}

// Config 是应用配置的根结构体
type Config struct {
	Version     string                 `mapstructure:"version" yaml:"version"`
	Gateway     GatewayConfig          `mapstructure:"gateway" yaml:"gateway"`
	Log         LogConfig              `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig          `mapstructure:"storage" yaml:"storage"`
	Bus         BusConfig              `mapstructure:"bus" yaml:"bus"`
	Session     SessionConfig          `mapstructure:"session" yaml:"session"`
	Agents      map[string]AgentConfig `mapstructure:"agents" yaml:"agents,omitempty"`
	Synth       SynthConfig            `mapstructure:"synth" yaml:"synth"`
	Maintenance MaintenanceConfig      `mapstructure:"maintenance" yaml:"maintenance"`
	Language    LanguageConfig         `mapstructure:"language" yaml:"language"`
	Responders  RespondersConfig       `mapstructure:"responders" yaml:"responders"`
}

// GatewayConfig 网关配置（管理 API 与渲染端 WebSocket）
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Host    string `mapstructure:"host" yaml:"host"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 会话存储配置
type StorageConfig struct {
	Driver string      `mapstructure:"driver" yaml:"driver"` // sqlite, redis, memory
	Path   string      `mapstructure:"path" yaml:"path"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// BusConfig 消息总线配置
type BusConfig struct {
	Driver        string        `mapstructure:"driver" yaml:"driver"` // nats, memory
	URL           string        `mapstructure:"url" yaml:"url"`
	Name          string        `mapstructure:"name" yaml:"name"`
	Prefix        string        `mapstructure:"prefix" yaml:"prefix"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
}

// SessionConfig 会话生命周期配置
type SessionConfig struct {
	KioskID        string        `mapstructure:"kiosk_id" yaml:"kiosk_id"`
	TTL            time.Duration `mapstructure:"ttl" yaml:"ttl"`
	AttractTimeout time.Duration `mapstructure:"attract_timeout" yaml:"attract_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	UpdateLinger   time.Duration `mapstructure:"update_linger" yaml:"update_linger"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	LaneIdle       time.Duration `mapstructure:"lane_idle" yaml:"lane_idle"`
	DedupWindow    int           `mapstructure:"dedup_window" yaml:"dedup_window"`
}

// AgentConfig 单个协作服务的调用策略
type AgentConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Breaker     BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// SynthConfig 响应合成配置
type SynthConfig struct {
	GridMax     int `mapstructure:"grid_max" yaml:"grid_max"`
	SearchLimit int `mapstructure:"search_limit" yaml:"search_limit"`
	HistoryTail int `mapstructure:"history_tail" yaml:"history_tail"`
}

// MaintenanceConfig 定时维护配置
type MaintenanceConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	SweepSchedule  string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	AuditRetention time.Duration `mapstructure:"audit_retention" yaml:"audit_retention"`
}

// LanguageConfig 语言服务（参考实现）配置
type LanguageConfig struct {
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// RespondersConfig 参考协作服务配置
type RespondersConfig struct {
	CatalogPath      string  `mapstructure:"catalog_path" yaml:"catalog_path"`
	PaymentDeclineAt float64 `mapstructure:"payment_decline_at" yaml:"payment_decline_at"` // 超过该金额拒绝支付，0 表示不限制
	Weather          string  `mapstructure:"weather" yaml:"weather"`
}

// Agent 返回指定服务的调用策略，未配置的字段使用默认值补齐
func (c *Config) Agent(name string) AgentConfig {
	def := defaultAgent(name)
	if c == nil || c.Agents == nil {
		return def
	}
	ac, ok := c.Agents[name]
	if !ok {
		return def
	}
	if ac.Timeout <= 0 {
		ac.Timeout = def.Timeout
	}
	if ac.MaxAttempts <= 0 {
		ac.MaxAttempts = def.MaxAttempts
	}
	if ac.RetryDelay <= 0 {
		ac.RetryDelay = def.RetryDelay
	}
	if ac.Breaker.Threshold <= 0 {
		ac.Breaker.Threshold = def.Breaker.Threshold
	}
	if ac.Breaker.Cooldown <= 0 {
		ac.Breaker.Cooldown = def.Breaker.Cooldown
	}
	// 支付永不自动重试
	if name == ServicePayment {
		ac.MaxAttempts = 1
	}
	return ac
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("KIOSK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// 忽略文件不存在错误，解析错误直接返回
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate 检查配置的取值范围
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver)
	}
	switch c.Bus.Driver {
	case "nats", "memory":
	default:
		return fmt.Errorf("bus.driver: unsupported driver %q", c.Bus.Driver)
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.AttractTimeout <= 0 {
		return errors.New("session timeouts must be positive")
	}
	if c.Synth.GridMax <= 0 {
		return errors.New("synth.grid_max must be positive")
	}
	return nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置值
func GetString(key string) string {
	return viper.GetString(key)
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)

	if configPath != "" {
		return save()
	}
	return nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 内部保存函数，调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}

	// 0600: 配置中可能包含 API Key 与 Redis 密码
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig 设置全局配置（仅用于测试）
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}
