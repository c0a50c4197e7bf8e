package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	AI       AIConfig       `mapstructure:"ai"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Cache    CacheConfig    `mapstructure:"cache"`
	JWT      JWTConfig      `mapstructure:"jwt"`
}

// JWTConfig JWT 配置
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int    `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// AIConfig AI 提供商凭证配置
// 凭证缺失时对应提供商降级为不可用，而不是报错
type AIConfig struct {
	OpenAI    ProviderCredential `mapstructure:"openai"`
	Anthropic ProviderCredential `mapstructure:"anthropic"`
	Google    ProviderCredential `mapstructure:"google"`
	Mistral   ProviderCredential `mapstructure:"mistral"`
}

// ProviderCredential 单个提供商的凭证
type ProviderCredential struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	OrgID      string `mapstructure:"org_id"`
	MaxRetries int    `mapstructure:"max_retries"`
	Timeout    int    `mapstructure:"timeout"` // 秒
}

// ChatConfig 对话编排配置
type ChatConfig struct {
	MaxTokens             int  `mapstructure:"max_tokens"`               // 单段输出 Token 上限（默认 8000）
	MaxResponseSegments   int  `mapstructure:"max_response_segments"`    // 截断续写的最大分段数（默认 3）
	StreamStartTimeout    int  `mapstructure:"stream_start_timeout"`     // 首块超时（秒，默认 30）
	MinTokenBalance       int  `mapstructure:"min_token_balance"`        // 发起对话的最低 Token 余额（默认 10）
	ResponseCacheTTLHours int  `mapstructure:"response_cache_ttl_hours"` // 响应缓存 TTL（小时，默认 24）
	EnableResponseCache   bool `mapstructure:"enable_response_cache"`    // 系统级缓存开关
}

// CacheConfig 缓存配置
type CacheConfig struct {
	RedisTTLMinutes int `mapstructure:"redis_ttl_minutes"` // Redis 热层 TTL（分钟，默认 30）
}

// ApplyDefaults 补齐对话配置默认值
func (c *ChatConfig) ApplyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8000
	}
	if c.MaxResponseSegments <= 0 {
		c.MaxResponseSegments = 3
	}
	if c.StreamStartTimeout <= 0 {
		c.StreamStartTimeout = 30
	}
	if c.MinTokenBalance <= 0 {
		c.MinTokenBalance = 10
	}
	if c.ResponseCacheTTLHours <= 0 {
		c.ResponseCacheTTLHours = 24
	}
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Chat.ApplyDefaults()

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
