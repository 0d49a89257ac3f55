package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarketplaceConfig 市场后端配置
type MarketplaceConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	StreamURL string `yaml:"stream_url" json:"stream_url"` // 可选：WebSocket 事件流地址
}

// FeedConfig 事件轮询配置
type FeedConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms" json:"poll_interval_ms"` // 默认 2000
	FetchLimit     int `yaml:"fetch_limit" json:"fetch_limit"`           // 默认 50
	BufferSize     int `yaml:"buffer_size" json:"buffer_size"`           // 默认 50
	RetryBudget    int `yaml:"retry_budget" json:"retry_budget"`         // 默认 10
}

// ServerConfig 本地 HTTP API 配置
type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"` // 默认 127.0.0.1:8787
}

// Config 应用配置
type Config struct {
	Marketplace MarketplaceConfig `yaml:"marketplace" json:"marketplace"`
	Feed        FeedConfig        `yaml:"feed" json:"feed"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	DataDir     string            `yaml:"data_dir" json:"data_dir"`   // 状态持久化目录
	LogLevel    string            `yaml:"log_level" json:"log_level"` // 日志级别
	LogFile     string            `yaml:"log_file" json:"log_file"`   // 日志文件路径（可选）
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置。
// 优先级：配置文件 > 环境变量 > 默认值；文件路径为空时只用环境变量。
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	config := &Config{}
	if filePath != "" {
		if err := loadConfigFile(filePath, config); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	// 环境变量兜底
	if config.Marketplace.BaseURL == "" {
		config.Marketplace.BaseURL = getEnv("MARKETPLACE_BASE_URL", "")
	}
	if config.Marketplace.APIKey == "" {
		config.Marketplace.APIKey = getEnv("MARKETPLACE_API_KEY", "")
	}
	if config.Marketplace.StreamURL == "" {
		config.Marketplace.StreamURL = getEnv("MARKETPLACE_STREAM_URL", "")
	}
	if config.Feed.PollIntervalMs <= 0 {
		config.Feed.PollIntervalMs = parseIntEnv("FEED_POLL_INTERVAL_MS", 2000)
	}
	if config.Feed.FetchLimit <= 0 {
		config.Feed.FetchLimit = parseIntEnv("FEED_FETCH_LIMIT", 50)
	}
	if config.Feed.BufferSize <= 0 {
		config.Feed.BufferSize = parseIntEnv("FEED_BUFFER_SIZE", 50)
	}
	if config.Feed.RetryBudget <= 0 {
		config.Feed.RetryBudget = parseIntEnv("FEED_RETRY_BUDGET", 10)
	}
	if config.Server.Listen == "" {
		config.Server.Listen = getEnv("SERVER_LISTEN", "127.0.0.1:8787")
	}
	if config.DataDir == "" {
		config.DataDir = getEnv("DATA_DIR", "data")
	}
	if config.LogLevel == "" {
		config.LogLevel = getEnv("LOG_LEVEL", "info")
	}
	if config.LogFile == "" {
		config.LogFile = getEnv("LOG_FILE", "logs/combined.log")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = config
	configFilePath = filePath
	return config, nil
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Marketplace.BaseURL == "" {
		return fmt.Errorf("MARKETPLACE_BASE_URL 未配置")
	}
	if !strings.HasPrefix(c.Marketplace.BaseURL, "http://") &&
		!strings.HasPrefix(c.Marketplace.BaseURL, "https://") {
		return fmt.Errorf("MARKETPLACE_BASE_URL 必须以 http:// 或 https:// 开头")
	}
	if c.Feed.PollIntervalMs < 500 {
		return fmt.Errorf("FEED_POLL_INTERVAL_MS 不能小于 500（避免触发服务端限流）")
	}
	return nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string, out *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
