package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenPlugin-Guard/internal/auth"
	"OpenPlugin-Guard/internal/bus"
	"OpenPlugin-Guard/internal/monitor"
	"OpenPlugin-Guard/internal/queue"
	"OpenPlugin-Guard/internal/sandbox"
	"OpenPlugin-Guard/internal/store"
	"OpenPlugin-Guard/internal/verify"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/permission"
)

// 环境变量
const (
	EnvConfigPath = "OPENPLUGIN_CONFIG"
	EnvJWTSecret  = "OPENPLUGIN_JWT_SECRET"
	EnvMySQLDSN   = "OPENPLUGIN_MYSQL_DSN"
	EnvRedisAddr  = "OPENPLUGIN_REDIS_ADDR"

	DefaultPath = "configs/openplugin.yaml"
)

// Config 描述插件宿主在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Logging  logger.Config  `yaml:"logging" json:"logging"`
	Auth     auth.Config    `yaml:"auth" json:"auth"`
	Host     HostConfig     `yaml:"host" json:"host"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Verify   VerifyConfig   `yaml:"verify" json:"verify"`
	Sandbox  sandbox.Config `yaml:"sandbox" json:"sandbox"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Events   EventsConfig   `yaml:"events" json:"events"`
	Alerting AlertingConfig `yaml:"alerting" json:"alerting"`
	Runtime  RuntimeConfig  `yaml:"runtime" json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// HostConfig 描述宿主应用自身。
type HostConfig struct {
	Version string `yaml:"version" json:"version"`
	// SurfaceURL 非空时通过 HTTP 查询宿主版本与可用权限。
	SurfaceURL   string                  `yaml:"surface_url" json:"surface_url"`
	Permissions  []permission.Capability `yaml:"permissions" json:"permissions"`
	NodeVersion  string                  `yaml:"node_version" json:"node_version"`
	NPMVersion   string                  `yaml:"npm_version" json:"npm_version"`
	TrustedHosts []string                `yaml:"trusted_hosts" json:"trusted_hosts"`
	// Prompt 决定运行时权限请求的默认答复: approve 或 deny。
	Prompt string `yaml:"prompt" json:"prompt"`
}

// StorageConfig 选择插件记录的持久化后端。
type StorageConfig struct {
	Driver string          `yaml:"driver" json:"driver"`
	SQL    store.SQLConfig `yaml:"sql" json:"sql"`
}

// VerifyConfig 组合签名信任配置与远程注册表地址。
type VerifyConfig struct {
	verify.Config `yaml:",inline" json:",inline"`
	RegistryURL   string        `yaml:"registry_url" json:"registry_url"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// MonitorConfig 定义默认资源限额。
type MonitorConfig struct {
	Defaults monitor.Limits `yaml:"defaults" json:"defaults"`
	Window   time.Duration  `yaml:"window" json:"window"`
}

// QueueConfig 控制插件间消息队列。RetryBackoff 是首次重试前的等待，之后逐次翻倍。
type QueueConfig struct {
	Interval     time.Duration     `yaml:"interval" json:"interval"`
	MaxAttempts  int               `yaml:"max_attempts" json:"max_attempts"`
	RetryBackoff time.Duration     `yaml:"retry_backoff" json:"retry_backoff"`
	Redis        queue.RedisConfig `yaml:"redis" json:"redis"`
}

// EventsConfig 控制事件总线。
type EventsConfig struct {
	History int            `yaml:"history" json:"history"`
	AMQP    bus.AMQPConfig `yaml:"amqp" json:"amqp"`
}

// AlertingConfig 配置告警 webhook。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// PluginsConfig 指向预装插件清单 (pkg/plugin ManagerConfig)。
	PluginsConfig string `yaml:"plugins_config" json:"plugins_config"`
}

// Path 返回配置文件路径，优先使用环境变量。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析指定路径的 YAML 或 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(content, &cfg)
	} else {
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, cfg.Validate()
}

// Default 返回不依赖配置文件的默认配置。
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults(".")
	return &cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWT.Secret = v
		if c.Auth.Mode == "" {
			c.Auth.Mode = auth.ModeJWT
		}
	}
	if v := os.Getenv(EnvMySQLDSN); v != "" {
		c.Storage.Driver = store.DriverMySQL
		c.Storage.SQL.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Queue.Redis.Address = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}
	if c.Host.Version == "" {
		c.Host.Version = "1.0.0"
	}
	if c.Host.Prompt == "" {
		c.Host.Prompt = "deny"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver != "memory" && c.Storage.SQL.Driver == "" {
		c.Storage.SQL.Driver = c.Storage.Driver
	}
	if c.Storage.Driver == store.DriverSQLite && c.Storage.SQL.DSN == "" {
		c.Storage.SQL.DSN = filepath.Join(baseDir, "data", "plugins.db")
	}
	if c.Verify.Timeout <= 0 {
		c.Verify.Timeout = 5 * time.Second
	}
	if c.Sandbox.ExecTimeout <= 0 {
		c.Sandbox.ExecTimeout = time.Second
	}
	if c.Sandbox.PollInterval <= 0 {
		c.Sandbox.PollInterval = time.Second
	}
	if c.Monitor.Window <= 0 {
		c.Monitor.Window = time.Minute
	}
	if c.Monitor.Defaults == (monitor.Limits{}) {
		c.Monitor.Defaults = monitor.Limits{
			MaxMemoryMB:          128,
			MaxCPUPercent:        80,
			MaxStorageBytes:      5 << 20,
			MaxAPICallsPerMinute: 600,
		}
	}
	if c.Queue.Interval <= 0 {
		c.Queue.Interval = 100 * time.Millisecond
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBackoff <= 0 {
		c.Queue.RetryBackoff = 200 * time.Millisecond
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "openplugin:queue"
	}
	if c.Events.History <= 0 {
		c.Events.History = 256
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.PluginsConfig != "" && !filepath.IsAbs(c.Runtime.PluginsConfig) {
		c.Runtime.PluginsConfig = filepath.Join(baseDir, c.Runtime.PluginsConfig)
	}
}

// Validate 检查配置之间的一致性。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", store.DriverSQLite:
	case store.DriverMySQL:
		if strings.TrimSpace(c.Storage.SQL.DSN) == "" {
			return errors.New("mysql storage requires a dsn")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Auth.Mode == auth.ModeJWT && strings.TrimSpace(c.Auth.JWT.Secret) == "" {
		return errors.New("jwt auth requires a secret")
	}
	for _, capability := range c.Host.Permissions {
		if !permission.IsKnown(capability) {
			return fmt.Errorf("unknown host permission: %s", capability)
		}
	}
	switch c.Host.Prompt {
	case "approve", "deny":
	default:
		return fmt.Errorf("unsupported prompt policy: %s", c.Host.Prompt)
	}
	return nil
}
