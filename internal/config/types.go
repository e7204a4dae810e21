package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、日志与磁盘目录。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// OriginConfig 指向静态站点源站，所有拦截请求最终都回源到这里。
type OriginConfig struct {
	Upstream string `mapstructure:"Upstream"`
}

// WorkerConfig 控制请求路由器（离线缓存层）的版本、核心资源与路由规则。
type WorkerConfig struct {
	CacheVersion      string   `mapstructure:"CacheVersion"`
	CachePrefix       string   `mapstructure:"CachePrefix"`
	CoreAssets        []string `mapstructure:"CoreAssets"`
	ExcludedPaths     []string `mapstructure:"ExcludedPaths"`
	NetworkFirstPaths []string `mapstructure:"NetworkFirstPaths"`
	UnsafePathMarkers []string `mapstructure:"UnsafePathMarkers"`
	HomePath          string   `mapstructure:"HomePath"`
	AutoSkipWaiting   bool     `mapstructure:"AutoSkipWaiting"`
	RevalidateRPS     float64  `mapstructure:"RevalidateRPS"`
}

// StoreName 返回当前版本对应的缓存仓库名称，例如 blog-cache-v2.0.1。
func (w WorkerConfig) StoreName() string {
	return w.CachePrefix + "-" + w.CacheVersion
}

// ContentConfig 控制导航清单的加载、本地缓存与重试策略。
type ContentConfig struct {
	ManifestPath    string   `mapstructure:"ManifestPath"`
	EnableCache     bool     `mapstructure:"EnableCache"`
	CacheTTL        Duration `mapstructure:"CacheTTL"`
	FetchTimeout    Duration `mapstructure:"FetchTimeout"`
	MaxAttempts     int      `mapstructure:"MaxAttempts"`
	RetryDelay      Duration `mapstructure:"RetryDelay"`
	RecoverInterval Duration `mapstructure:"RecoverInterval"`
	ViewCountTTL    Duration `mapstructure:"ViewCountTTL"`
	MaxKeywords     int      `mapstructure:"MaxKeywords"`
}

// StorageConfig 选择本地键值存储后端（对应浏览器 localStorage）。
type StorageConfig struct {
	Backend    string `mapstructure:"Backend"`
	DSN        string `mapstructure:"DSN"`
	QuotaBytes int64  `mapstructure:"QuotaBytes"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Origin  OriginConfig  `mapstructure:"Origin"`
	Worker  WorkerConfig  `mapstructure:"Worker"`
	Content ContentConfig `mapstructure:"Content"`
	Storage StorageConfig `mapstructure:"Storage"`
}

// ManifestURL 拼接源站地址与清单路径，调用前应已通过 Validate。
func (c *Config) ManifestURL() string {
	base, err := url.Parse(c.Origin.Upstream)
	if err != nil {
		return c.Origin.Upstream + c.Content.ManifestPath
	}
	return base.ResolveReference(&url.URL{Path: c.Content.ManifestPath}).String()
}
