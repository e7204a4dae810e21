package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var (
	defaultCoreAssets        = []string{"/", "/index.html", "/style.css", "/script.js", "/nav_data.json"}
	defaultExcludedPaths     = []string{"/sw.js", "/manifest.json"}
	defaultNetworkFirstPaths = []string{"/style.css", "/script.js"}
	defaultUnsafeMarkers     = []string{"/notes/"}
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Worker.CachePrefix", "blog-cache")
	v.SetDefault("Worker.CoreAssets", defaultCoreAssets)
	v.SetDefault("Worker.ExcludedPaths", defaultExcludedPaths)
	v.SetDefault("Worker.NetworkFirstPaths", defaultNetworkFirstPaths)
	v.SetDefault("Worker.UnsafePathMarkers", defaultUnsafeMarkers)
	v.SetDefault("Worker.HomePath", "/index.html")
	v.SetDefault("Worker.AutoSkipWaiting", true)
	v.SetDefault("Worker.RevalidateRPS", 0)

	v.SetDefault("Content.ManifestPath", "/nav_data.json")
	v.SetDefault("Content.EnableCache", true)
	v.SetDefault("Content.CacheTTL", "24h")
	v.SetDefault("Content.FetchTimeout", "5s")
	v.SetDefault("Content.MaxAttempts", 3)
	v.SetDefault("Content.RetryDelay", "1s")
	v.SetDefault("Content.RecoverInterval", "1m")
	v.SetDefault("Content.ViewCountTTL", "5m")
	v.SetDefault("Content.MaxKeywords", 50)

	v.SetDefault("Storage.Backend", "file")
	v.SetDefault("Storage.QuotaBytes", 5*1024*1024)
}

// applyDefaults 补齐直接构造 Config（未经过 viper）时缺失的字段。
func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}

	w := &cfg.Worker
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	if w.CachePrefix == "" {
		w.CachePrefix = "blog-cache"
	}
	if w.HomePath == "" {
		w.HomePath = "/index.html"
	}

	c := &cfg.Content
	if c.ManifestPath == "" {
		c.ManifestPath = "/nav_data.json"
	}
	if c.CacheTTL.DurationValue() == 0 {
		c.CacheTTL = Duration(24 * time.Hour)
	}
	if c.FetchTimeout.DurationValue() == 0 {
		c.FetchTimeout = Duration(5 * time.Second)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay.DurationValue() == 0 {
		c.RetryDelay = Duration(time.Second)
	}
	if c.RecoverInterval.DurationValue() == 0 {
		c.RecoverInterval = Duration(time.Minute)
	}
	if c.ViewCountTTL.DurationValue() == 0 {
		c.ViewCountTTL = Duration(5 * time.Minute)
	}
	if c.MaxKeywords == 0 {
		c.MaxKeywords = 50
	}

	s := &cfg.Storage
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = "file"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
