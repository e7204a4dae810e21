package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	"file":     {},
	"memory":   {},
	"redis":    {},
	"sqlite":   {},
	"disabled": {},
}

const supportedBackendList = "file|memory|redis|sqlite|disabled"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := validateUpstream(c.Origin.Upstream); err != nil {
		return fmt.Errorf("Origin.Upstream: %w", err)
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}
	if err := c.Content.validate(); err != nil {
		return err
	}
	return c.Storage.validate()
}

func (w WorkerConfig) validate() error {
	if w.CacheVersion == "" {
		return newFieldError("Worker.CacheVersion", "不能为空")
	}
	if strings.ContainsAny(w.CacheVersion, `/\ `) {
		return newFieldError("Worker.CacheVersion", "不允许包含路径分隔符或空格")
	}
	if strings.ContainsAny(w.CachePrefix, `/\ `) {
		return newFieldError("Worker.CachePrefix", "不允许包含路径分隔符或空格")
	}
	if len(w.CoreAssets) == 0 {
		return newFieldError("Worker.CoreAssets", "至少需要一个核心资源")
	}
	for i, asset := range w.CoreAssets {
		if err := validateSitePath(asset); err != nil {
			return newFieldError(indexField("Worker.CoreAssets", i), err.Error())
		}
	}
	for i, p := range w.ExcludedPaths {
		if err := validateSitePath(p); err != nil {
			return newFieldError(indexField("Worker.ExcludedPaths", i), err.Error())
		}
	}
	for i, p := range w.NetworkFirstPaths {
		if err := validateSitePath(p); err != nil {
			return newFieldError(indexField("Worker.NetworkFirstPaths", i), err.Error())
		}
	}
	if err := validateSitePath(w.HomePath); err != nil {
		return newFieldError("Worker.HomePath", err.Error())
	}
	if w.RevalidateRPS < 0 {
		return newFieldError("Worker.RevalidateRPS", "不能为负数")
	}
	return nil
}

func (c ContentConfig) validate() error {
	if err := validateSitePath(c.ManifestPath); err != nil {
		return newFieldError("Content.ManifestPath", err.Error())
	}
	if c.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Content.CacheTTL", "必须大于 0")
	}
	if c.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Content.FetchTimeout", "必须大于 0")
	}
	if c.MaxAttempts < 1 {
		return newFieldError("Content.MaxAttempts", "至少为 1")
	}
	if c.RetryDelay.DurationValue() <= 0 {
		return newFieldError("Content.RetryDelay", "必须大于 0")
	}
	if c.RecoverInterval.DurationValue() <= 0 {
		return newFieldError("Content.RecoverInterval", "必须大于 0")
	}
	if c.ViewCountTTL.DurationValue() <= 0 {
		return newFieldError("Content.ViewCountTTL", "必须大于 0")
	}
	if c.MaxKeywords < 0 {
		return newFieldError("Content.MaxKeywords", "不能为负数")
	}
	return nil
}

func (s StorageConfig) validate() error {
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	if _, ok := supportedBackends[backend]; !ok {
		return newFieldError("Storage.Backend", "仅支持 "+supportedBackendList)
	}
	if backend == "redis" && strings.TrimSpace(s.DSN) == "" {
		return newFieldError("Storage.DSN", "redis 后端必须提供连接地址")
	}
	if s.QuotaBytes < 0 {
		return newFieldError("Storage.QuotaBytes", "不能为负数")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateSitePath(p string) error {
	if p == "" {
		return errors.New("不能为空")
	}
	if !strings.HasPrefix(p, "/") {
		return errors.New("必须以 / 开头")
	}
	if strings.Contains(p, "://") {
		return errors.New("只允许站内路径")
	}
	return nil
}
