// Package contentcache persists the manifest as a versioned, expiring
// envelope in the local key/value store and probes the origin for newer
// revisions. Every operation is best effort: storage and network failures
// are logged and reported as "absent" or false, never as errors.
package contentcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kb-hub/kb-hub/internal/kvstore"
	"github.com/kb-hub/kb-hub/internal/manifest"
)

const (
	// EnvelopeKey 保存清单信封。
	EnvelopeKey = "blog_nav_data_cache"
	// VersionKey 保存清单版本（Unix 毫秒）。
	VersionKey = "blog_nav_data_version"

	// DefaultTTL 是信封的默认有效期。
	DefaultTTL = 24 * time.Hour
)

// Envelope 是落盘格式：清单 + 捕获时间 + 版本，时间均为 Unix 毫秒。
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Version   int64           `json:"version"`
}

// Options 描述 Cache 的依赖。
type Options struct {
	Store       kvstore.Storage
	Client      *http.Client
	ManifestURL string
	TTL         time.Duration
	Enabled     bool
	Logger      *logrus.Logger
}

// Cache 负责信封的保存、读取、清理与更新探测。
type Cache struct {
	store       kvstore.Storage
	client      *http.Client
	manifestURL string
	ttl         time.Duration
	enabled     bool
	logger      *logrus.Logger
	now         func() time.Time
}

// New 构造 Cache；Store 为空时等价于存储被禁用。
func New(opts Options) *Cache {
	store := opts.Store
	if store == nil {
		store = kvstore.NewDisabled()
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		store:       store,
		client:      client,
		manifestURL: opts.ManifestURL,
		ttl:         ttl,
		enabled:     opts.Enabled,
		logger:      logger,
		now:         time.Now,
	}
}

// Save 以当前时间包装并写入清单。存储不可用或超出配额时返回 false。
func (c *Cache) Save(ctx context.Context, m manifest.Manifest) bool {
	if !c.enabled {
		return false
	}

	data, err := json.Marshal(m)
	if err != nil {
		c.warn("content_cache_save", err)
		return false
	}
	captured := c.now()
	version := captured.UnixMilli()
	if t, ok := m.VersionTime(); ok {
		version = t.UnixMilli()
	}

	raw, err := json.Marshal(Envelope{Data: data, Timestamp: captured.UnixMilli(), Version: version})
	if err != nil {
		c.warn("content_cache_save", err)
		return false
	}
	if err := c.store.Set(ctx, EnvelopeKey, string(raw)); err != nil {
		c.warn("content_cache_save", err)
		return false
	}
	if err := c.store.Set(ctx, VersionKey, strconv.FormatInt(version, 10)); err != nil {
		c.warn("content_cache_save", err)
		c.Clear(ctx)
		return false
	}

	c.logger.WithFields(logrus.Fields{
		"action":  "content_cache_save",
		"version": version,
		"bytes":   len(raw),
	}).Debug("导航数据已写入本地缓存")
	return true
}

// Load 返回未过期的清单。过期或损坏的信封会被清理并视为不存在。
func (c *Cache) Load(ctx context.Context) (manifest.Manifest, bool) {
	if !c.enabled {
		return manifest.Manifest{}, false
	}

	raw, err := c.store.Get(ctx, EnvelopeKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.warn("content_cache_load", err)
		}
		return manifest.Manifest{}, false
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Timestamp <= 0 {
		c.logger.WithField("action", "content_cache_load").Warn("本地缓存损坏，已清理")
		c.Clear(ctx)
		return manifest.Manifest{}, false
	}

	age := c.now().Sub(time.UnixMilli(env.Timestamp))
	if age > c.ttl {
		c.logger.WithFields(logrus.Fields{
			"action": "content_cache_load",
			"age":    age.String(),
		}).Info("本地缓存已过期，已清理")
		c.Clear(ctx)
		return manifest.Manifest{}, false
	}

	m, err := manifest.Decode(env.Data)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"action": "content_cache_load",
			"error":  err.Error(),
		}).Warn("本地缓存内容不合法，已清理")
		c.Clear(ctx)
		return manifest.Manifest{}, false
	}
	return m, true
}

// Clear 删除信封与版本标记，可重复调用。
func (c *Cache) Clear(ctx context.Context) {
	for _, key := range []string{EnvelopeKey, VersionKey} {
		if err := c.store.Remove(ctx, key); err != nil && !errors.Is(err, kvstore.ErrUnavailable) {
			c.warn("content_cache_clear", err)
		}
	}
}

// Version 返回已保存的版本时间。
func (c *Cache) Version(ctx context.Context) (time.Time, bool) {
	raw, err := c.store.Get(ctx, VersionKey)
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// CheckForUpdate 通过 HEAD 请求比较远端 Last-Modified 与本地版本，
// 仅当远端严格更新时返回 true；任何探测失败都返回 false。
func (c *Cache) CheckForUpdate(ctx context.Context) bool {
	stored, ok := c.Version(ctx)
	if !ok || c.manifestURL == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.manifestURL, nil)
	if err != nil {
		c.warn("content_cache_probe", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.warn("content_cache_probe", err)
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	lastModified := resp.Header.Get("Last-Modified")
	if lastModified == "" {
		return false
	}
	remote, err := http.ParseTime(lastModified)
	if err != nil {
		return false
	}

	newer := remote.After(stored)
	c.logger.WithFields(logrus.Fields{
		"action":        "content_cache_probe",
		"last_modified": remote.UTC().Format(time.RFC3339),
		"version":       stored.UTC().Format(time.RFC3339Nano),
		"newer":         newer,
	}).Debug("检查导航数据更新")
	return newer
}

func (c *Cache) warn(action string, err error) {
	c.logger.WithFields(logrus.Fields{
		"action": action,
		"error":  err.Error(),
	}).Warn("本地缓存操作失败，继续执行")
}
