// Package viewcount keeps per-article view tallies in the local key/value
// store. Counts are best effort: a storage failure returns the last value
// seen in memory instead of an error.
package viewcount

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kb-hub/kb-hub/internal/kvstore"
)

const (
	// SnapshotKey 保存批量访问量快照。
	SnapshotKey = "blog_view_counts"
	keyPrefix   = "view_"
	maxKeyLen   = 64
)

// Key 把文章路径转成存储键：去掉一个前导 /，[A-Za-z0-9_-] 之外的字符替换为 _，
// 截断到 64 字节；结果为空时返回 "unknown"。
func Key(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	var b strings.Builder
	for _, r := range trimmed {
		if b.Len() >= maxKeyLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Trackable 判断路径是否计入访问量：首页与搜索页不计。
func Trackable(path string) bool {
	return path != "/" && path != "/index.html" && !strings.Contains(path, "search.html")
}

type snapshot struct {
	Data      map[string]int `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// Tracker 读写访问量。
type Tracker struct {
	store  kvstore.Storage
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time

	mu   sync.Mutex
	last map[string]int
}

// NewTracker 构造 Tracker；ttl 为批量快照的有效期。
func NewTracker(store kvstore.Storage, ttl time.Duration, logger *logrus.Logger) *Tracker {
	if store == nil {
		store = kvstore.NewDisabled()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		last:   make(map[string]int),
	}
}

// Track 为 path 计数加一并返回新值；存储失败时返回内存中的值（至少为 1）。
func (t *Tracker) Track(ctx context.Context, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	storageKey := keyPrefix + Key(path)
	count, err := t.read(ctx, storageKey)
	if err != nil {
		return t.fallback(path, 1, err)
	}
	count++
	if err := t.store.Set(ctx, storageKey, strconv.Itoa(count)); err != nil {
		return t.fallback(path, 1, err)
	}
	t.last[path] = count
	return count
}

// Views 返回 path 当前计数，不做递增。
func (t *Tracker) Views(ctx context.Context, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count, err := t.read(ctx, keyPrefix+Key(path))
	if err != nil {
		return t.fallback(path, 0, err)
	}
	t.last[path] = count
	return count
}

// ViewsFor 批量读取计数。有效期内直接返回上次的快照，否则逐个读取并刷新快照。
func (t *Tracker) ViewsFor(ctx context.Context, paths []string) map[string]int {
	if cached, ok := t.cachedSnapshot(ctx); ok {
		return cached
	}

	results := make(map[string]int, len(paths))
	for _, path := range paths {
		results[path] = t.Views(ctx, path)
	}

	raw, err := json.Marshal(snapshot{Data: results, Timestamp: t.now().UnixMilli()})
	if err == nil {
		err = t.store.Set(ctx, SnapshotKey, string(raw))
	}
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"action": "view_count_snapshot",
			"error":  err.Error(),
		}).Warn("保存访问量缓存失败")
	}
	return results
}

func (t *Tracker) cachedSnapshot(ctx context.Context) (map[string]int, bool) {
	raw, err := t.store.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, false
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil || snap.Data == nil {
		return nil, false
	}
	if t.now().Sub(time.UnixMilli(snap.Timestamp)) > t.ttl {
		return nil, false
	}
	return snap.Data, true
}

func (t *Tracker) read(ctx context.Context, storageKey string) (int, error) {
	raw, err := t.store.Get(ctx, storageKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || count < 0 {
		return 0, nil
	}
	return count, nil
}

func (t *Tracker) fallback(path string, floor int, err error) int {
	t.logger.WithFields(logrus.Fields{
		"action": "view_count",
		"path":   path,
		"error":  err.Error(),
	}).Debug("访问量存储不可用，使用内存值")
	if v, ok := t.last[path]; ok && v >= floor {
		return v
	}
	return floor
}
