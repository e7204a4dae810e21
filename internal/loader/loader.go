package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/kb-hub/kb-hub/internal/appstate"
	"github.com/kb-hub/kb-hub/internal/contentcache"
	"github.com/kb-hub/kb-hub/internal/manifest"
)

// ErrLoadFailed 表示所有网络尝试都失败，状态已切换到内置清单。
var ErrLoadFailed = errors.New("manifest load failed")

// maxManifestBytes 限制单次读取的清单大小。
const maxManifestBytes = 16 << 20

// Options 描述 Loader 的依赖与重试参数。
type Options struct {
	Client       *http.Client
	ManifestURL  string
	Cache        *contentcache.Cache
	State        *appstate.State
	FetchTimeout time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	Logger       *logrus.Logger
}

// Loader 是 appstate 的唯一写入方。
type Loader struct {
	client       *http.Client
	manifestURL  string
	cache        *contentcache.Cache
	state        *appstate.State
	fetchTimeout time.Duration
	maxAttempts  int
	retryDelay   time.Duration
	logger       *logrus.Logger

	baseCtx    context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	refreshing atomic.Bool

	// notify 在每次重试等待前调用，测试用于记录等待时长。
	notify func(err error, delay time.Duration)
}

// New 构造 Loader，缺省值与配置默认值一致（5s 超时、3 次尝试、1s 线性步长）。
func New(opts Options) *Loader {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	state := opts.State
	if state == nil {
		state = appstate.New(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Loader{
		client:       client,
		manifestURL:  opts.ManifestURL,
		cache:        opts.Cache,
		state:        state,
		fetchTimeout: opts.FetchTimeout,
		maxAttempts:  opts.MaxAttempts,
		retryDelay:   opts.RetryDelay,
		logger:       logger,
	}
	if l.fetchTimeout <= 0 {
		l.fetchTimeout = 5 * time.Second
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = 3
	}
	if l.retryDelay <= 0 {
		l.retryDelay = time.Second
	}
	l.baseCtx, l.cancel = context.WithCancel(context.Background())
	return l
}

// State 返回 Loader 写入的应用状态。
func (l *Loader) State() *appstate.State {
	return l.state
}

// Load 加载清单并写入应用状态。
// 命中本地缓存时立即返回，并在后台检查更新；否则走网络加载。
// 网络全部失败时状态切换为内置清单，同时返回包装 ErrLoadFailed 的错误。
func (l *Loader) Load(ctx context.Context) (*appstate.Snapshot, error) {
	if l.cache != nil {
		if m, ok := l.cache.Load(ctx); ok {
			snap := l.state.Replace(m, appstate.SourceCache)
			l.logger.WithFields(logrus.Fields{
				"action": "manifest_load",
				"source": appstate.SourceCache,
				"posts":  len(m.BlogPosts),
			}).Info("使用本地缓存的导航数据")
			l.refreshInBackground()
			return snap, nil
		}
	}

	m, attempts, err := l.fetchWithRetry(ctx)
	if err != nil {
		snap := l.state.Replace(manifest.Default(), appstate.SourceDefault)
		l.logger.WithFields(logrus.Fields{
			"action":   "manifest_load",
			"source":   appstate.SourceDefault,
			"attempts": attempts,
			"error":    err.Error(),
		}).Warn("导航数据加载失败，使用默认数据")
		return snap, fmt.Errorf("%w after %d attempts: %w", ErrLoadFailed, attempts, err)
	}

	snap := l.adopt(ctx, m)
	l.logger.WithFields(logrus.Fields{
		"action":   "manifest_load",
		"source":   appstate.SourceNetwork,
		"attempts": attempts,
		"nav":      len(m.NavMenu),
		"posts":    len(m.BlogPosts),
		"dirs":     len(m.DirectoryStructure),
	}).Info("导航数据加载成功")
	return snap, nil
}

// Refresh 检查更新并在需要时重新拉取，失败时保留当前状态。
// 当前使用内置数据或本地没有版本记录时无法比较新旧，直接拉取。
// 返回是否替换了状态。
func (l *Loader) Refresh(ctx context.Context) bool {
	if !l.needsFetch(ctx) && !l.cache.CheckForUpdate(ctx) {
		return false
	}
	m, attempts, err := l.fetchWithRetry(ctx)
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"action":   "manifest_refresh",
			"attempts": attempts,
			"error":    err.Error(),
		}).Warn("后台更新导航数据失败，保留现有数据")
		return false
	}
	l.adopt(ctx, m)
	l.logger.WithFields(logrus.Fields{
		"action": "manifest_refresh",
		"posts":  len(m.BlogPosts),
	}).Info("后台更新完成")
	return true
}

// Watch 周期性调用 Refresh，直到 ctx 或 Loader 关闭。
// 使用内置数据期间按 retry 间隔重试，其余时间按 every 间隔检查更新。
func (l *Loader) Watch(ctx context.Context, every, retry time.Duration) {
	for {
		delay := every
		if l.degraded() && retry > 0 {
			delay = retry
		}
		if delay <= 0 {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.baseCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		l.Refresh(ctx)
	}
}

func (l *Loader) degraded() bool {
	switch l.state.Current().Source {
	case appstate.SourceDefault, appstate.SourceNone:
		return true
	}
	return false
}

func (l *Loader) needsFetch(ctx context.Context) bool {
	if l.degraded() || l.cache == nil {
		return true
	}
	_, ok := l.cache.Version(ctx)
	return !ok
}

// Wait 等待所有后台刷新结束。
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Close 取消后台刷新并等待其退出。
func (l *Loader) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Loader) refreshInBackground() {
	if !l.refreshing.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.refreshing.Store(false)
		l.Refresh(l.baseCtx)
	}()
}

func (l *Loader) adopt(ctx context.Context, m manifest.Manifest) *appstate.Snapshot {
	if l.cache != nil {
		l.cache.Save(ctx, m)
	}
	return l.state.Replace(m, appstate.SourceNetwork)
}

func (l *Loader) fetchWithRetry(ctx context.Context) (manifest.Manifest, int, error) {
	attempts := 0
	operation := func() (manifest.Manifest, error) {
		attempts++
		m, err := l.fetchOnce(ctx)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"action":  "manifest_fetch",
				"attempt": attempts,
				"max":     l.maxAttempts,
				"error":   err.Error(),
			}).Warn("加载 nav_data.json 失败")
		}
		return m, err
	}

	notify := func(err error, delay time.Duration) {
		if l.notify != nil {
			l.notify(err, delay)
		}
	}

	m, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{step: l.retryDelay}),
		backoff.WithMaxTries(uint(l.maxAttempts)),
		backoff.WithNotify(notify),
	)
	return m, attempts, err
}

func (l *Loader) fetchOnce(ctx context.Context) (manifest.Manifest, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, l.manifestURL, nil)
	if err != nil {
		return manifest.Manifest{}, backoff.Permanent(err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return manifest.Manifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return manifest.Manifest{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return manifest.Manifest{}, err
	}
	return manifest.Decode(raw)
}
