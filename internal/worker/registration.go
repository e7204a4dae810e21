package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kb-hub/kb-hub/internal/cache"
	"github.com/kb-hub/kb-hub/internal/server"
)

var (
	// ErrInstallFailed 表示核心资源预取失败，新版本被丢弃。
	ErrInstallFailed = errors.New("worker install failed")
	// ErrInvalidTransition 表示非法的生命周期跳转。
	ErrInvalidTransition = errors.New("invalid worker state transition")
	// ErrNoActiveWorker 表示当前没有激活的版本。
	ErrNoActiveWorker = errors.New("no active worker")
)

const installConcurrency = 4

// Options 描述 Registration 的依赖。
type Options struct {
	Storage         cache.Storage
	Client          *http.Client
	Origin          *server.Origin
	CachePrefix     string
	CoreAssets      []string
	AutoSkipWaiting bool
	Logger          *logrus.Logger
}

// Registration 管理 installing / waiting / active 三个槽位。
type Registration struct {
	storage    cache.Storage
	client     *http.Client
	origin     *server.Origin
	prefix     string
	coreAssets []string
	autoSkip   bool
	logger     *logrus.Logger
	now        func() time.Time

	// lifecycle 串行化安装与激活。
	lifecycle sync.Mutex

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker

	mailbox chan envelope
	wg      sync.WaitGroup
}

// NewRegistration 构造 Registration，尚未安装任何版本。
func NewRegistration(opts Options) (*Registration, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	prefix := opts.CachePrefix
	if prefix == "" {
		prefix = "blog-cache"
	}
	return &Registration{
		storage:    opts.Storage,
		client:     client,
		origin:     opts.Origin,
		prefix:     prefix,
		coreAssets: append([]string(nil), opts.CoreAssets...),
		autoSkip:   opts.AutoSkipWaiting,
		logger:     logger,
		now:        time.Now,
		mailbox:    make(chan envelope, 16),
	}, nil
}

// StoreName 返回 version 对应的仓库名称。
func (r *Registration) StoreName(version string) string {
	return r.prefix + "-" + version
}

// Register 安装 version。已激活或已等待的同版本直接返回；
// 安装失败时新仓库被删除，之前的激活版本保持不变。
func (r *Registration) Register(ctx context.Context, version string) (*Worker, error) {
	if version == "" {
		return nil, errors.New("version is required")
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if r.active != nil && r.active.Version == version {
		w := r.active
		r.mu.Unlock()
		return w, nil
	}
	if r.waiting != nil && r.waiting.Version == version {
		w := r.waiting
		r.mu.Unlock()
		return w, nil
	}
	w := newWorker(version, r.StoreName(version))
	r.installing = w
	r.mu.Unlock()

	logger := r.logger.WithFields(logrus.Fields{
		"action":  "worker_install",
		"version": version,
		"store":   w.StoreName,
		"worker":  w.ID,
	})
	logger.Info("开始安装缓存版本")

	store, err := r.storage.Open(ctx, w.StoreName)
	if err == nil {
		err = r.install(ctx, store)
	}
	if err != nil {
		r.abandon(ctx, w)
		logger.WithField("error", err.Error()).Warn("缓存版本安装失败，保留当前版本")
		return w, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	w.setStore(store)
	if err := w.transition(StateWaiting, r.now()); err != nil {
		return w, err
	}

	r.mu.Lock()
	r.installing = nil
	previous := r.waiting
	r.waiting = w
	active := r.active
	r.mu.Unlock()

	if previous != nil {
		_ = previous.transition(StateRedundant, r.now())
	}
	logger.Info("缓存版本安装完成，进入 waiting")

	if r.autoSkip || active == nil || active.idle() {
		if err := r.activateLocked(ctx, w); err != nil {
			return w, err
		}
	}
	return w, nil
}

func (r *Registration) install(ctx context.Context, store cache.Store) error {
	writer := cache.NewWriter(store)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)

	for _, asset := range r.coreAssets {
		asset := asset
		g.Go(func() error {
			return r.precache(gctx, writer, asset)
		})
	}
	return g.Wait()
}

func (r *Registration) precache(ctx context.Context, writer cache.Writer, asset string) error {
	ref, err := url.Parse(asset)
	if err != nil {
		return fmt.Errorf("core asset %s: %w", asset, err)
	}
	target := r.origin.Resolve(ref.Path, ref.RawQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("core asset %s: %w", asset, err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("core asset %s: %w", asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("core asset %s: unexpected status %d", asset, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("core asset %s: %w", asset, err)
	}
	if _, err := writer.Put(ctx, cache.NewKey(target.String()), resp.StatusCode, resp.Header, body); err != nil {
		return fmt.Errorf("core asset %s: %w", asset, err)
	}
	return nil
}

func (r *Registration) abandon(ctx context.Context, w *Worker) {
	r.mu.Lock()
	if r.installing == w {
		r.installing = nil
	}
	inUse := r.active != nil && r.active.StoreName == w.StoreName
	r.mu.Unlock()

	if !inUse {
		if _, err := r.storage.Delete(context.WithoutCancel(ctx), w.StoreName); err != nil {
			r.logger.WithFields(logrus.Fields{
				"action": "worker_install",
				"store":  w.StoreName,
				"error":  err.Error(),
			}).Warn("清理安装失败的仓库出错")
		}
	}
	_ = w.transition(StateRedundant, r.now())
}

// SkipWaiting 立即激活 waiting 版本；没有 waiting 版本时什么也不做。
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	w := r.waiting
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return r.activateLocked(ctx, w)
}

// activateLocked 要求调用方持有 lifecycle 锁：先删除其它仓库，再接管请求。
func (r *Registration) activateLocked(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	if r.waiting != w {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := w.transition(StateActive, r.now()); err != nil {
		return err
	}

	names, err := r.storage.Names(ctx)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"action": "worker_activate",
			"error":  err.Error(),
		}).Warn("枚举缓存仓库失败")
	}
	for _, name := range names {
		if name == w.StoreName {
			continue
		}
		if _, err := r.storage.Delete(ctx, name); err != nil {
			r.logger.WithFields(logrus.Fields{
				"action": "worker_activate",
				"store":  name,
				"error":  err.Error(),
			}).Warn("删除旧缓存仓库失败")
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"action": "worker_activate",
			"store":  name,
		}).Info("删除旧缓存仓库")
	}

	r.mu.Lock()
	previous := r.active
	r.active = w
	r.waiting = nil
	r.mu.Unlock()

	if previous != nil {
		_ = previous.transition(StateRedundant, r.now())
	}
	r.logger.WithFields(logrus.Fields{
		"action":  "worker_activate",
		"version": w.Version,
		"store":   w.StoreName,
		"worker":  w.ID,
	}).Info("缓存版本已激活")
	return nil
}

// Acquire 返回当前激活版本的仓库，并记录一次进行中的请求。
// release 必须调用且只生效一次；没有激活版本时 ok 为 false。
func (r *Registration) Acquire() (store cache.Store, release func(), ok bool) {
	r.mu.Lock()
	w := r.active
	r.mu.Unlock()
	if w == nil {
		return nil, func() {}, false
	}

	w.mu.Lock()
	w.holds++
	store = w.store
	w.mu.Unlock()

	var once sync.Once
	return store, func() { once.Do(func() { r.release(w) }) }, true
}

func (r *Registration) release(w *Worker) {
	w.mu.Lock()
	w.holds--
	idle := w.holds == 0
	w.mu.Unlock()
	if !idle {
		return
	}

	r.mu.Lock()
	pending := r.waiting != nil && r.active == w
	r.mu.Unlock()
	if !pending {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.promoteIfIdle(context.Background())
	}()
}

func (r *Registration) promoteIfIdle(ctx context.Context) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	w, active := r.waiting, r.active
	r.mu.Unlock()
	if w == nil || (active != nil && !active.idle()) {
		return
	}
	if err := r.activateLocked(ctx, w); err != nil {
		r.logger.WithFields(logrus.Fields{
			"action": "worker_activate",
			"error":  err.Error(),
		}).Warn("自动激活失败")
	}
}

func (w *Worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.holds == 0
}

// Active 返回当前激活版本。
func (r *Registration) Active() (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != nil
}

// Status 汇总三个槽位与现存仓库。
type Status struct {
	Installing *Info    `json:"installing,omitempty"`
	Waiting    *Info    `json:"waiting,omitempty"`
	Active     *Info    `json:"active,omitempty"`
	Stores     []string `json:"stores"`
}

// Status 返回当前生命周期快照。
func (r *Registration) Status(ctx context.Context) Status {
	r.mu.Lock()
	installing, waiting, active := r.installing, r.waiting, r.active
	r.mu.Unlock()

	names, err := r.storage.Names(ctx)
	if err != nil {
		names = nil
	}
	if names == nil {
		names = []string{}
	}
	return Status{
		Installing: installing.info(),
		Waiting:    waiting.info(),
		Active:     active.info(),
		Stores:     names,
	}
}

// Close 等待后台激活结束。
func (r *Registration) Close() {
	r.wg.Wait()
}
