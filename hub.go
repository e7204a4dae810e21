package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/kb-hub/kb-hub/internal/appstate"
	"github.com/kb-hub/kb-hub/internal/cache"
	"github.com/kb-hub/kb-hub/internal/config"
	"github.com/kb-hub/kb-hub/internal/contentcache"
	"github.com/kb-hub/kb-hub/internal/kvstore"
	"github.com/kb-hub/kb-hub/internal/loader"
	"github.com/kb-hub/kb-hub/internal/prefs"
	"github.com/kb-hub/kb-hub/internal/proxy"
	"github.com/kb-hub/kb-hub/internal/server"
	"github.com/kb-hub/kb-hub/internal/server/routes"
	"github.com/kb-hub/kb-hub/internal/viewcount"
	"github.com/kb-hub/kb-hub/internal/worker"
)

// hubRuntime 按“配置 → 本地存储 → 缓存仓库 → Worker → 拦截层 → 页面上下文”的顺序装配组件。
type hubRuntime struct {
	cfg    *config.Config
	logger *logrus.Logger

	kv           kvstore.Storage
	origin       *server.Origin
	registration *worker.Registration
	handler      *proxy.Handler
	state        *appstate.State
	content      *contentcache.Cache
	loader       *loader.Loader
	views        *viewcount.Tracker
	prefs        *prefs.Store

	stopMailbox context.CancelFunc
	mailboxDone chan struct{}
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*hubRuntime, error) {
	kv, err := kvstore.Open(ctx, kvstore.Options{
		Backend:    cfg.Storage.Backend,
		DSN:        cfg.Storage.DSN,
		Dir:        cfg.Global.StoragePath,
		QuotaBytes: cfg.Storage.QuotaBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化本地存储失败: %w", err)
	}
	if !kvstore.Probe(ctx, kv) {
		logger.WithFields(logrus.Fields{
			"action":  "kvstore_probe",
			"backend": cfg.Storage.Backend,
		}).Warn("本地存储不可用，按无缓存模式运行")
	}

	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	origin, err := server.NewOrigin(cfg)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	origin.ListenPort = cfg.Global.ListenPort
	client := server.NewUpstreamClient(cfg)

	reg, err := worker.NewRegistration(worker.Options{
		Storage:         storage,
		Client:          client,
		Origin:          origin,
		CachePrefix:     cfg.Worker.CachePrefix,
		CoreAssets:      cfg.Worker.CoreAssets,
		AutoSkipWaiting: cfg.Worker.AutoSkipWaiting,
		Logger:          logger,
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Client:        client,
		Controller:    reg,
		Origin:        origin,
		Policy:        proxy.NewPolicy(cfg.Worker),
		HomePath:      cfg.Worker.HomePath,
		RevalidateRPS: cfg.Worker.RevalidateRPS,
		Logger:        logger,
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	transport, err := proxy.NewTransport(handler, origin, client.Transport)
	if err != nil {
		handler.Close()
		_ = kv.Close()
		return nil, err
	}
	// 页面上下文的请求与浏览器页面一样经过拦截层。
	pageClient := &http.Client{Transport: transport}

	state := appstate.New(cfg.Content.MaxKeywords)
	content := contentcache.New(contentcache.Options{
		Store:       kv,
		Client:      pageClient,
		ManifestURL: cfg.ManifestURL(),
		TTL:         cfg.Content.CacheTTL.DurationValue(),
		Enabled:     cfg.Content.EnableCache,
		Logger:      logger,
	})
	ld := loader.New(loader.Options{
		Client:       pageClient,
		ManifestURL:  cfg.ManifestURL(),
		Cache:        content,
		State:        state,
		FetchTimeout: cfg.Content.FetchTimeout.DurationValue(),
		MaxAttempts:  cfg.Content.MaxAttempts,
		RetryDelay:   cfg.Content.RetryDelay.DurationValue(),
		Logger:       logger,
	})

	rt := &hubRuntime{
		cfg:          cfg,
		logger:       logger,
		kv:           kv,
		origin:       origin,
		registration: reg,
		handler:      handler,
		state:        state,
		content:      content,
		loader:       ld,
		views:        viewcount.NewTracker(kv, cfg.Content.ViewCountTTL.DurationValue(), logger),
		prefs:        prefs.New(kv, logger),
		mailboxDone:  make(chan struct{}),
	}

	mailboxCtx, cancel := context.WithCancel(context.Background())
	rt.stopMailbox = cancel
	go func() {
		defer close(rt.mailboxDone)
		_ = reg.Serve(mailboxCtx)
	}()
	return rt, nil
}

// install 安装当前缓存版本。失败只影响本次安装，拦截层继续使用旧版本或直连源站。
func (rt *hubRuntime) install(ctx context.Context) {
	if _, err := rt.registration.Register(ctx, rt.cfg.Worker.CacheVersion); err != nil {
		rt.logger.WithFields(logrus.Fields{
			"action":  "worker_install",
			"version": rt.cfg.Worker.CacheVersion,
			"error":   err.Error(),
		}).Warn("缓存版本安装失败")
	}
}

func (rt *hubRuntime) newApp() (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     rt.logger,
		Origin:     rt.origin,
		Proxy:      proxy.NewForwarder(rt.handler, rt.logger),
		ListenPort: rt.cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterWorkerRoutes(app, rt.registration)
	routes.RegisterContentRoutes(app, routes.ContentDeps{
		State:  rt.state,
		Loader: rt.loader,
		Cache:  rt.content,
		Views:  rt.views,
		Prefs:  rt.prefs,
	})
	return app, nil
}

// serve 安装缓存版本、加载导航数据并监听端口，之后定期刷新导航数据，ctx 结束时优雅退出。
func (rt *hubRuntime) serve(ctx context.Context) error {
	app, err := rt.newApp()
	if err != nil {
		return err
	}

	go func() {
		rt.install(ctx)
		if _, err := rt.loader.Load(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.WithFields(logrus.Fields{
				"action": "manifest_load",
				"error":  err.Error(),
			}).Warn("导航数据使用默认值")
		}
		rt.loader.Watch(ctx, rt.cfg.Content.CacheTTL.DurationValue(), rt.cfg.Content.RecoverInterval.DurationValue())
	}()

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	port := rt.cfg.Global.ListenPort
	rt.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}

// Close 依次停止后台任务并释放存储。
func (rt *hubRuntime) Close() {
	rt.loader.Close()
	rt.handler.Close()
	rt.stopMailbox()
	<-rt.mailboxDone
	rt.registration.Close()
	if err := rt.kv.Close(); err != nil {
		rt.logger.WithFields(logrus.Fields{
			"action": "shutdown",
			"error":  err.Error(),
		}).Warn("关闭本地存储失败")
	}
}
