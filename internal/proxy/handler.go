package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kb-hub/kb-hub/internal/cache"
	"github.com/kb-hub/kb-hub/internal/server"
)

// CacheStatus 描述一次响应的来源。
type CacheStatus string

const (
	CacheHit     CacheStatus = "hit"
	CacheMiss    CacheStatus = "miss"
	CacheBypass  CacheStatus = "bypass"
	CacheOffline CacheStatus = "offline"
)

const (
	networkErrorBody = "Network error"
	offlinePageBody  = "Page not available offline"
)

// Controller 提供当前激活版本的缓存仓库，由 worker.Registration 实现。
type Controller interface {
	Acquire() (store cache.Store, release func(), ok bool)
}

// Request 是被拦截的一次请求，URL 已解析为源站绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Path   string
	Header http.Header
	Body   []byte
}

func (r *Request) clone() *Request {
	cp := *r
	cp.URL = &url.URL{}
	*cp.URL = *r.URL
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}

// Response 是完整缓冲后的响应。
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	Strategy    Strategy
	CacheStatus CacheStatus
}

// Options 描述 Handler 的依赖。
type Options struct {
	Client        *http.Client
	Controller    Controller
	Origin        *server.Origin
	Policy        Policy
	HomePath      string
	RevalidateRPS float64
	Logger        *logrus.Logger
}

// Handler 实现缓存优先 / 网络优先两种算法，任何网络失败都转换为缓存回退或合成的 503。
type Handler struct {
	client     *http.Client
	controller Controller
	origin     *server.Origin
	policy     Policy
	homePath   string
	limiter    *rate.Limiter
	logger     *logrus.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHandler 构造 Handler。RevalidateRPS 为 0 时后台刷新不限速。
func NewHandler(opts Options) (*Handler, error) {
	if opts.Controller == nil {
		return nil, errors.New("controller is required")
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
	home := opts.HomePath
	if home == "" {
		home = "/index.html"
	}
	var limiter *rate.Limiter
	if opts.RevalidateRPS > 0 {
		burst := int(opts.RevalidateRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RevalidateRPS), burst)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		client:     client,
		controller: opts.Controller,
		origin:     opts.Origin,
		policy:     opts.Policy,
		homePath:   home,
		limiter:    limiter,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// Respond 决定策略并产出响应，从不返回错误。
func (h *Handler) Respond(ctx context.Context, req *Request) *Response {
	shape := ShapeOf(req.Method, req.Path, req.Header)
	strategy := h.policy.Decide(shape)

	store, release, ok := h.controller.Acquire()
	defer release()
	if !ok {
		strategy = StrategyBypass
	}

	var resp *Response
	switch strategy {
	case StrategyCacheFirst:
		resp = h.cacheFirst(ctx, store, req, shape)
	case StrategyNetworkFirst:
		resp = h.networkFirst(ctx, store, req)
	default:
		resp = h.networkOnly(ctx, req)
	}
	resp.Strategy = strategy
	return resp
}

func (h *Handler) networkOnly(ctx context.Context, req *Request) *Response {
	resp, err := h.fetch(ctx, req)
	if err != nil {
		h.logFetchFailure(req, StrategyBypass, err)
		return unavailable(networkErrorBody, "text/plain; charset=utf-8")
	}
	resp.CacheStatus = CacheBypass
	return resp
}

func (h *Handler) cacheFirst(ctx context.Context, store cache.Store, req *Request, shape Shape) *Response {
	key := cache.Key{Method: req.Method, URL: req.URL.String()}
	if cached := h.lookup(ctx, store, key); cached != nil {
		h.revalidate(store, req)
		cached.CacheStatus = CacheHit
		return cached
	}

	resp, err := h.fetch(ctx, req)
	if err == nil {
		h.save(ctx, store, key, resp)
		resp.CacheStatus = CacheMiss
		return resp
	}
	h.logFetchFailure(req, StrategyCacheFirst, err)

	if cached := h.lookup(ctx, store, key); cached != nil {
		cached.CacheStatus = CacheOffline
		return cached
	}
	if shape.WantsDocument() {
		home := cache.NewKey(h.origin.Resolve(h.homePath, "").String())
		if cached := h.lookup(ctx, store, home); cached != nil {
			cached.CacheStatus = CacheOffline
			return cached
		}
	}
	return unavailable(networkErrorBody, "text/plain; charset=utf-8")
}

func (h *Handler) networkFirst(ctx context.Context, store cache.Store, req *Request) *Response {
	key := cache.Key{Method: req.Method, URL: req.URL.String()}
	resp, err := h.fetch(ctx, req)
	if err == nil {
		if !h.policy.Unsafe(req.Path) {
			h.save(ctx, store, key, resp)
		}
		resp.CacheStatus = CacheMiss
		return resp
	}
	h.logFetchFailure(req, StrategyNetworkFirst, err)

	if cached := h.lookup(ctx, store, key); cached != nil {
		cached.CacheStatus = CacheOffline
		return cached
	}
	return unavailable(offlinePageBody, "text/html; charset=utf-8")
}

// revalidate 在后台重新拉取并覆盖缓存条目，错误只记录不上抛。
func (h *Handler) revalidate(store cache.Store, req *Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		return
	}
	bg := req.clone()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		resp, err := h.fetch(h.baseCtx, bg)
		if err != nil {
			h.logger.WithFields(logrus.Fields{
				"action": "revalidate",
				"url":    bg.URL.String(),
				"error":  err.Error(),
			}).Debug("后台刷新失败，保留缓存")
			return
		}
		h.save(h.baseCtx, store, cache.Key{Method: bg.Method, URL: bg.URL.String()}, resp)
	}()
}

// Wait 等待所有后台刷新结束。
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Close 取消进行中的后台刷新并等待其退出。
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) fetch(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstream, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(upstream.Header, req.Header)
	upstream.Header.Del("Accept-Encoding")
	upstream.Host = req.URL.Host

	resp, err := h.client.Do(upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   payload,
	}, nil
}

func (h *Handler) lookup(ctx context.Context, store cache.Store, key cache.Key) *Response {
	if store == nil {
		return nil
	}
	result, err := store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.logger.WithFields(logrus.Fields{
				"action": "cache_get",
				"key":    key.String(),
				"error":  err.Error(),
			}).Warn("读取缓存失败")
		}
		return nil
	}
	defer result.Reader.Close()

	payload, err := io.ReadAll(result.Reader)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "cache_get",
			"key":    key.String(),
			"error":  err.Error(),
		}).Warn("读取缓存内容失败")
		return nil
	}
	header := result.Entry.Meta.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	status := result.Entry.Meta.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Header: header, Body: payload}
}

func (h *Handler) save(ctx context.Context, store cache.Store, key cache.Key, resp *Response) {
	writer := cache.NewWriter(store)
	if !writer.Enabled() || !cache.Cacheable(key.Method, resp.Status) {
		return
	}
	if _, err := writer.Put(ctx, key, resp.Status, resp.Header, resp.Body); err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "cache_put",
			"key":    key.String(),
			"error":  err.Error(),
		}).Warn("写入缓存失败")
	}
}

func (h *Handler) logFetchFailure(req *Request, strategy Strategy, err error) {
	h.logger.WithFields(logrus.Fields{
		"action":   "fetch",
		"strategy": string(strategy),
		"url":      req.URL.String(),
		"error":    err.Error(),
	}).Warn("回源失败")
}

func unavailable(body, contentType string) *Response {
	return &Response{
		Status:      http.StatusServiceUnavailable,
		Header:      http.Header{"Content-Type": {contentType}},
		Body:        []byte(body),
		CacheStatus: CacheOffline,
	}
}
