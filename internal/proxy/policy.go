// Package proxy answers every intercepted request the way an offline-first
// service worker would: each request is classified by Policy and then served
// network-only, cache-first with background revalidation, or network-first
// with a cache fallback.
package proxy

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/kb-hub/kb-hub/internal/config"
)

// Strategy 是单个请求的处理方式。
type Strategy string

const (
	StrategyBypass       Strategy = "bypass"
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
)

// Shape 是决定路由所需的请求特征，全部来自请求行与请求头。
type Shape struct {
	Method       string
	Path         string
	Mode         string // Sec-Fetch-Mode
	Dest         string // Sec-Fetch-Dest
	Accept       string
	CacheControl string
	Pragma       string
}

// ShapeOf 从方法、站内路径与请求头提取 Shape。
func ShapeOf(method, path string, header http.Header) Shape {
	return Shape{
		Method:       method,
		Path:         path,
		Mode:         header.Get("Sec-Fetch-Mode"),
		Dest:         header.Get("Sec-Fetch-Dest"),
		Accept:       header.Get("Accept"),
		CacheControl: header.Get("Cache-Control"),
		Pragma:       header.Get("Pragma"),
	}
}

// Navigation 表示整页加载。
func (s Shape) Navigation() bool {
	return strings.EqualFold(s.Mode, "navigate") || strings.EqualFold(s.Dest, "document")
}

// WantsDocument 表示请求方期望得到 HTML 文档。
func (s Shape) WantsDocument() bool {
	return strings.EqualFold(s.Dest, "document") || strings.Contains(s.Accept, "text/html")
}

func (s Shape) noCache() bool {
	return containsToken(s.CacheControl, "no-cache") || containsToken(s.Pragma, "no-cache")
}

// Policy 是无状态的路由规则：同一 Shape 总是得到同一 Strategy。
type Policy struct {
	Excluded      []string
	NetworkFirst  []string
	UnsafeMarkers []string
}

// NewPolicy 根据 Worker 配置构造 Policy。
func NewPolicy(cfg config.WorkerConfig) Policy {
	return Policy{
		Excluded:      append([]string(nil), cfg.ExcludedPaths...),
		NetworkFirst:  append([]string(nil), cfg.NetworkFirstPaths...),
		UnsafeMarkers: append([]string(nil), cfg.UnsafePathMarkers...),
	}
}

// Decide 按固定顺序匹配规则，第一条命中的规则生效。
func (p Policy) Decide(s Shape) Strategy {
	switch {
	case containsAny(p.Excluded, s.Path):
		return StrategyBypass
	case s.Method != http.MethodGet:
		return StrategyBypass
	case p.Unsafe(s.Path):
		return StrategyNetworkFirst
	case matchesPath(p.NetworkFirst, s.Path):
		return StrategyNetworkFirst
	case s.Navigation():
		return StrategyNetworkFirst
	case s.noCache():
		return StrategyNetworkFirst
	default:
		return StrategyCacheFirst
	}
}

// Unsafe 判断路径是否落在缓存键编码不稳定的命名空间：
// 命中任一标记，或包含非 ASCII 字符。
func (p Policy) Unsafe(path string) bool {
	if containsAny(p.UnsafeMarkers, path) {
		return true
	}
	for i := 0; i < len(path); i++ {
		if path[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// containsAny 按子串匹配，站点挂在子路径下时 /sub/sw.js 同样命中 /sw.js。
func containsAny(fragments []string, target string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(target, f) {
			return true
		}
	}
	return false
}

func matchesPath(paths []string, target string) bool {
	for _, p := range paths {
		if p == target {
			return true
		}
	}
	return false
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
