package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kb-hub/kb-hub/internal/config"
)

// Origin 描述唯一的静态站点源站，所有拦截请求都解析到它下面。
type Origin struct {
	// Base 在构造时解析完成，请求路径会拼接在 Base.Path 之后。
	Base *url.URL
	// ListenPort 记录当前监听端口，方便日志与转发头输出。
	ListenPort int
}

// NewOrigin 根据配置构建 Origin。调用方应在启动阶段创建一次并复用。
func NewOrigin(cfg *config.Config) (*Origin, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	base, err := url.Parse(cfg.Origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid origin upstream: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin upstream must be absolute: %s", cfg.Origin.Upstream)
	}
	return &Origin{Base: base, ListenPort: cfg.Global.ListenPort}, nil
}

// Resolve 把站内路径与查询串映射到源站 URL。
func (o *Origin) Resolve(path, rawQuery string) *url.URL {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := *o.Base
	target.Path = strings.TrimSuffix(o.Base.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// Owns 判断 u 是否与源站同源（scheme + host）。
func (o *Origin) Owns(u *url.URL) bool {
	if o == nil || u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, o.Base.Scheme) && normalizeHost(u.Host) == normalizeHost(o.Base.Host)
}

// SitePath 把源站 URL 还原成站内路径（去掉 Base.Path 前缀）。
func (o *Origin) SitePath(u *url.URL) string {
	p := u.Path
	prefix := strings.TrimSuffix(o.Base.Path, "/")
	if prefix != "" && strings.HasPrefix(p, prefix) {
		p = strings.TrimPrefix(p, prefix)
	}
	if p == "" {
		p = "/"
	}
	return p
}

func (o *Origin) String() string {
	return o.Base.String()
}

func normalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	host = strings.TrimSuffix(host, ".")
	return host
}
