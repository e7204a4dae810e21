package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrStoreUnavailable 表示当前没有可写入的仓库（例如尚无激活版本）。
	ErrStoreUnavailable = errors.New("cache store unavailable")
	// ErrNotCacheable 表示响应不满足写入条件。
	ErrNotCacheable = errors.New("response not cacheable")
)

// hopHeaders 不随缓存条目保存。
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Set-Cookie":          {},
	"Content-Length":      {},
}

// Writer 封装写入条件：只有 GET 的 200 响应才会落盘。
type Writer struct {
	store Store
	now   func() time.Time
}

// NewWriter 构造写入器，默认使用 time.Now 作为时钟。
func NewWriter(store Store) Writer {
	return Writer{store: store, now: time.Now}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w Writer) Enabled() bool {
	return w.store != nil
}

// Cacheable 判断一次请求/响应是否允许写入仓库。
func Cacheable(method string, status int) bool {
	return (method == "" || method == http.MethodGet) && status == http.StatusOK
}

// Put 写入完整响应。不满足 Cacheable 时返回 ErrNotCacheable。
func (w Writer) Put(ctx context.Context, key Key, status int, header http.Header, body []byte) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	if !Cacheable(key.Method, status) {
		return nil, ErrNotCacheable
	}
	meta := Meta{
		Status:   status,
		Header:   storableHeader(header),
		StoredAt: w.now().UTC(),
	}
	return w.store.Put(ctx, key, meta, bytes.NewReader(body))
}

func storableHeader(src http.Header) http.Header {
	if len(src) == 0 {
		return nil
	}
	dst := make(http.Header, len(src))
	for key, values := range src {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return dst
}
