package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kb-hub/kb-hub/internal/server"
)

// Transport 让进程内的 http.Client 与浏览器页面一样被拦截：
// 发往源站的请求交给 Handler，其它请求走 Base。
type Transport struct {
	Handler *Handler
	Origin  *server.Origin
	Base    http.RoundTripper
}

// NewTransport 构造拦截 origin 请求的 RoundTripper。
func NewTransport(handler *Handler, origin *server.Origin, base http.RoundTripper) (*Transport, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if origin == nil {
		return nil, errors.New("origin is required")
	}
	return &Transport{Handler: handler, Origin: origin, Base: base}, nil
}

// RoundTrip 实现 http.RoundTripper。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.Origin.Owns(req.URL) {
		base := t.Base
		if base == nil {
			base = http.DefaultTransport
		}
		return base.RoundTrip(req)
	}

	ctx := req.Context()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	target := *req.URL
	resp := t.Handler.Respond(ctx, &Request{
		Method: req.Method,
		URL:    &target,
		Path:   t.Origin.SitePath(req.URL),
		Header: req.Header.Clone(),
		Body:   payload,
	})
	// 调用方已取消时返回 ctx 错误，不返回回退内容。
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-KB-Cache", string(resp.CacheStatus))
	header.Set("X-KB-Strategy", string(resp.Strategy))

	body := resp.Body
	if req.Method == http.MethodHead {
		body = nil
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}
