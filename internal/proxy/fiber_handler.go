package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/kb-hub/kb-hub/internal/logging"
	"github.com/kb-hub/kb-hub/internal/server"
)

// Handle 实现 server.ProxyHandler：把 Fiber 请求转换为 Request，交给 Respond 后写回。
func (h *Handler) Handle(c fiber.Ctx, origin *server.Origin) error {
	started := time.Now()
	requestID := server.RequestID(c)
	if origin == nil {
		origin = h.origin
	}

	sitePath := string(c.Request().URI().Path())
	if sitePath == "" {
		sitePath = "/"
	}
	rawQuery := string(c.Request().URI().QueryString())

	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())

	req := &Request{
		Method: c.Method(),
		URL:    origin.Resolve(sitePath, rawQuery),
		Path:   sitePath,
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp := h.Respond(ctx, req)

	copyResponseHeaders(c, resp.Header)
	c.Set("X-KB-Cache", string(resp.CacheStatus))
	c.Set("X-KB-Strategy", string(resp.Strategy))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	h.logResult(req, resp, requestID, started)
	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) logResult(req *Request, resp *Response, requestID string, started time.Time) {
	fields := logging.RequestFields(req.Method, req.Path, string(resp.Strategy), string(resp.CacheStatus))
	fields["action"] = "proxy"
	fields["upstream"] = req.URL.String()
	fields["status"] = resp.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if resp.Status >= http.StatusInternalServerError {
		h.logger.WithFields(fields).Warn("proxy_degraded")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Append(key, value)
		}
	}
}
