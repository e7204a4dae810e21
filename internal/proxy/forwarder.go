package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/kb-hub/kb-hub/internal/logging"
	"github.com/kb-hub/kb-hub/internal/server"
)

// Forwarder 包装实际的 ProxyHandler：缺失 handler 或 handler panic 时返回合成的 503。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, origin *server.Origin) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondUnavailable(c, "proxy_handler_missing", nil, requestID)
	}
	return f.invokeHandler(c, origin, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, origin *server.Origin, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondUnavailable(c, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
		}
	}()
	return f.handler.Handle(c, origin)
}

func (f *Forwarder) respondUnavailable(c fiber.Ctx, code string, err error, requestID string) error {
	f.logProxyError(c, code, err, requestID)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Set("X-KB-Cache", string(CacheOffline))
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	return c.Status(fiber.StatusServiceUnavailable).SendString(networkErrorBody)
}

func (f *Forwarder) logProxyError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logging.RequestFields(c.Method(), string(c.Request().URI().Path()), "", string(CacheOffline))
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
