package routes

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/kb-hub/kb-hub/internal/worker"
)

const messageTimeout = 10 * time.Second

// RegisterWorkerRoutes 暴露 /-/worker 诊断接口：查询生命周期状态并投递控制消息。
func RegisterWorkerRoutes(app *fiber.App, reg *worker.Registration) {
	if app == nil || reg == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		return c.JSON(reg.Status(requestContext(c)))
	})

	app.Post("/-/worker/messages", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := c.Bind().JSON(&msg); err != nil || msg.Type == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_type_required"})
		}

		ctx, cancel := context.WithTimeout(requestContext(c), messageTimeout)
		defer cancel()

		reply, err := reg.Post(ctx, msg)
		switch {
		case errors.Is(err, worker.ErrUnknownMessage):
			return c.Status(fiber.StatusBadRequest).JSON(reply)
		case err != nil:
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		case !reply.Success:
			return c.Status(fiber.StatusConflict).JSON(reply)
		}
		return c.JSON(reply)
	})
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
