package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ErrUnknownMessage 表示未识别的消息类型。
var ErrUnknownMessage = errors.New("unknown worker message")

// MessageType 是页面发给 Worker 的控制消息类型。
type MessageType string

const (
	MessageSkipWaiting  MessageType = "SKIP_WAITING"
	MessageClearCache   MessageType = "CLEAR_CACHE"
	MessageGetCacheSize MessageType = "GET_CACHE_SIZE"
)

// Message 是一条控制消息。
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CacheSize 是 GET_CACHE_SIZE 的结果。
type CacheSize struct {
	Count     int    `json:"count"`
	Bytes     int64  `json:"bytes"`
	Megabytes string `json:"megabytes"`
	Human     string `json:"human"`
}

// Reply 是消息处理结果。
type Reply struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Size    *CacheSize  `json:"size,omitempty"`
	Status  *Status     `json:"status,omitempty"`
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan result
}

type result struct {
	reply Reply
	err   error
}

// Serve 顺序处理投递到邮箱的消息，直到 ctx 结束。
func (r *Registration) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-r.mailbox:
			reply, err := r.handle(env.ctx, env.msg)
			env.reply <- result{reply: reply, err: err}
		}
	}
}

// Post 投递一条消息并等待回复。需要有 Serve 在运行。
func (r *Registration) Post(ctx context.Context, msg Message) (Reply, error) {
	env := envelope{ctx: ctx, msg: msg, reply: make(chan result, 1)}
	select {
	case r.mailbox <- env:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case res := <-env.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (r *Registration) handle(ctx context.Context, msg Message) (Reply, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"action":  "worker_message",
		"message": string(msg.Type),
	})

	switch msg.Type {
	case MessageSkipWaiting:
		if err := r.SkipWaiting(ctx); err != nil {
			logger.WithField("error", err.Error()).Warn("skip waiting 失败")
			return Reply{Type: msg.Type, Error: err.Error()}, nil
		}
		status := r.Status(ctx)
		return Reply{Type: msg.Type, Success: true, Status: &status}, nil

	case MessageClearCache:
		if err := r.ClearCache(ctx); err != nil {
			logger.WithField("error", err.Error()).Warn("清空缓存失败")
			return Reply{Type: msg.Type, Error: err.Error()}, nil
		}
		logger.Info("当前缓存仓库已清空")
		return Reply{Type: msg.Type, Success: true}, nil

	case MessageGetCacheSize:
		size, err := r.CacheSize(ctx)
		if err != nil {
			logger.WithField("error", err.Error()).Warn("统计缓存大小失败")
			return Reply{Type: msg.Type, Error: err.Error()}, nil
		}
		return Reply{Type: msg.Type, Success: true, Size: &size}, nil

	default:
		logger.Warn("未知的消息类型")
		return Reply{Type: msg.Type, Error: "unknown message type"}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// ClearCache 删除当前激活版本的仓库并重新打开一个空仓库。
// 仓库原本不存在也视为成功。
func (r *Registration) ClearCache(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	w := r.active
	r.mu.Unlock()
	if w == nil {
		return ErrNoActiveWorker
	}

	if _, err := r.storage.Delete(ctx, w.StoreName); err != nil {
		return err
	}
	store, err := r.storage.Open(ctx, w.StoreName)
	if err != nil {
		return err
	}
	w.setStore(store)
	return nil
}

// CacheSize 统计当前激活仓库的条目数与字节数；没有激活版本时返回零值。
func (r *Registration) CacheSize(ctx context.Context) (CacheSize, error) {
	r.mu.Lock()
	w := r.active
	r.mu.Unlock()

	var count int
	var bytes int64
	if w != nil {
		if store := w.currentStore(); store != nil {
			usage, err := store.Usage(ctx)
			if err != nil {
				return CacheSize{}, err
			}
			count, bytes = usage.Count, usage.Bytes
		}
	}
	return CacheSize{
		Count:     count,
		Bytes:     bytes,
		Megabytes: fmt.Sprintf("%.2f", float64(bytes)/1024/1024),
		Human:     humanize.Bytes(uint64(bytes)),
	}, nil
}
