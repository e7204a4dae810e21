package kvstore

import (
	"context"
	"errors"
)

// Storage 是字符串键值存储的统一抽象，语义对齐浏览器 localStorage。
type Storage interface {
	// Get 返回 key 对应的值，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (string, error)

	// Set 以覆盖方式写入 key；超出配额时返回 ErrQuotaExceeded。
	Set(ctx context.Context, key, value string) error

	// Remove 删除 key，不存在时不报错。
	Remove(ctx context.Context, key string) error

	// Keys 返回当前所有键（无序）。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层连接或句柄。
	Close() error
}

var (
	// ErrNotFound 表示键不存在。
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrUnavailable 表示存储被禁用或底层不可达。
	ErrUnavailable = errors.New("kvstore: storage unavailable")
	// ErrQuotaExceeded 表示写入会超出配额。
	ErrQuotaExceeded = errors.New("kvstore: quota exceeded")
)

const probeKey = "__kvstore_probe__"

// Probe 通过写入并删除哨兵键判断存储当前是否可用。
func Probe(ctx context.Context, s Storage) bool {
	if s == nil {
		return false
	}
	if err := s.Set(ctx, probeKey, probeKey); err != nil {
		return false
	}
	return s.Remove(ctx, probeKey) == nil
}

// disabled 模拟被用户禁用的存储：所有操作都返回 ErrUnavailable。
type disabled struct{}

// NewDisabled 返回一个永远不可用的存储，便于显式关闭本地缓存。
func NewDisabled() Storage { return disabled{} }

func (disabled) Get(context.Context, string) (string, error) { return "", ErrUnavailable }
func (disabled) Set(context.Context, string, string) error   { return ErrUnavailable }
func (disabled) Remove(context.Context, string) error        { return ErrUnavailable }
func (disabled) Keys(context.Context) ([]string, error)      { return nil, ErrUnavailable }
func (disabled) Close() error                                { return nil }
