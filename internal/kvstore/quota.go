package kvstore

import (
	"context"
	"errors"
	"sync"
)

// quotaStore 在写入前估算总占用（键长 + 值长），超过上限时拒绝写入。
type quotaStore struct {
	Storage
	max int64
	mu  sync.Mutex
}

// WithQuota 为存储加上字节配额，maxBytes <= 0 时原样返回。
func WithQuota(s Storage, maxBytes int64) Storage {
	if maxBytes <= 0 || s == nil {
		return s
	}
	return &quotaStore{Storage: s, max: maxBytes}
}

func (q *quotaStore) Set(ctx context.Context, key, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	used, err := Usage(ctx, q.Storage)
	if err != nil {
		return err
	}
	if prev, err := q.Storage.Get(ctx, key); err == nil {
		used -= int64(len(key) + len(prev))
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if used+int64(len(key)+len(value)) > q.max {
		return ErrQuotaExceeded
	}
	return q.Storage.Set(ctx, key, value)
}

// Usage 统计存储中所有键值的字节总和。
func Usage(ctx context.Context, s Storage) (int64, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += int64(len(key) + len(value))
	}
	return total, nil
}
