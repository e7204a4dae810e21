package kvstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Options 描述 Open 需要的后端参数。
type Options struct {
	Backend    string
	DSN        string
	Dir        string
	QuotaBytes int64
}

// Open 根据 Backend 构建存储并套上配额限制。
// sqlite 后端未提供 DSN 时落在 Dir/kv.db。
func Open(ctx context.Context, opts Options) (Storage, error) {
	var (
		store Storage
		err   error
	)

	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "file":
		store, err = NewFile(filepath.Join(opts.Dir, "kv"))
	case "memory":
		store = NewMemory()
	case "redis":
		store, err = NewRedis(ctx, opts.DSN, "")
	case "sqlite":
		dsn := opts.DSN
		if dsn == "" {
			dsn = filepath.Join(opts.Dir, "kv.db")
		}
		store, err = NewSQLite(ctx, dsn)
	case "disabled":
		return NewDisabled(), nil
	default:
		return nil, fmt.Errorf("kvstore: unsupported backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithQuota(store, opts.QuotaBytes), nil
}
