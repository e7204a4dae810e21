package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Storage 管理一组按名称区分的缓存仓库，对应浏览器的 Cache Storage。
type Storage interface {
	// Open 返回指定名称的仓库，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断仓库是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 按字典序返回当前全部仓库名称。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个仓库，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)
}

// Store 负责单个仓库内条目的读写。磁盘布局遵循：
//
//	<StoragePath>/http/<StoreName>/<xxhash>.body   # 响应正文
//	<StoragePath>/http/<StoreName>/<xxhash>.meta   # 状态码、头部与写入时间（JSON）
type Store interface {
	Name() string

	// Get 返回可流式读取的条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*ReadResult, error)

	// Put 以覆盖方式写入条目，通过临时文件 + rename 保证原子性。
	Put(ctx context.Context, key Key, meta Meta, body io.Reader) (*Entry, error)

	// Remove 删除条目，不存在时不报错。
	Remove(ctx context.Context, key Key) error

	// Keys 列出仓库内全部条目的描述信息。
	Keys(ctx context.Context) ([]Entry, error)

	// Usage 返回条目数量与正文总字节数。
	Usage(ctx context.Context) (Usage, error)
}

// Key 唯一定位一个缓存条目（请求方法 + 完整 URL）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 以 GET 方法构造 Key。
func NewKey(url string) Key {
	return Key{Method: http.MethodGet, URL: url}
}

func (k Key) String() string {
	method := k.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + k.URL
}

// Meta 描述被缓存响应的状态码与头部。
type Meta struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 表示一次命中结果，包含正文文件路径与大小。
type Entry struct {
	Key       Key    `json:"key"`
	Meta      Meta   `json:"meta"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接读取正文。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Usage 汇总仓库占用。
type Usage struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示仓库已被删除，句柄不再可写。
	ErrStoreDeleted = errors.New("cache store deleted")
)
