package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	httpDir    = "http"
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewStorage 以 basePath/http 为根目录构建仓库集合，整个进程复用一份实例。
func NewStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	root := filepath.Join(abs, httpDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		root:  root,
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；锁表由所有仓库共享。
type fileStorage struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.dir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.dir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.dir(name)

	// 先改名再删除，避免删除过程中仍有读者看到半个目录。
	trash, err := os.MkdirTemp(s.root, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, name)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) dir(name string) (string, error) {
	if name == "" {
		return "", errors.New("store name required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid store name %q", name)
	}
	return filepath.Join(s.root, name), nil
}

func (s *fileStorage) lockEntry(id string) func() {
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

// metaFile 是 .meta 文件的序列化格式，额外携带 Key 以便 Keys 枚举。
type metaFile struct {
	Key  Key  `json:"key"`
	Meta Meta `json:"meta"`
}

func (s *fileStore) Name() string { return s.name }

func (s *fileStore) Get(ctx context.Context, key Key) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	base := s.basePath(key)
	record, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	if record.Key != normalizeKey(key) {
		// xxhash 碰撞时宁可当作未命中。
		return nil, ErrNotFound
	}

	f, err := os.Open(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Key:       record.Key,
			Meta:      record.Meta,
			FilePath:  base + bodySuffix,
			SizeBytes: info.Size(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, meta Meta, body io.Reader) (*Entry, error) {
	key = normalizeKey(key)
	unlock := s.storage.lockEntry(s.name + "::" + key.String())
	defer unlock()

	if _, err := os.Stat(s.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrStoreDeleted
		}
		return nil, err
	}

	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}
	base := s.basePath(key)

	written, bodyTemp, err := writeTemp(ctx, s.dir, body)
	if err != nil {
		return nil, err
	}
	rawMeta, err := json.Marshal(metaFile{Key: key, Meta: meta})
	if err != nil {
		os.Remove(bodyTemp)
		return nil, err
	}
	_, metaTemp, err := writeTemp(ctx, s.dir, bytes.NewReader(rawMeta))
	if err != nil {
		os.Remove(bodyTemp)
		return nil, err
	}

	if err := os.Rename(bodyTemp, base+bodySuffix); err != nil {
		os.Remove(bodyTemp)
		os.Remove(metaTemp)
		return nil, err
	}
	if err := os.Rename(metaTemp, base+metaSuffix); err != nil {
		os.Remove(metaTemp)
		return nil, err
	}

	return &Entry{
		Key:       key,
		Meta:      meta,
		FilePath:  base + bodySuffix,
		SizeBytes: written,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, key Key) error {
	key = normalizeKey(key)
	unlock := s.storage.lockEntry(s.name + "::" + key.String())
	defer unlock()

	base := s.basePath(key)
	for _, p := range []string{base + metaSuffix, base + bodySuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), metaSuffix) {
			continue
		}
		base := filepath.Join(s.dir, strings.TrimSuffix(file.Name(), metaSuffix))
		record, err := readMeta(base + metaSuffix)
		if err != nil {
			continue
		}
		info, err := os.Stat(base + bodySuffix)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Key:       record.Key,
			Meta:      record.Meta,
			FilePath:  base + bodySuffix,
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries, nil
}

func (s *fileStore) Usage(ctx context.Context) (Usage, error) {
	entries, err := s.Keys(ctx)
	if err != nil {
		return Usage{}, err
	}
	usage := Usage{Count: len(entries)}
	for _, entry := range entries {
		usage.Bytes += entry.SizeBytes
	}
	return usage, nil
}

func (s *fileStore) basePath(key Key) string {
	sum := xxhash.Sum64String(normalizeKey(key).String())
	return filepath.Join(s.dir, strconv.FormatUint(sum, 16))
}

func normalizeKey(key Key) Key {
	key.Method = strings.ToUpper(strings.TrimSpace(key.Method))
	if key.Method == "" {
		key.Method = "GET"
	}
	return key
}

func readMeta(path string) (metaFile, error) {
	var record metaFile
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record, ErrNotFound
		}
		return record, err
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return record, ErrNotFound
	}
	return record, nil
}

func writeTemp(ctx context.Context, dir string, body io.Reader) (int64, string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return 0, "", err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, "", err
	}
	return written, tempName, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
