package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lavender-pwa/offline-gateway/internal/fetch"
)

const (
	entrySuffix             = ".entry"
	defaultFetchConcurrency = 6
)

// Options 控制磁盘缓存的可选行为。
type Options struct {
	// MemoryBudget 为内存层的总字节预算，0 表示关闭内存层。
	MemoryBudget int64
	// MemoryTTL 为内存层条目的过期时间。
	MemoryTTL time.Duration
	// FetchConcurrency 限制 AddAll 的并发抓取数。
	FetchConcurrency int
}

// NewStore 以 basePath 为根目录构建缓存存储，整站复用一份实例。
func NewStore(basePath string, opts Options) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	limit := opts.FetchConcurrency
	if limit <= 0 {
		limit = defaultFetchConcurrency
	}

	return &fileStorage{
		basePath:   abs,
		memory:     newMemoryLayer(opts.MemoryBudget, opts.MemoryTTL),
		fetchLimit: limit,
		locks:      make(map[string]*entryLock),
		now:        time.Now,
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath   string
	memory     *memoryLayer
	fetchLimit int
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// record 是条目文件首行的 JSON 元数据，其后紧跟响应正文。
type record struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &fileCache{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
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

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	// 先改名到隐藏目录，使缓存对读者原子地消失，再慢慢清理磁盘。
	trash := filepath.Join(s.basePath, ".trash-"+name+"-"+strconv.FormatInt(s.now().UnixNano(), 36))
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	s.memory.invalidate(name)
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("cleanup cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) cacheDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStorage) lockEntries(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for _, key := range sorted {
		unlocks = append(unlocks, s.lockEntry(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fileCache 是单个缓存目录的视图。
type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
}

// staged 是已写入临时文件、尚未 rename 提交的条目。
type staged struct {
	temp  string
	final string
	key   string
	resp  *fetch.Response
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}

	key := req.Key()
	if cached, ok := c.storage.memory.get(c.name, key); ok {
		return cached, nil
	}

	rec, body, err := readEntry(c.entryPath(key))
	if err != nil {
		return nil, err
	}
	resp := &fetch.Response{
		Status: rec.Status,
		Header: rec.Header,
		Body:   body,
		URL:    rec.URL,
		Type:   fetch.ResponseBasic,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	c.storage.memory.set(c.name, key, resp)
	return resp.Clone(), nil
}

func (c *fileCache) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := c.stage(ctx, req, resp)
	if err != nil {
		return err
	}

	unlock := c.storage.lockEntry(c.lockKey(entry.key))
	err = os.Rename(entry.temp, entry.final)
	unlock()
	if err != nil {
		os.Remove(entry.temp)
		return c.mapMissingDir(err)
	}
	c.storage.memory.set(c.name, entry.key, entry.resp)
	return nil
}

func (c *fileCache) AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*fetch.Request) error {
	unique := dedupeRequests(reqs)
	responses := make([]*fetch.Response, len(unique))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.storage.fetchLimit)
	for i, req := range unique {
		group.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", req.URL, err)
			}
			if !resp.OK() {
				return perrors.Newf(codeForStatus(resp.Status), "precache %s: unexpected status %d", req.URL, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	entries := make([]staged, 0, len(unique))
	discard := func() {
		for _, entry := range entries {
			os.Remove(entry.temp)
		}
	}
	for i, req := range unique {
		entry, err := c.stage(ctx, req, responses[i])
		if err != nil {
			discard()
			return err
		}
		entries = append(entries, entry)
	}

	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = c.lockKey(entry.key)
	}
	unlock := c.storage.lockEntries(keys)
	defer unlock()
	for i, entry := range entries {
		if err := os.Rename(entry.temp, entry.final); err != nil {
			for _, rest := range entries[i:] {
				os.Remove(rest.temp)
			}
			return c.mapMissingDir(err)
		}
		c.storage.memory.set(c.name, entry.key, entry.resp)
	}
	return nil
}

func (c *fileCache) Keys(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		rec, err := readRecord(filepath.Join(c.dir, name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{
			Key:       rec.Key,
			URL:       rec.URL,
			Status:    rec.Status,
			SizeBytes: rec.Size,
			StoredAt:  rec.StoredAt,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	return entries, nil
}

func (c *fileCache) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if req == nil || req.Method != http.MethodGet {
		return false, nil
	}
	return c.remove(req.Key())
}

func (c *fileCache) Trim(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	entries, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, entry := range entries[:max(0, len(entries)-limit)] {
		removed, err := c.remove(entry.Key)
		if err != nil {
			return evicted, err
		}
		if removed {
			evicted++
		}
	}
	return evicted, nil
}

func (c *fileCache) remove(key string) (bool, error) {
	unlock := c.storage.lockEntry(c.lockKey(key))
	defer unlock()

	c.storage.memory.delete(c.name, key)
	if err := os.Remove(c.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fileCache) stage(ctx context.Context, req *fetch.Request, resp *fetch.Response) (staged, error) {
	if req == nil || req.Method != http.MethodGet {
		return staged{}, ErrUnsupportedMethod
	}
	if resp == nil || resp.IsNetworkError() {
		return staged{}, errors.New("cannot cache a network error response")
	}
	switch resp.Status {
	case http.StatusPartialContent:
		return staged{}, ErrPartialResponse
	case http.StatusNotModified:
		return staged{}, ErrNotModified
	}

	key := req.Key()
	stored := resp.Clone()
	// 条目由所有客户端共享，不能把某个客户端的会话 cookie 回放给其他人。
	stored.Header.Del("Set-Cookie")
	stored.Header.Del("Set-Cookie2")
	rec := record{
		Key:      key,
		URL:      req.URL.String(),
		Status:   stored.Status,
		Header:   stored.Header,
		Size:     int64(len(stored.Body)),
		StoredAt: c.storage.now().UTC(),
	}
	if stored.URL == "" {
		stored.URL = rec.URL
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return staged{}, fmt.Errorf("encode cache metadata: %w", err)
	}

	tempFile, err := os.CreateTemp(c.dir, ".entry-*")
	if err != nil {
		return staged{}, c.mapMissingDir(err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(append(meta, '\n'))
	if err == nil {
		_, err = copyWithContext(ctx, tempFile, bytes.NewReader(stored.Body))
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return staged{}, err
	}

	return staged{temp: tempName, final: c.entryPath(key), key: key, resp: stored}, nil
}

func (c *fileCache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (c *fileCache) lockKey(key string) string {
	return c.name + "::" + key
}

func (c *fileCache) mapMissingDir(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrCacheDeleted, c.name)
	}
	return err
}

func readEntry(path string) (*record, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	rec, err := decodeRecord(reader)
	if err != nil {
		return nil, nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("read cache body: %w", err)
	}
	return rec, body, nil
}

func readRecord(path string) (*record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	return decodeRecord(bufio.NewReader(f))
}

func decodeRecord(reader *bufio.Reader) (*record, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read cache metadata: %w", err)
	}
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	return &rec, nil
}

func dedupeRequests(reqs []*fetch.Request) []*fetch.Request {
	seen := make(map[string]struct{}, len(reqs))
	result := make([]*fetch.Request, 0, len(reqs))
	for _, req := range reqs {
		if req == nil {
			continue
		}
		key := req.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, req)
	}
	return result
}

func codeForStatus(status int) perrors.ErrorCode {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return perrors.CodeNotFound
	case status == http.StatusTooManyRequests:
		return perrors.CodeRateLimit
	case status >= 500:
		return perrors.CodeUnavailable
	default:
		return perrors.CodeInvalidInput
	}
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
