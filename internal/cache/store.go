package cache

import (
	"context"
	"errors"
	"time"

	"github.com/lavender-pwa/offline-gateway/internal/fetch"
)

// Storage 管理按名称区分的缓存代（precache/runtime），对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回全部缓存名称（按字典序）。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除一个缓存及其所有条目，返回缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache 是单个缓存代，条目以规范化请求（GET + 绝对 URL）为键。
type Cache interface {
	Name() string

	// Match 返回缓存的响应副本，未命中时返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)

	// Put 写入或覆盖条目，同一键后写者胜出。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error

	// AddAll 先抓取全部请求再统一提交：任一请求失败或返回非 2xx 时整体拒绝，本轮不落盘任何条目。
	AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*fetch.Request) error

	// Keys 返回条目摘要，按写入时间升序。
	Keys(ctx context.Context) ([]Entry, error)

	// Delete 删除单个条目。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)

	// Trim 按写入时间从旧到新淘汰，直到条目数不超过 limit，返回淘汰数量。
	Trim(ctx context.Context, limit int) (int, error)
}

// Entry 描述一个缓存条目的元数据。
type Entry struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheDeleted 表示缓存已被整体删除，写入被拒绝。
	ErrCacheDeleted = errors.New("cache deleted")
	// ErrInvalidName 表示缓存名称无法作为单级目录使用。
	ErrInvalidName = errors.New("invalid cache name")
	// ErrUnsupportedMethod 表示只允许缓存 GET 请求。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
	// ErrPartialResponse 表示 206 响应不可缓存。
	ErrPartialResponse = errors.New("partial responses cannot be cached")
	// ErrNotModified 表示 304 没有正文，不能作为缓存条目。
	ErrNotModified = errors.New("not modified responses cannot be cached")
)
