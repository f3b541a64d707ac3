package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lavender-pwa/offline-gateway/internal/fetch"
)

// memoryLayer 在磁盘之上缓存热点响应，按正文字节数计入预算。
// nil 表示关闭，所有方法均可在 nil 接收者上调用。
type memoryLayer struct {
	items  *gocache.Cache
	budget int64
	used   atomic.Int64
	// mu 串行化写路径，保证删除旧值与写入新值之间 used 的记账一致。
	mu sync.Mutex
}

type memoryItem struct {
	resp *fetch.Response
	size int64
}

func newMemoryLayer(budget int64, ttl time.Duration) *memoryLayer {
	if budget <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	// cleanupInterval 为 0 时不启动 janitor goroutine，过期条目在超预算时按需清理。
	m := &memoryLayer{items: gocache.New(ttl, 0), budget: budget}
	m.items.OnEvicted(func(_ string, value interface{}) {
		if item, ok := value.(memoryItem); ok {
			m.used.Add(-item.size)
		}
	})
	return m
}

func (m *memoryLayer) get(cacheName, key string) (*fetch.Response, bool) {
	if m == nil {
		return nil, false
	}
	value, ok := m.items.Get(memoryKey(cacheName, key))
	if !ok {
		return nil, false
	}
	return value.(memoryItem).resp.Clone(), true
}

func (m *memoryLayer) set(cacheName, key string, resp *fetch.Response) {
	if m == nil || resp == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey(cacheName, key)
	m.items.Delete(k)

	size := int64(len(resp.Body))
	if size > m.budget {
		return
	}
	m.items.SetDefault(k, memoryItem{resp: resp.Clone(), size: size})
	m.used.Add(size)

	if m.used.Load() > m.budget {
		m.shrink(k)
	}
}

func (m *memoryLayer) delete(cacheName, key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Delete(memoryKey(cacheName, key))
}

// invalidate 移除属于某个缓存的全部条目。
func (m *memoryLayer) invalidate(cacheName string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := cacheName + "\x00"
	for k := range m.items.Items() {
		if strings.HasPrefix(k, prefix) {
			m.items.Delete(k)
		}
	}
}

func (m *memoryLayer) usage() int64 {
	if m == nil {
		return 0
	}
	return m.used.Load()
}

// shrink 先清理过期条目，仍超预算时逐出其余条目，保留刚写入的 keep。
func (m *memoryLayer) shrink(keep string) {
	m.items.DeleteExpired()
	if m.used.Load() <= m.budget {
		return
	}
	for k := range m.items.Items() {
		if k == keep {
			continue
		}
		m.items.Delete(k)
		if m.used.Load() <= m.budget {
			return
		}
	}
}

func memoryKey(cacheName, key string) string {
	return cacheName + "\x00" + key
}
