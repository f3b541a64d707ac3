package lifecycle

import (
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ClientCookie 是网关用来识别客户端（浏览器标签页的近似）的 cookie。
const ClientCookie = "lavender_client"

// Client 描述一个存活的客户端以及控制它的版本。
type Client struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Clients 记录最近出现过的客户端，超过空闲时间未出现的视为已关闭。
type Clients struct {
	mu    sync.Mutex
	items *gocache.Cache
}

// NewClients 以 idle 作为客户端存活时间，idle <= 0 时永不过期。
func NewClients(idle time.Duration) *Clients {
	if idle <= 0 {
		idle = gocache.NoExpiration
	}
	return &Clients{items: gocache.New(idle, 0)}
}

// Touch 刷新客户端的存活时间；首次出现的客户端由当前激活版本控制。
func (c *Clients) Touch(id, activeVersion string) Client {
	if id == "" {
		return Client{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	client := Client{ID: id, Controller: activeVersion}
	if value, ok := c.items.Get(id); ok {
		client.Controller = value.(Client).Controller
	}
	client.LastSeen = time.Now().UTC()
	c.items.SetDefault(id, client)
	return client
}

// Live 返回全部未过期客户端，按 ID 排序。
func (c *Clients) Live() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.items.Items()
	result := make([]Client, 0, len(items))
	for _, item := range items {
		result = append(result, item.Object.(Client))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ControlledBy 统计仍由指定版本控制的存活客户端。
func (c *Clients) ControlledBy(version string) int {
	count := 0
	for _, client := range c.Live() {
		if client.Controller == version {
			count++
		}
	}
	return count
}

// Claim 将全部存活客户端交给 version 控制，返回受影响数量。
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	claimed := 0
	for id, item := range c.items.Items() {
		client := item.Object.(Client)
		if client.Controller == version {
			continue
		}
		client.Controller = version
		c.items.Set(id, client, remaining(item))
		claimed++
	}
	return claimed
}

func remaining(item gocache.Item) time.Duration {
	if item.Expiration == 0 {
		return gocache.NoExpiration
	}
	left := time.Until(time.Unix(0, item.Expiration))
	if left <= 0 {
		return time.Nanosecond
	}
	return left
}
