package alert

import (
	"container/list"
	"sync"
)

// ClientFactory builds a bot client for one token.
type ClientFactory func(token string) BotClient

// clientCache keeps the most recently used bot clients, one per token.
type clientCache struct {
	capacity int
	factory  ClientFactory
	items    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	token  string
	client BotClient
}

func newClientCache(capacity int, factory ClientFactory) *clientCache {
	if capacity <= 0 {
		capacity = 64
	}
	return &clientCache{
		capacity: capacity,
		factory:  factory,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// get returns the cached client for token, creating it on a miss.
func (c *clientCache) get(token string) BotClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[token]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).client
	}

	if c.lru.Len() >= c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).token)
		}
	}

	client := c.factory(token)
	c.items[token] = c.lru.PushFront(&cacheEntry{token: token, client: client})
	return client
}

func (c *clientCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
