// Package cache connects jobs to the memcached-style key/value store used
// for small job inputs.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/google/uuid"

	"github.com/nemanja-m/jobwire/internal/records"
)

var ErrDisabled = errors.New("cache is not configured")

// Client is the subset of the memcache client the cache needs.
type Client interface {
	Set(item *memcache.Item) error
	Get(key string) (*memcache.Item, error)
	Delete(key string) error
}

// Cache holds one cache client and the limits objects are stored with.
type Cache struct {
	address string
	client  Client
	maxsize int64
	ttl     int64
}

// New connects to the servers listed in address. An empty address yields
// a disabled cache.
func New(address string, maxsize, ttl int64) *Cache {
	servers := Servers(address)
	if len(servers) == 0 {
		return &Cache{address: address, maxsize: maxsize, ttl: ttl}
	}
	client := memcache.New(servers...)
	client.Timeout = 2 * time.Second
	return NewWithClient(address, client, maxsize, ttl)
}

func NewWithClient(address string, client Client, maxsize, ttl int64) *Cache {
	return &Cache{address: address, client: client, maxsize: maxsize, ttl: ttl}
}

// Servers splits "memcache://a:11211,b:11211" into host:port pairs.
func Servers(address string) []string {
	if i := strings.Index(address, "://"); i >= 0 {
		address = address[i+3:]
	}
	var servers []string
	for _, s := range strings.Split(address, ",") {
		if s = strings.TrimSpace(strings.TrimSuffix(s, "/")); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

func (c *Cache) Address() string {
	return c.address
}

func (c *Cache) MaxSize() int64 {
	return c.maxsize
}

func (c *Cache) TTL() int64 {
	return c.ttl
}

func (c *Cache) Store(key string, data []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	err := c.client.Set(&memcache.Item{Key: key, Value: data, Expiration: int32(c.ttl)})
	if err != nil {
		return fmt.Errorf("cache error: %w", err)
	}
	return nil
}

func (c *Cache) Load(key string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	item, err := c.client.Get(key)
	if err != nil {
		return nil, fmt.Errorf("cache error: %w", err)
	}
	return item.Value, nil
}

func (c *Cache) Delete(key string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	err := c.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("cache error: %w", err)
	}
	return nil
}

// Target returns a records target that stores outputs up to maxsize bytes
// as cache objects and writes larger ones into the directory returned by
// directory, which is only called when a file is needed.
func (c *Cache) Target(directory func() (string, error)) *Target {
	return &Target{cache: c, directory: directory}
}

type Target struct {
	cache     *Cache
	directory func() (string, error)
}

var _ records.Target = (*Target)(nil)

func (t *Target) Limit() int64 {
	if !t.cache.Enabled() {
		return 0
	}
	return t.cache.maxsize
}

func (t *Target) Store(data []byte) (string, error) {
	key := uuid.NewString()
	if err := t.cache.Store(key, data); err != nil {
		return "", err
	}
	return records.CachePrefix + key, nil
}

func (t *Target) Create() (*os.File, string, error) {
	dir, err := t.directory()
	if err != nil {
		return nil, "", err
	}
	name := filepath.Join(dir, uuid.NewString())
	f, err := os.Create(name)
	if err != nil {
		return nil, "", err
	}
	return f, name, nil
}
