package client

import (
	"encoding/json"
	"fmt"

	"github.com/nemanja-m/jobwire/internal/broker"
	"github.com/nemanja-m/jobwire/internal/cache"
	"github.com/nemanja-m/jobwire/internal/loop"
	"github.com/nemanja-m/jobwire/internal/shared/config"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
)

// Options override the environment settings of one connection. Empty
// fields keep the environment's value.
type Options struct {
	Address   string `json:"address"`
	Exchange  string `json:"exchange"`
	MapReduce string `json:"mapreduce"`
	Races     string `json:"races"`
	Jobs      string `json:"jobs"`
	Cache     string `json:"cache"`
	MaxCache  string `json:"maxcache"`
	TTL       int64  `json:"ttl"`
}

func (o Options) resolve(s *config.Settings) Options {
	pick := func(value, fallback string) string {
		if value != "" {
			return value
		}
		return fallback
	}
	resolved := Options{
		Address:   pick(o.Address, s.Address),
		Exchange:  pick(o.Exchange, s.Exchange),
		MapReduce: pick(o.MapReduce, s.MapReduce),
		Races:     pick(o.Races, s.Races),
		Jobs:      pick(o.Jobs, s.Jobs),
		Cache:     pick(o.Cache, s.Cache),
		MaxCache:  pick(o.MaxCache, s.MaxCache),
		TTL:       o.TTL,
	}
	if resolved.TTL <= 0 {
		resolved.TTL = s.TTL
	}
	return resolved
}

// Connection bundles the broker and cache connections shared by every job
// built on it. It is not safe for concurrent use.
type Connection struct {
	env      *Environment
	options  Options
	settings *config.Settings
	cache    *cache.Cache
	rabbit   *broker.Rabbit
}

// NewConnection connects to the broker right away.
func NewConnection(env *Environment, options Options) (*Connection, error) {
	c, err := newConnection(env, options)
	if err != nil {
		return nil, err
	}
	if _, err := c.Rabbit(); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectionFromJSON rebuilds a connection from MarshalJSON output. The
// broker is only contacted when a job is started.
func ConnectionFromJSON(env *Environment, data []byte) (*Connection, error) {
	var options Options
	if err := json.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("connection settings: %w", err)
	}
	return newConnection(env, options)
}

func newConnection(env *Environment, options Options) (*Connection, error) {
	resolved := options.resolve(env.Settings)

	settings := *env.Settings
	settings.Address = resolved.Address
	settings.Exchange = resolved.Exchange
	settings.MapReduce = resolved.MapReduce
	settings.Races = resolved.Races
	settings.Jobs = resolved.Jobs
	settings.Cache = resolved.Cache
	settings.MaxCache = resolved.MaxCache
	settings.TTL = resolved.TTL

	maxsize, err := config.ParseSize(resolved.MaxCache)
	if err != nil {
		return nil, fmt.Errorf("cache error: invalid maxcache %q: %w", resolved.MaxCache, err)
	}

	return &Connection{
		env:      env,
		options:  resolved,
		settings: &settings,
		cache:    env.cache(resolved.Cache, maxsize, resolved.TTL),
	}, nil
}

// Rabbit returns the broker connection, opening it on first use.
func (c *Connection) Rabbit() (*broker.Rabbit, error) {
	if c.rabbit != nil {
		return c.rabbit, nil
	}
	rabbit, err := broker.New(broker.Options{
		URL:       c.settings.BrokerURL(),
		Exchange:  c.options.Exchange,
		MapReduce: c.options.MapReduce,
		Races:     c.options.Races,
		Jobs:      c.options.Jobs,
	}, c.env.Dial, c.env.Poller, c.env.Logger)
	if err != nil {
		return nil, err
	}
	c.rabbit = rabbit
	return rabbit, nil
}

func (c *Connection) Cache() *cache.Cache {
	return c.cache
}

func (c *Connection) Poller() *loop.Poller {
	return c.env.Poller
}

func (c *Connection) Settings() *config.Settings {
	return c.settings
}

func (c *Connection) Logger() logging.Logger {
	return c.env.Logger
}

func (c *Connection) Options() Options {
	return c.options
}

// Flush blocks until every published job has been confirmed by the broker.
func (c *Connection) Flush() {
	if c.rabbit != nil {
		c.rabbit.Flush()
	}
}

// Close flushes pending publishes and closes the broker connection.
func (c *Connection) Close() error {
	if c.rabbit == nil {
		return nil
	}
	c.rabbit.Flush()
	err := c.rabbit.Close()
	c.rabbit = nil
	return err
}

func (c *Connection) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.options)
}
