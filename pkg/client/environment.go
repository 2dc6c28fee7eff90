// Package client submits map/reduce, race and task jobs to a cluster over
// AMQP and collects their results.
package client

import (
	"github.com/nemanja-m/jobwire/internal/broker"
	"github.com/nemanja-m/jobwire/internal/cache"
	"github.com/nemanja-m/jobwire/internal/loop"
	"github.com/nemanja-m/jobwire/internal/shared/config"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
)

type (
	Settings = config.Settings
	Logger   = logging.Logger
)

// LoadSettings reads settings from path, the default locations and the
// JOBWIRE_ environment.
func LoadSettings(path string) (*Settings, error) {
	return config.Load(path)
}

func DefaultSettings() *Settings {
	return config.Default()
}

// Environment is the process-wide state every connection is built from.
type Environment struct {
	Settings *Settings
	Logger   Logger
	Poller   *loop.Poller
	Dial     broker.Dialer
	// NewCacheClient connects to a cache address. Nil uses memcache.
	NewCacheClient func(address string) cache.Client
}

// NewEnvironment talks to real AMQP brokers and memcached servers.
func NewEnvironment(settings *Settings, logger Logger) *Environment {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Environment{
		Settings: settings,
		Logger:   logger,
		Poller:   loop.Default(),
		Dial:     broker.DialAMQP,
	}
}

func (e *Environment) cache(address string, maxsize, ttl int64) *cache.Cache {
	if address == "" || e.NewCacheClient == nil {
		return cache.New(address, maxsize, ttl)
	}
	return cache.NewWithClient(address, e.NewCacheClient(address), maxsize, ttl)
}
