// Package soarctx implements the process-scoped Context: effective
// configuration plus lazily-initialized handles to the state
// database, the federated catalog map, and the event sink, shared by
// every engine operation a single soar invocation runs.
package soarctx

import (
	"fmt"
	"sync"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/config"
	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/soardir"
	"github.com/pkgforge-go/soar/internal/statedb"
)

// Context is safe for concurrent use: the underlying SQLite handles
// serialize their own access (state via a single-connection pool,
// catalogs being read-mostly), so multiple goroutines may hold and use
// the same Context at once.
type Context struct {
	Config config.Config
	Bus    *events.Bus

	mu       sync.Mutex
	state    *statedb.Store
	catalogs catalogdb.Set
	sink     events.Sink
}

// New builds a Context from an already-loaded configuration and an
// event sink (NullSink if nil). Nothing is opened yet; State() and
// Catalogs() do that lazily on first use.
func New(cfg config.Config, sink events.Sink) *Context {
	if sink == nil {
		sink = events.NullSink{}
	}
	return &Context{Config: cfg, Bus: events.NewBus(sink), sink: sink}
}

// Load reads config.toml (or defaults, if absent) and ensures the
// on-disk layout exists, then builds a Context over it.
func Load(sink events.Sink) (*Context, error) {
	return LoadFrom("", sink)
}

// LoadFrom is Load with an explicit config path override (the CLI's
// --config flag); an empty path falls back to soardir.ConfigFile().
func LoadFrom(path string, sink events.Sink) (*Context, error) {
	if err := soardir.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("ensure layout: %w", err)
	}
	if path == "" {
		path = soardir.ConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(cfg, sink), nil
}

// State returns the shared state-store handle, opening it on first
// call. The store enforces a single writer internally (SetMaxOpenConns
// (1)), so callers never need their own locking around it.
func (c *Context) State() (*statedb.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil {
		return c.state, nil
	}
	store, err := statedb.Open(soardir.StateDBPath())
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	c.state = store
	return c.state, nil
}

// Catalogs returns the federated map of every enabled repository's
// catalog store (plain and nest), opening any not yet open. It does not
// sync them; callers needing fresh data should run internal/registry
// first.
func (c *Context) Catalogs() (catalogdb.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.catalogs != nil {
		return c.catalogs, nil
	}
	set := catalogdb.Set{}
	for _, repo := range c.Config.Repositories {
		if !repo.Enabled {
			continue
		}
		store, err := catalogdb.Open(soardir.RepoDBPath(repo.Name), repo.Name)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("open catalog %s: %w", repo.Name, err)
		}
		set[repo.Name] = store
	}
	for _, repo := range c.Config.NestRepositories {
		if !repo.Enabled {
			continue
		}
		name := "nest-" + repo.Name
		store, err := catalogdb.Open(soardir.RepoDBPath(name), name)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("open catalog %s: %w", name, err)
		}
		set[name] = store
	}
	c.catalogs = set
	return c.catalogs, nil
}

// ReplaceCatalogs swaps in a freshly synced catalog set (e.g. from
// internal/registry), closing whatever was open before.
func (c *Context) ReplaceCatalogs(set catalogdb.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.catalogs != nil {
		c.catalogs.Close()
	}
	c.catalogs = set
}

// Sink returns the event sink the Context's Bus was built with, so a
// caller can drain a ChannelSink without reaching into the Bus.
func (c *Context) Sink() events.Sink {
	return c.sink
}

// Close tears down every open handle. The caller is responsible for
// dropping the Context and, if the sink is a ChannelSink, closing it
// and joining any UI goroutine reading from it afterward.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	if c.state != nil {
		if err := c.state.Close(); err != nil {
			firstErr = err
		}
		c.state = nil
	}
	if c.catalogs != nil {
		c.catalogs.Close()
		c.catalogs = nil
	}
	return firstErr
}
