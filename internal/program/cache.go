package program

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/meshdecode/internal/logger"
)

// Lookup describes how a Get was served.
type Lookup struct {
	// Hit is true when the program was already cached.
	Hit bool
	// Compiled is true for the caller whose request ran the compiler.
	Compiled bool
	// Elapsed is the time spent waiting for the compiler, zero on a hit.
	Elapsed time.Duration
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries  int            `json:"entries"`
	Hits     int            `json:"hits"`
	Misses   int            `json:"misses"`
	Compiles int            `json:"compiles"`
	Evicted  int            `json:"evicted"`
	PerKey   map[string]int `json:"per_key"`
}

// Cache maps keys to compiled programs. It is safe for concurrent use and
// compiles each key at most once while the entry is resident.
type Cache struct {
	compiler   Compiler
	log        logger.Logger
	persistent bool
	capacity   int

	flight singleflight.Group

	mu       sync.Mutex
	entries  *orderedmap.OrderedMap[string, *Program]
	compiles map[string]int
	hits     int
	misses   int
	evicted  int
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for compile and eviction events.
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithPersistent toggles caching. With false every Get compiles; this is only
// useful for checking that cached and uncached runs agree.
func WithPersistent(on bool) Option {
	return func(c *Cache) { c.persistent = on }
}

// WithCapacity bounds the number of resident programs. The least recently
// used program is evicted first. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// NewCache returns an empty cache backed by compiler.
func NewCache(compiler Compiler, opts ...Option) *Cache {
	c := &Cache{
		compiler:   compiler,
		log:        logger.Discard(),
		persistent: true,
		entries:    orderedmap.New[string, *Program](),
		compiles:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Persistent reports whether the cache retains compiled programs.
func (c *Cache) Persistent() bool { return c.persistent }

// Get returns the program for key, compiling it on first use. Concurrent
// callers asking for the same missing key share a single compile.
func (c *Cache) Get(ctx context.Context, key Key) (*Program, Lookup, error) {
	sig := key.String()
	if !c.persistent {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		start := time.Now()
		p, err := c.compile(ctx, key, sig)
		return p, Lookup{Compiled: err == nil, Elapsed: time.Since(start)}, err
	}

	c.mu.Lock()
	if p, ok := c.entries.Get(sig); ok {
		_ = c.entries.MoveToBack(sig)
		c.hits++
		c.mu.Unlock()
		return p, Lookup{Hit: true}, nil
	}
	c.misses++
	c.mu.Unlock()

	// The compile outlives any one caller: a waiter that gives up must not
	// cancel the program others are waiting for.
	start := time.Now()
	compiled := false
	ch := c.flight.DoChan(sig, func() (any, error) {
		c.mu.Lock()
		if p, ok := c.entries.Get(sig); ok {
			c.mu.Unlock()
			return p, nil
		}
		c.mu.Unlock()

		p, err := c.compile(context.WithoutCancel(ctx), key, sig)
		if err != nil {
			return nil, err
		}
		compiled = true
		c.insert(sig, p)
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, Lookup{Elapsed: time.Since(start)}, ctx.Err()
	case res := <-ch:
		lookup := Lookup{Compiled: compiled, Elapsed: time.Since(start)}
		if res.Err != nil {
			return nil, lookup, res.Err
		}
		return res.Val.(*Program), lookup, nil
	}
}

func (c *Cache) compile(ctx context.Context, key Key, sig string) (*Program, error) {
	start := time.Now()
	p, err := c.compiler.Compile(ctx, key)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err != nil {
		c.log.Warn("program compile failed", "program", sig, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailure, sig, err)
	}
	c.mu.Lock()
	c.compiles[sig]++
	c.mu.Unlock()
	c.log.Debug("program compiled", "program", sig, "elapsed", time.Since(start))
	return p, nil
}

func (c *Cache) insert(sig string, p *Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Set(sig, p)
	for c.capacity > 0 && c.entries.Len() > c.capacity {
		oldest := c.entries.Oldest()
		c.entries.Delete(oldest.Key)
		c.evicted++
		c.log.Debug("program evicted", "program", oldest.Key)
	}
}

// Compiles returns how many times key has been compiled since the last Clear.
func (c *Cache) Compiles(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles[key.String()]
}

// Len returns the number of resident programs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries: c.entries.Len(),
		Hits:    c.hits,
		Misses:  c.misses,
		Evicted: c.evicted,
		PerKey:  make(map[string]int, len(c.compiles)),
	}
	for k, n := range c.compiles {
		s.PerKey[k] = n
		s.Compiles += n
	}
	return s
}

// Clear drops every program and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = orderedmap.New[string, *Program]()
	c.compiles = make(map[string]int)
	c.hits, c.misses, c.evicted = 0, 0, 0
}
