package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nao1215/sitemirror/internal/model"
)

var (
	// ErrUnknownKey is returned when a key has never been registered.
	ErrUnknownKey = errors.New("unknown cache key")

	// ErrInvalidTransition is returned when a state change would break the
	// Pending -> Downloading -> Complete|Failed order.
	ErrInvalidTransition = errors.New("invalid cache state transition")
)

// State is the lifecycle state of a cache entry.
type State int

const (
	// StatePending means the URL is known but nobody downloads it yet.
	StatePending State = iota
	// StateDownloading means exactly one owner is fetching it.
	StateDownloading
	// StateComplete means the resource is materialized at LocalPath.
	StateComplete
	// StateFailed means the download or the write failed.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDownloading:
		return "downloading"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Entry is a read-only snapshot of one cache entry.
type Entry struct {
	Key       string
	Kind      model.ResourceKind
	State     State
	LocalPath string
	FinalURL  string
	Err       error

	// Resumed is true when the entry was completed from a file left by an
	// earlier run instead of a download.
	Resumed bool
}

type entry struct {
	Entry
	done chan struct{}
}

// Observer is notified of every state transition, after the cache lock is released.
type Observer func(key string, from, to State)

// Option configures a Cache.
type Option func(*Cache)

// WithDiskProbe sets the function used to check whether a candidate local
// path already holds a complete file.
func WithDiskProbe(probe func(localPath string) bool) Option {
	return func(c *Cache) {
		c.probe = probe
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// Cache is the per-crawl download cache. The zero value is not usable; use New.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	aliases  map[string]string
	probe    func(string) bool
	observer Observer
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		aliases: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type transition struct {
	key      string
	from, to State
}

func (c *Cache) notify(ts ...transition) {
	if c.observer == nil {
		return
	}
	for _, t := range ts {
		c.observer(t.key, t.from, t.to)
	}
}

func (c *Cache) resolve(key string) string {
	if target, ok := c.aliases[key]; ok {
		return target
	}
	return key
}

func (c *Cache) newEntry(key string, kind model.ResourceKind) *entry {
	e := &entry{
		Entry: Entry{Key: key, Kind: kind, State: StatePending},
		done:  make(chan struct{}),
	}
	c.entries[key] = e
	return e
}

// Register adds key in the Pending state. It returns false when the key
// (or an alias of it) is already known.
func (c *Cache) Register(key string, kind model.ResourceKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[c.resolve(key)]; ok {
		return false
	}
	c.newEntry(key, kind)
	return true
}

// Acquire atomically checks and claims key. Unknown keys are registered first.
//
// If the entry is Pending and one of candidates exists on disk, the entry is
// completed as resumed and the returned claim is already done. Otherwise a
// Pending entry moves to Downloading and the caller becomes the owner.
// Entries in any other state return a non-owner claim to wait on.
func (c *Cache) Acquire(key string, kind model.ResourceKind, candidates ...string) *Claim {
	var ts []transition

	c.mu.Lock()
	key = c.resolve(key)
	e, ok := c.entries[key]
	if !ok {
		e = c.newEntry(key, kind)
	}

	claim := &Claim{entry: e, cache: c}
	if e.State == StatePending {
		if path, found := c.probeCandidates(candidates); found {
			e.State = StateComplete
			e.LocalPath = path
			e.Resumed = true
			close(e.done)
			ts = append(ts, transition{key, StatePending, StateComplete})
		} else {
			e.State = StateDownloading
			claim.Owner = true
			ts = append(ts, transition{key, StatePending, StateDownloading})
		}
	}
	c.mu.Unlock()

	c.notify(ts...)
	return claim
}

func (c *Cache) probeCandidates(candidates []string) (string, bool) {
	if c.probe == nil {
		return "", false
	}
	for _, p := range candidates {
		if p != "" && c.probe(p) {
			return p, true
		}
	}
	return "", false
}

// Complete publishes a successful download and releases waiters.
func (c *Cache) Complete(key string, kind model.ResourceKind, localPath, finalURL string) error {
	return c.finish(key, StateComplete, func(e *entry) {
		e.Kind = kind
		e.LocalPath = localPath
		e.FinalURL = finalURL
	})
}

// Fail publishes a failed download and releases waiters.
func (c *Cache) Fail(key string, cause error) error {
	return c.finish(key, StateFailed, func(e *entry) {
		e.Err = cause
	})
}

func (c *Cache) finish(key string, to State, apply func(*entry)) error {
	c.mu.Lock()
	key = c.resolve(key)
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if e.State != StateDownloading {
		from := e.State
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, from, to)
	}
	apply(e)
	e.State = to
	close(e.done)
	c.mu.Unlock()

	c.notify(transition{key, StateDownloading, to})
	return nil
}

// Alias makes alias resolve to the entry of key, typically the final URL of
// a redirect. It returns false when alias already has an entry of its own.
func (c *Cache) Alias(alias, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key = c.resolve(key)
	if alias == key {
		return true
	}
	if _, ok := c.entries[alias]; ok {
		return false
	}
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.aliases[alias] = key
	return true
}

// Lookup returns a snapshot of the entry for key, following aliases.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[c.resolve(key)]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Snapshot returns all entries sorted by key.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Entry)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of entries, aliases excluded.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Claim is the result of Acquire.
type Claim struct {
	// Owner is true for the single caller responsible for the download.
	Owner bool

	entry *entry
	cache *Cache
}

// Key returns the (alias-resolved) key of the claimed entry.
func (cl *Claim) Key() string {
	return cl.entry.Key
}

// Done reports whether the entry has reached a terminal state.
func (cl *Claim) Done() bool {
	select {
	case <-cl.entry.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the entry reaches a terminal state or ctx is done.
func (cl *Claim) Wait(ctx context.Context) (Entry, error) {
	select {
	case <-cl.entry.done:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}

	cl.cache.mu.Lock()
	defer cl.cache.mu.Unlock()
	return cl.entry.Entry, nil
}
