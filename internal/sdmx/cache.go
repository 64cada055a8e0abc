package sdmx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/seenimoa/macropanel/internal/infra"
)

// FetchFunc retrieves the raw bytes of a structure document.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ParseFunc turns raw structure bytes into a Catalog.
type ParseFunc func(raw []byte) (*Catalog, error)

// CacheOptions configures a StructureCache.
type CacheOptions struct {
	// Dir holds side files. Empty keeps the cache in memory only.
	Dir string
	// Refresh ignores side files written by earlier runs and rewrites them
	// from the network. Entries fetched by this process are still reused.
	Refresh bool
	Metrics *infra.Metrics
}

// StructureCache stores structure documents keyed by their reference (the
// URL or any stable identifier) in memory and, optionally, in side files.
// For a given reference the fetcher runs at most once per process unless
// Invalidate is called; concurrent callers share the same fetch.
type StructureCache struct {
	dir     string
	refresh bool
	metrics *infra.Metrics

	raw      *infra.Cache
	catalogs *infra.Cache
	group    singleflight.Group

	mu    sync.RWMutex
	paths map[string]string
}

// NewStructureCache creates a cache.
func NewStructureCache(opts CacheOptions) *StructureCache {
	return &StructureCache{
		dir:      opts.Dir,
		refresh:  opts.Refresh,
		metrics:  opts.Metrics,
		raw:      infra.NewCache(0),
		catalogs: infra.NewCache(0),
		paths:    make(map[string]string),
	}
}

// SetPath pins the side file used for ref, overriding the hashed name.
func (c *StructureCache) SetPath(ref, path string) {
	c.mu.Lock()
	c.paths[ref] = path
	c.mu.Unlock()
}

// Path returns the side file used for ref, or "" when the cache has no
// directory and no pinned path for it.
func (c *StructureCache) Path(ref string) string {
	c.mu.RLock()
	p, ok := c.paths[ref]
	c.mu.RUnlock()
	if ok {
		return p
	}
	if c.dir == "" {
		return ""
	}
	return filepath.Join(c.dir, sideFileName(ref))
}

// StructureKey names the cached structure of flow as served by root in the
// given document format.
func StructureKey(root, format, flow string) string {
	return "structure:" + flow + "@" + format + ":" + strings.TrimSuffix(root, "/")
}

// sideFileName derives a readable, collision-resistant file name from ref.
func sideFileName(ref string) string {
	prefix := ref
	if i := strings.Index(prefix, "://"); i >= 0 && i == strings.Index(prefix, ":") {
		prefix = prefix[i+3:]
	}
	prefix = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, prefix)
	if len(prefix) > 48 {
		prefix = prefix[:48]
	}
	return fmt.Sprintf("%s-%016x.cache", prefix, xxh3.HashString(ref))
}

// Raw returns the bytes stored for ref, calling fetch on a miss. The bytes
// returned for a reference are identical for the life of the cache.
func (c *StructureCache) Raw(ctx context.Context, ref string, fetch FetchFunc) ([]byte, error) {
	if v, ok := c.raw.Get(ref); ok {
		c.metrics.IncCache("memory")
		return v.([]byte), nil
	}
	v, err, _ := c.group.Do(ref, func() (any, error) {
		if v, ok := c.raw.Get(ref); ok {
			return v, nil
		}
		path := c.Path(ref)
		if path != "" && !c.refresh {
			if b, err := os.ReadFile(path); err == nil {
				c.metrics.IncCache("disk")
				c.raw.Set(ref, b)
				return b, nil
			}
		}
		c.metrics.IncCache("miss")
		b, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if path != "" {
			if err := writeFileAtomic(path, b); err != nil {
				return nil, err
			}
		}
		c.raw.Set(ref, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Catalog returns the parsed catalog for ref, fetching and parsing the raw
// document when needed. Parsed catalogs are kept in memory.
func (c *StructureCache) Catalog(ctx context.Context, ref string, fetch FetchFunc, parse ParseFunc) (*Catalog, error) {
	if v, ok := c.catalogs.Get(ref); ok {
		return v.(*Catalog), nil
	}
	raw, err := c.Raw(ctx, ref, fetch)
	if err != nil {
		return nil, err
	}
	cat, err := parse(raw)
	if err != nil {
		// A corrupt side file must not poison later runs.
		_ = c.Invalidate(ref)
		return nil, err
	}
	c.catalogs.Set(ref, cat)
	return cat, nil
}

// Invalidate drops ref from memory and removes its side file.
func (c *StructureCache) Invalidate(ref string) error {
	c.raw.Invalidate(ref)
	c.catalogs.Invalidate(ref)
	path := c.Path(ref)
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove cache file %s", path)
	}
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create cache dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create cache file")
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write cache file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close cache file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "rename cache file")
}
