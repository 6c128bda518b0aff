package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 512

// manifestKey ties a parsed package.json to the file version it came from,
// so an edited manifest is re-read on the next lookup.
type manifestKey struct {
	path    string
	modTime time.Time
	size    int64
}

type manifestCache struct {
	entries *lru.Cache[manifestKey, *Manifest]
}

func newManifestCache(size int) *manifestCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[manifestKey, *Manifest](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &manifestCache{entries: entries}
}

// load returns the manifest in dir, or nil when dir has no package.json.
func (c *manifestCache) load(dir string) (*Manifest, error) {
	p := filepath.Join(dir, "package.json")
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}

	key := manifestKey{path: p, modTime: info.ModTime(), size: info.Size()}
	if m, ok := c.entries.Get(key); ok {
		return m, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	m, err := parseManifest(dir, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	c.entries.Add(key, m)
	return m, nil
}
