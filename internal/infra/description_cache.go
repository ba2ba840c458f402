package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/Letdown2491/runkit/internal/domain"
)

// FileDescriptionCache implements domain.DescriptionCache as a JSON object
// mapping service name to description or null. The file is shared with the
// cache-seeding utility, so writes merge under an flock and replace the file
// atomically.
type FileDescriptionCache struct {
	path string

	mu      sync.RWMutex
	entries map[string]*string
}

// NewFileDescriptionCache loads the cache at path. A missing or unreadable
// file yields an empty cache.
func NewFileDescriptionCache(path string) *FileDescriptionCache {
	c := &FileDescriptionCache{path: path, entries: map[string]*string{}}
	if entries, err := c.read(); err == nil {
		c.entries = entries
	}
	return c
}

// Path returns the cache file location.
func (c *FileDescriptionCache) Path() string {
	return c.path
}

// Get returns the cached description. known is false on a cache miss.
func (c *FileDescriptionCache) Get(name string) (*string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.entries[name]
	return desc, ok
}

// Put records a description (nil for a known miss) and persists the cache.
func (c *FileDescriptionCache) Put(name string, desc *string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	lockFile, err := os.OpenFile(c.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Merge with whatever the seeding utility wrote since we loaded.
	if onDisk, err := c.read(); err == nil {
		for k, v := range onDisk {
			if _, mine := c.entries[k]; !mine {
				c.entries[k] = v
			}
		}
	}
	c.entries[name] = desc

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.path, data, 0644)
}

// Reload re-reads the file, replacing in-memory entries.
func (c *FileDescriptionCache) Reload() error {
	entries, err := c.read()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

func (c *FileDescriptionCache) read() (map[string]*string, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*string{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := map[string]*string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.path, err)
	}
	return entries, nil
}

var _ domain.DescriptionCache = (*FileDescriptionCache)(nil)
