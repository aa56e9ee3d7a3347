package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"campfire/engine/internal/logging"
)

// RetentionPolicy defines how many replay bundles are retained on disk.
type RetentionPolicy struct {
	MaxRuns int
	MaxAge  time.Duration
}

// StorageStats summarises the disk footprint of persisted replays.
type StorageStats struct {
	Runs      int
	Bytes     int64
	Removed   int
	LastSweep time.Time
}

// Cleaner periodically prunes replay bundles according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	keep   func() string
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided replay directory. keep, when
// set, names the bundle currently being written; it is never removed.
func NewCleaner(dir string, policy RetentionPolicy, keep func() string, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now, keep: keep}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Perform an eager sweep so retention applies immediately on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	active := ""
	if c.keep != nil {
		active = filepath.Clean(c.keep())
	}

	//1.- Only bundle directories count; stray files are left alone.
	var bundles []bundleDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestFile)); err != nil {
			continue
		}
		size, modTime, err := directoryFootprint(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		bundles = append(bundles, bundleDir{path: path, size: size, modTime: modTime})
	}
	//2.- Sort newest-first so the run limit favours recent bundles.
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })

	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, b := range bundles {
		if b.path != active {
			if remove, reason := c.shouldRemove(b, now, kept); remove {
				if err := os.RemoveAll(b.path); err != nil {
					c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("run", filepath.Base(b.path)))
				} else {
					c.log.Info("replay retention removed run", logging.String("run", filepath.Base(b.path)), logging.String("reason", reason))
					stats.Removed++
					continue
				}
			}
		}
		kept++
		stats.Runs++
		stats.Bytes += b.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) shouldRemove(b bundleDir, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxRuns > 0 && kept >= c.policy.MaxRuns {
		reasons = append(reasons, fmt.Sprintf(">=%d runs", c.policy.MaxRuns))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

func directoryFootprint(root string) (int64, time.Time, error) {
	var total int64
	var newest time.Time
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, newest, walkErr
}
