// Package cleaner removes cached icon and delta artifacts that no index
// references any more. A file is removed only when it was last
// referenced longer ago than the retention window and was not referenced
// during the current aggregation cycle; the second rule lets a zero
// grace period mean "no grace period" instead of "delete everything".
package cleaner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/metrics"
)

const filesUsedKey = "files:used"

// ActiveResultsKey tracks delta results whose artifacts are still
// referenced. The sweep prunes it with the same cutoff as files so that
// a swept delta reverts to absent and is recomputed on demand.
const ActiveResultsKey = "tardiff:active"

type Config struct {
	IconsDir        string
	DeltasDir       string
	CleanFilesAfter time.Duration
}

func New(log logrus.FieldLogger, rdb *redis.Client, cfg Config) *Cleaner {
	return &Cleaner{
		log:       log.WithField("component", "cleaner"),
		rdb:       rdb,
		cfg:       cfg,
		thisCycle: map[string]struct{}{},
	}
}

type Cleaner struct {
	log logrus.FieldLogger
	rdb *redis.Client
	cfg Config

	mu        sync.Mutex
	thisCycle map[string]struct{}
}

// Reset marks the beginning of a new aggregation cycle.
func (c *Cleaner) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thisCycle = map[string]struct{}{}
}

// Reference marks a file as referenced within the current cycle and
// refreshes its last-access stamp in the shared store. Safe to call from
// concurrent index passes.
func (c *Cleaner) Reference(ctx context.Context, path string) error {
	c.mu.Lock()
	if _, ok := c.thisCycle[path]; ok {
		c.mu.Unlock()
		return nil
	}
	c.thisCycle[path] = struct{}{}
	c.mu.Unlock()

	err := c.rdb.ZAdd(ctx, filesUsedKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: path,
	}).Err()
	if err != nil {
		return fmt.Errorf("recording file reference: %w", err)
	}
	return nil
}

// Clean removes files that are neither part of the current cycle nor
// within the retention window.
func (c *Cleaner) Clean(ctx context.Context) error {
	files, err := c.findFiles()
	if err != nil {
		return err
	}

	keepSince := time.Now().Add(-c.cfg.CleanFilesAfter).Unix()
	cutoff := fmt.Sprintf("%d", keepSince)
	if err := c.rdb.ZRemRangeByScore(ctx, filesUsedKey, "0", cutoff).Err(); err != nil {
		return fmt.Errorf("pruning file references: %w", err)
	}
	if err := c.rdb.ZRemRangeByScore(ctx, ActiveResultsKey, "0", cutoff).Err(); err != nil {
		return fmt.Errorf("pruning active delta results: %w", err)
	}

	current, err := c.rdb.ZRange(ctx, filesUsedKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing file references: %w", err)
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, f := range current {
		currentSet[f] = struct{}{}
	}

	c.mu.Lock()
	cycle := c.thisCycle
	c.mu.Unlock()

	removed := 0
	for _, f := range files {
		if _, ok := cycle[f]; ok {
			continue
		}
		if _, ok := currentSet[f]; ok {
			continue
		}
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("removing unused file: %w", err)
		}
		c.log.Infof("removed unused file %s", f)
		removed++
	}
	metrics.AddFilesCleanedTotal(removed)
	return nil
}

func (c *Cleaner) findFiles() ([]string, error) {
	var result []string
	for _, dir := range []string{c.cfg.IconsDir, c.cfg.DeltasDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				result = append(result, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
	}
	return result, nil
}
