package cleaner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestCleaner(t *testing.T) (*Cleaner, *redis.Client, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := t.TempDir()
	log := logrus.New()
	cl := New(log, rdb, Config{
		IconsDir:        dir,
		CleanFilesAfter: time.Hour,
	})
	return cl, rdb, dir
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, "ab", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("icon"), 0o644))
	return path
}

func TestCleanKeepsReferencedFiles(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	cl, _, dir := newTestCleaner(t)

	used := writeArtifact(t, dir, "used.png")
	unused := writeArtifact(t, dir, "unused.png")

	cl.Reset()
	r.NoError(cl.Reference(ctx, used))
	r.NoError(cl.Clean(ctx))

	r.FileExists(used)
	r.NoFileExists(unused)
}

func TestCleanKeepsFilesInsideWindow(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	cl, rdb, dir := newTestCleaner(t)

	recent := writeArtifact(t, dir, "recent.png")
	stale := writeArtifact(t, dir, "stale.png")

	// Referenced by an earlier cycle, still inside the window.
	r.NoError(rdb.ZAdd(ctx, filesUsedKey, redis.Z{
		Score:  float64(time.Now().Add(-30 * time.Minute).Unix()),
		Member: recent,
	}).Err())
	// Referenced long before the window.
	r.NoError(rdb.ZAdd(ctx, filesUsedKey, redis.Z{
		Score:  float64(time.Now().Add(-2 * time.Hour).Unix()),
		Member: stale,
	}).Err())

	cl.Reset()
	r.NoError(cl.Clean(ctx))

	r.FileExists(recent)
	r.NoFileExists(stale)
}

func TestCleanPrunesActiveResults(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	cl, rdb, _ := newTestCleaner(t)

	r.NoError(rdb.ZAdd(ctx, ActiveResultsKey,
		redis.Z{Score: float64(time.Now().Unix()), Member: "live"},
		redis.Z{Score: float64(time.Now().Add(-2 * time.Hour).Unix()), Member: "swept"},
	).Err())

	cl.Reset()
	r.NoError(cl.Clean(ctx))

	members, err := rdb.ZRange(ctx, ActiveResultsKey, 0, -1).Result()
	r.NoError(err)
	r.Equal([]string{"live"}, members)
}

func TestReferenceIsIdempotentPerCycle(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	cl, rdb, dir := newTestCleaner(t)

	path := writeArtifact(t, dir, "icon.png")

	cl.Reset()
	r.NoError(cl.Reference(ctx, path))
	score1, err := rdb.ZScore(ctx, filesUsedKey, path).Result()
	r.NoError(err)

	// A second reference within the cycle does not touch the store.
	r.NoError(cl.Reference(ctx, path))
	score2, err := rdb.ZScore(ctx, filesUsedKey, path).Result()
	r.NoError(err)
	r.Equal(score1, score2)

	cl.Reset()
	r.NoError(cl.Reference(ctx, path))
}
