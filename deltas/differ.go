package deltas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/artifact"
	"github.com/flatpak/flatpak-indexer/metrics"
	"github.com/flatpak/flatpak-indexer/redisstore"
)

type DifferConfig struct {
	DeltasDir string
	// TarDiffPath is the external diff executable; resolved from PATH
	// when left empty.
	TarDiffPath string
	// HeartbeatInterval controls how often a running computation
	// extends its claim lease.
	HeartbeatInterval time.Duration
	// MaxTasks stops the worker after that many tasks; negative means
	// run forever.
	MaxTasks int
}

// Differ is the worker process side of the delta pipeline: it claims
// queued requests, downloads the two layers, runs the external tar-diff
// tool and publishes the artifact into the content cache.
func NewDiffer(log logrus.FieldLogger, rdb *redis.Client, cfg DifferConfig) *Differ {
	if cfg.TarDiffPath == "" {
		cfg.TarDiffPath = "tar-diff"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MaxTasks == 0 {
		cfg.MaxTasks = -1
	}
	id := uuid.NewString()[:8]
	return &Differ{
		log:   log.WithField("component", "differ").WithField("worker", id),
		rdb:   rdb,
		queue: NewQueue(log, rdb),
		cfg:   cfg,
	}
}

type Differ struct {
	log   logrus.FieldLogger
	rdb   *redis.Client
	queue *Queue
	cfg   DifferConfig
}

// Run consumes the queue until the context is cancelled. A claimed task
// finishes even when shutdown starts mid-computation, so no key is left
// computing without an owner.
func (d *Differ) Run(ctx context.Context) error {
	taskCount := 0
	return redisstore.Consume(ctx, d.log, d.rdb, QueuedChannel, func(ctx context.Context, messages <-chan *redis.Message) error {
		for {
			if ctx.Err() != nil {
				return redisstore.ErrStop
			}
			key, err := d.queue.Claim(ctx)
			if err != nil {
				return err
			}
			if key == "" {
				select {
				case <-ctx.Done():
					return redisstore.ErrStop
				case <-messages:
				case <-time.After(time.Hour):
				}
				continue
			}

			d.process(ctx, key)
			taskCount++
			if d.cfg.MaxTasks >= 0 && taskCount >= d.cfg.MaxTasks {
				return redisstore.ErrStop
			}
		}
	})
}

func (d *Differ) process(ctx context.Context, key string) {
	log := d.log.WithField("task", key)

	spec, err := d.queue.Spec(ctx, key)
	if err != nil {
		// Leave the claim to its lease; another worker retries.
		log.Errorf("reading spec: %v", err)
		return
	}

	var res Result
	if spec == nil {
		log.Warnf("no spec found, ignoring task")
		res = Result{Status: StatusNoSpecError, Message: "failed to find spec"}
	} else {
		log.Infof("computing delta %s -> %s", spec.FromPullSpec, spec.ToPullSpec)
		res = d.compute(ctx, key, spec)
	}

	metrics.IncDeltasTotal(res.Status)
	if err := d.queue.Finish(ctx, key, res); err != nil {
		log.Errorf("finishing task: %v", err)
		return
	}
	if res.Status == StatusSuccess {
		log.Infof("delta ready: %s (%d bytes)", res.Digest, res.Size)
	} else {
		log.Warnf("delta failed: %s: %s", res.Status, res.Message)
	}
}

func (d *Differ) compute(ctx context.Context, key string, spec *Spec) Result {
	start := time.Now()
	defer metrics.ObserveDeltaDuration(start)

	tempdir, err := os.MkdirTemp("", "flatpak-indexer-differ-")
	if err != nil {
		return Result{Status: StatusDiffError, Message: err.Error()}
	}
	defer os.RemoveAll(tempdir)

	heartbeat := func() {
		if err := d.queue.Heartbeat(ctx, key); err != nil {
			d.log.Debugf("heartbeat: %v", err)
		}
	}

	fromPath := filepath.Join(tempdir, "from-layer")
	fromSize, err := d.downloadLayer(ctx, spec.FromPullSpec, spec.FromDiffID, fromPath, heartbeat)
	if err != nil {
		return Result{Status: StatusDownloadError, Message: fmt.Sprintf("downloading from layer: %v", err)}
	}
	toPath := filepath.Join(tempdir, "to-layer")
	toSize, err := d.downloadLayer(ctx, spec.ToPullSpec, spec.ToDiffID, toPath, heartbeat)
	if err != nil {
		return Result{Status: StatusDownloadError, Message: fmt.Sprintf("downloading to layer: %v", err)}
	}

	// The output starts life in the deltas dir so the final rename
	// stays on one filesystem.
	out, err := os.CreateTemp(d.cfg.DeltasDir, ".tardiff-*")
	if err != nil {
		return Result{Status: StatusDiffError, Message: err.Error()}
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	if err := d.runTarDiff(ctx, fromPath, toPath, outPath, heartbeat); err != nil {
		return Result{Status: StatusDiffError, Message: err.Error()}
	}

	digest, size, err := hashFile(outPath)
	if err != nil {
		return Result{Status: StatusDiffError, Message: err.Error()}
	}
	finalPath, err := artifact.PathForDigest(d.cfg.DeltasDir, digest, ".tardiff", true)
	if err != nil {
		return Result{Status: StatusDiffError, Message: err.Error()}
	}
	if err := artifact.RenameAtomic(outPath, finalPath); err != nil {
		return Result{Status: StatusDiffError, Message: err.Error()}
	}

	return Result{
		Status:         StatusSuccess,
		Digest:         digest,
		Size:           size,
		FromSize:       fromSize,
		ToSize:         toSize,
		ElapsedSeconds: time.Since(start).Seconds(),
	}
}

func (d *Differ) runTarDiff(ctx context.Context, fromPath, toPath, outPath string, heartbeat func()) error {
	cmd := exec.CommandContext(ctx, d.cfg.TarDiffPath, fromPath, toPath, outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.log.Infof("running %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", d.cfg.TarDiffPath, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("%s failed: %v: %s", d.cfg.TarDiffPath, err, lastLine(stderr.String()))
			}
			return nil
		case <-ticker.C:
			heartbeat()
		}
	}
}

// downloadLayer fetches one uncompressed layer by diff ID into dest.
func (d *Differ) downloadLayer(ctx context.Context, pullSpec, diffID, dest string, heartbeat func()) (int64, error) {
	ref, err := name.ParseReference(pullSpec)
	if err != nil {
		return 0, fmt.Errorf("parsing pull spec %q: %w", pullSpec, err)
	}
	img, err := remote.Image(ref, remote.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("fetching image %s: %w", pullSpec, err)
	}
	hash, err := v1.NewHash(diffID)
	if err != nil {
		return 0, fmt.Errorf("parsing diff id %q: %w", diffID, err)
	}
	layer, err := img.LayerByDiffID(hash)
	if err != nil {
		return 0, fmt.Errorf("finding layer %s: %w", diffID, err)
	}
	rc, err := layer.Uncompressed()
	if err != nil {
		return 0, fmt.Errorf("opening layer %s: %w", diffID, err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	size, err := io.Copy(f, &heartbeatReader{r: rc, heartbeat: heartbeat})
	if err != nil {
		return 0, fmt.Errorf("downloading layer %s: %w", diffID, err)
	}
	return size, nil
}

// heartbeatReader extends the claim lease periodically while a large
// layer streams in.
type heartbeatReader struct {
	r         io.Reader
	heartbeat func()
	n         int64
}

const heartbeatBytes = 32 << 20

func (h *heartbeatReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.n += int64(n)
	if h.n >= heartbeatBytes {
		h.n = 0
		h.heartbeat()
	}
	return n, err
}

func hashFile(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err = io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), size, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
