package deltas

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/artifact"
	"github.com/flatpak/flatpak-indexer/cleaner"
	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/indexer"
	"github.com/flatpak/flatpak-indexer/models"
)

const (
	deltaLayerMediaType  = "application/vnd.redhat.tar-diff"
	deltaConfigMediaType = "application/vnd.redhat.delta.config.v1+json"

	// Digest and size of the canonical empty JSON config blob.
	deltaConfigDigest = "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	deltaConfigSize   = 2

	deltaFromAnnotation   = "io.github.containers.delta.from"
	deltaToAnnotation     = "io.github.containers.delta.to"
	deltaTargetAnnotation = "io.github.containers.delta.target"
)

type deltaManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	Config        deltaDescriptor   `json:"config"`
	Layers        []deltaLayer      `json:"layers"`
	Annotations   map[string]string `json:"annotations"`
}

type deltaDescriptor struct {
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
}

type deltaLayer struct {
	MediaType   string            `json:"mediaType"`
	Size        int64             `json:"size"`
	Digest      string            `json:"digest"`
	URLs        []string          `json:"urls"`
	Annotations map[string]string `json:"annotations"`
}

// Generator discovers needed deltas for one aggregation cycle, requests
// missing ones through the work queue without blocking, and writes delta
// manifests for the ones that are ready.
func NewGenerator(log logrus.FieldLogger, cfg *config.Config, queue *Queue, cl *cleaner.Cleaner) *Generator {
	return &Generator{
		log:          log.WithField("component", "deltas"),
		cfg:          cfg,
		queue:        queue,
		cleaner:      cl,
		now:          time.Now().UTC(),
		deltas:       map[string]map[string]struct{}{},
		images:       map[string]*models.ImageBuild{},
		manifestURLs: map[string]string{},
	}
}

type Generator struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	queue   *Queue
	cleaner *cleaner.Cleaner
	now     time.Time

	// to digest -> set of from digests
	deltas map[string]map[string]struct{}
	// digest -> build carrying diff IDs and pull coordinates
	images map[string]*models.ImageBuild
	// to digest -> public manifest URL, filled by Generate
	manifestURLs map[string]string
}

// AddTagHistory pairs each historical build within the retention window
// against the current head of the tag, per architecture. Items are
// expected newest first.
func (g *Generator) AddTagHistory(repo *models.Repository, history *models.TagHistory, idx *config.IndexConfig) {
	if len(history.Items) == 0 {
		return
	}
	keep := idx.DeltaKeepDuration()
	latestDate := history.Items[0].Date
	chains := map[string][]models.TagHistoryItem{}

	for _, item := range history.Items {
		if item.Date.Equal(latestDate) {
			chains[item.Architecture] = []models.TagHistoryItem{item}
			continue
		}
		chain, ok := chains[item.Architecture]
		if !ok {
			continue
		}
		if g.now.Sub(chain[len(chain)-1].Date) <= keep {
			chains[item.Architecture] = append(chain, item)
			g.addDelta(repo.Images[item.Digest], repo.Images[chain[0].Digest])
		}
	}
}

// AddPreviousWinners pairs each ref's winner from the previously
// published document against the winner the current feed would produce.
// A discovered pair is recorded in the store and presented again every
// cycle until its retention window lapses, because later cycles see the
// previous document already naming the new winner and would otherwise
// lose the pair before its delta ever completed. The builds must still
// be present in the feed to provide their layer coordinates; a build
// that aged out is simply skipped.
func (g *Generator) AddPreviousWinners(ctx context.Context, prev *indexer.Document, feed *models.Registry, idx *config.IndexConfig) error {
	if prev != nil {
		grouped := map[string][]*models.ImageBuild{}
		for _, repo := range feed.SortedRepositories() {
			for _, img := range repo.Images {
				ref, err := img.LogicalRef()
				if err != nil {
					continue
				}
				grouped[ref] = append(grouped[ref], img)
			}
		}

		resolver := indexer.NewResolver(idx)
		for ref, entry := range prev.Refs {
			winner := resolver.Resolve(grouped[ref])
			if winner == nil || winner.Digest == entry.Digest {
				continue
			}
			if err := g.queue.RecordWinnerPair(ctx, entry.Digest, winner.Digest); err != nil {
				return err
			}
		}
	}

	pairs, err := g.queue.WinnerPairs(ctx, g.now.Add(-idx.DeltaKeepDuration()))
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		g.addDelta(feed.FindImage(pair[0]), feed.FindImage(pair[1]))
	}
	return nil
}

func (g *Generator) addDelta(from, to *models.ImageBuild) {
	if from == nil || to == nil || from.Digest == to.Digest {
		return
	}
	if len(from.DiffIDs) == 0 || len(to.DiffIDs) == 0 {
		g.log.Debugf("skipping delta without layer coordinates: %s -> %s", from.Digest, to.Digest)
		return
	}
	// A spec with an unusable pull spec would fail on every worker with
	// a retriable download error, so reject it here instead.
	for _, img := range []*models.ImageBuild{from, to} {
		if _, _, _, err := models.ParsePullSpec(img.PullSpec); err != nil {
			g.log.Debugf("skipping delta %s -> %s: %v", from.Digest, to.Digest, err)
			return
		}
	}
	if _, ok := g.deltas[to.Digest]; !ok {
		g.deltas[to.Digest] = map[string]struct{}{}
	}
	g.deltas[to.Digest][from.Digest] = struct{}{}
	g.images[from.Digest] = from
	g.images[to.Digest] = to
}

func (g *Generator) specs() map[string]Spec {
	specs := map[string]Spec{}
	for toDigest, fromDigests := range g.deltas {
		to := g.images[toDigest]
		for fromDigest := range fromDigests {
			from := g.images[fromDigest]
			spec := Spec{
				FromPullSpec: from.PullSpec,
				FromDiffID:   from.DiffIDs[0],
				ToPullSpec:   to.PullSpec,
				ToDiffID:     to.DiffIDs[0],
			}
			specs[spec.Key()] = spec
		}
	}
	return specs
}

// Generate reconciles the discovered pairs against the store: ready
// results get manifests written and their artifacts referenced, missing
// or retriable ones are enqueued. It never waits for a worker; the next
// cycle picks up whatever completed in between.
func (g *Generator) Generate(ctx context.Context) error {
	var keep time.Duration
	for _, idx := range g.cfg.MaterializedIndexes() {
		if d := idx.DeltaKeepDuration(); d > keep {
			keep = d
		}
	}
	if keep > 0 {
		if err := g.queue.PruneWinnerPairs(ctx, g.now.Add(-keep)); err != nil {
			return err
		}
	}

	specs := g.specs()
	if len(specs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results, err := g.queue.Results(ctx, keys)
	if err != nil {
		return err
	}

	var successKeys []string
	for _, key := range keys {
		if res, ok := results[key]; ok && res.Status == StatusSuccess {
			successKeys = append(successKeys, key)
		}
	}
	fresh, err := g.queue.RefreshActive(ctx, successKeys)
	if err != nil {
		return err
	}

	ready := map[string]Result{}
	for _, key := range keys {
		res, ok := results[key]
		switch {
		case ok && res.Status == StatusSuccess && fresh[key]:
			ready[key] = res
		case ok && res.Status == StatusSuccess:
			// The artifact was swept; recompute from scratch.
			if err := g.queue.DropResult(ctx, key); err != nil {
				return err
			}
			if _, err := g.queue.Enqueue(ctx, specs[key]); err != nil {
				return err
			}
		case ok && !res.Retriable():
			g.log.Debugf("delta %s failed permanently: %s", key, res.Message)
		default:
			if _, err := g.queue.Enqueue(ctx, specs[key]); err != nil {
				return err
			}
		}
	}

	return g.writeManifests(ctx, ready)
}

// ManifestURL implements indexer.DeltaURLSource.
func (g *Generator) ManifestURL(digest string) string {
	return g.manifestURLs[digest]
}

func (g *Generator) writeManifests(ctx context.Context, ready map[string]Result) error {
	toDigests := make([]string, 0, len(g.deltas))
	for d := range g.deltas {
		toDigests = append(toDigests, d)
	}
	sort.Strings(toDigests)

	for _, toDigest := range toDigests {
		to := g.images[toDigest]
		toDiffID := to.DiffIDs[0]

		fromDigests := make([]string, 0, len(g.deltas[toDigest]))
		for d := range g.deltas[toDigest] {
			fromDigests = append(fromDigests, d)
		}
		sort.Strings(fromDigests)

		var layers []deltaLayer
		for _, fromDigest := range fromDigests {
			from := g.images[fromDigest]
			fromDiffID := from.DiffIDs[0]

			res, ok := ready[fromDiffID+":"+toDiffID]
			if !ok {
				continue
			}

			path, err := artifact.PathForDigest(g.cfg.DeltasDir, res.Digest, ".tardiff", false)
			if err != nil {
				return err
			}
			if err := g.cleaner.Reference(ctx, path); err != nil {
				return err
			}
			url, err := artifact.URIForDigest(g.cfg.DeltasURI, res.Digest, ".tardiff")
			if err != nil {
				return err
			}
			layers = append(layers, deltaLayer{
				MediaType: deltaLayerMediaType,
				Size:      res.Size,
				Digest:    res.Digest,
				URLs:      []string{url},
				Annotations: map[string]string{
					deltaFromAnnotation: fromDiffID,
					deltaToAnnotation:   toDiffID,
				},
			})
		}
		if len(layers) == 0 {
			continue
		}

		manifest := deltaManifest{
			SchemaVersion: 1,
			Config: deltaDescriptor{
				MediaType: deltaConfigMediaType,
				Size:      deltaConfigSize,
				Digest:    deltaConfigDigest,
			},
			Layers:      layers,
			Annotations: map[string]string{deltaTargetAnnotation: to.Digest},
		}
		data, err := json.MarshalIndent(manifest, "", "    ")
		if err != nil {
			return fmt.Errorf("encoding delta manifest: %w", err)
		}

		path, err := artifact.PathForDigest(g.cfg.DeltasDir, to.Digest, ".json", true)
		if err != nil {
			return err
		}
		if err := artifact.WriteAtomic(path, data); err != nil {
			return err
		}
		if err := g.cleaner.Reference(ctx, path); err != nil {
			return err
		}

		url, err := artifact.URIForDigest(g.cfg.DeltasURI, to.Digest, ".json")
		if err != nil {
			return err
		}
		g.manifestURLs[to.Digest] = url
	}
	return nil
}
