// Package indexer turns one normalized feed snapshot into one published
// index document per index configuration.
package indexer

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/models"
)

// forceTokenValue is a base64-encoded GVariant holding a variant
// holding the int32 1.
const forceTokenValue = "AQAAAABp"

const tokenTypeLabel = "org.flatpak.commit-metadata.xa.token-type"

// DeltaURLSource reports the public delta manifest URL for an image
// digest, or "" while the computation is still queued.
type DeltaURLSource interface {
	ManifestURL(digest string) string
}

func NewBuilder(
	log logrus.FieldLogger,
	cfg *config.IndexConfig,
	registry *config.RegistryConfig,
	icons *IconStore,
	deltas DeltaURLSource,
) *Builder {
	return &Builder{
		log:        log.WithField("index", cfg.Name),
		cfg:        cfg,
		registry:   registry,
		icons:      icons,
		deltas:     deltas,
		resolver:   NewResolver(cfg),
		timeGetter: func() time.Time { return time.Now().UTC() },
	}
}

type Builder struct {
	log        logrus.FieldLogger
	cfg        *config.IndexConfig
	registry   *config.RegistryConfig
	icons      *IconStore
	deltas     DeltaURLSource
	resolver   *Resolver
	timeGetter func() time.Time
}

// Build produces the index document for one feed snapshot. It never
// blocks on pending cache entries: a delta or icon still being computed
// is simply absent from this document and picked up by a later pass.
func (b *Builder) Build(ctx context.Context, feed *models.Registry) *Document {
	grouped := map[string][]*models.ImageBuild{}
	for _, repo := range feed.SortedRepositories() {
		for _, img := range repo.Images {
			ref, err := img.LogicalRef()
			if err != nil {
				// Malformed records are skipped; the pass continues.
				b.log.Debugf("skipping build: %v", err)
				continue
			}
			grouped[ref] = append(grouped[ref], img)
		}
	}

	doc := &Document{
		APIVersion: apiVersion,
		Generated:  b.timeGetter(),
		Registry:   b.registry.PublicURL,
		Refs:       map[string]*Entry{},
	}

	refs := lo.Keys(grouped)
	sort.Strings(refs)
	for _, ref := range refs {
		winner := b.resolver.Resolve(grouped[ref])
		if winner == nil {
			continue
		}
		doc.Refs[ref] = b.entry(ctx, winner)
	}
	return doc
}

func (b *Builder) entry(ctx context.Context, img *models.ImageBuild) *Entry {
	entry := &Entry{
		Digest:       img.Digest,
		MediaType:    img.MediaType,
		OS:           img.OS,
		Architecture: img.Architecture,
		Repository:   img.Repository,
		Tags:         sortedCopy(img.Tags),
		Labels:       cloneLabels(img.Labels),
		Annotations:  cloneLabels(img.Annotations),
	}

	if b.registry.ForceFlatpakToken {
		entry.Labels[tokenTypeLabel] = forceTokenValue
	}

	if b.deltas != nil {
		if url := b.deltas.ManifestURL(img.Digest); url != "" {
			entry.Labels[models.DeltaURLLabel] = url
			entry.Delta = url
		}
	}

	if b.cfg.ExtractIcons && b.icons != nil {
		b.extractIcon(ctx, entry.Labels, models.Icon64Label)
		b.extractIcon(ctx, entry.Labels, models.Icon128Label)
	}

	if b.cfg.FlatpakAnnotations {
		moveFlatpakLabels(entry)
	}
	return entry
}

func (b *Builder) extractIcon(ctx context.Context, labels map[string]string, key string) {
	value, ok := labels[key]
	if !ok {
		return
	}
	uri, stored, err := b.icons.Store(ctx, value)
	if err != nil {
		b.log.Errorf("extracting icon %s: %v", key, err)
		return
	}
	if stored {
		labels[key] = uri
	}
}

// moveFlatpakLabels relocates flatpak and freedesktop labels into
// annotations for clients that consume the annotation form.
func moveFlatpakLabels(entry *Entry) {
	if entry.Annotations == nil {
		entry.Annotations = map[string]string{}
	}
	for k, v := range entry.Labels {
		if strings.HasPrefix(k, "org.flatpak.") || strings.HasPrefix(k, "org.freedesktop.") {
			entry.Annotations[k] = v
			delete(entry.Labels, k)
		}
	}
}

func sortedCopy(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

// Labels are copied before rewriting so the feed snapshot stays
// untouched.
func cloneLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
