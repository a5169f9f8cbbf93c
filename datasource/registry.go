package datasource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/models"
)

// buildCacheSize bounds the per-digest metadata cache. Builds are
// immutable per digest, so entries never go stale, only cold.
const buildCacheSize = 2000

// registrySource queries a live OCI registry for the configured
// repositories. Manifest and config fetches are cached by digest so a
// steady feed costs one tag listing per repository per tick.
type registrySource struct {
	log   logrus.FieldLogger
	cfg   *config.RegistryConfig
	host  string
	cache *lru.Cache[string, *models.ImageBuild]
}

func newRegistrySource(log logrus.FieldLogger, cfg *config.RegistryConfig) (*registrySource, error) {
	cache, err := lru.New[string, *models.ImageBuild](buildCacheSize)
	if err != nil {
		return nil, err
	}
	host := strings.TrimPrefix(strings.TrimPrefix(cfg.PublicURL, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")
	return &registrySource{
		log:   log.WithField("registry", cfg.Name),
		cfg:   cfg,
		host:  host,
		cache: cache,
	}, nil
}

func (s *registrySource) Name() string {
	return s.cfg.Name
}

func (s *registrySource) Update(ctx context.Context) (*models.Registry, error) {
	reg := models.NewRegistry()
	for _, repository := range s.cfg.Repositories {
		if err := s.updateRepository(ctx, reg, repository); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *registrySource) updateRepository(ctx context.Context, reg *models.Registry, repository string) error {
	repoRef, err := name.NewRepository(s.host + "/" + repository)
	if err != nil {
		return fmt.Errorf("repository %s: %w", repository, err)
	}
	tags, err := remote.List(repoRef, remote.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("listing tags for %s: %w", repository, err)
	}

	// digest -> tags pointing at it right now
	tagged := map[string][]string{}
	// tag -> resolved per-architecture digests
	tagDigests := map[string][]string{}
	for _, tag := range tags {
		desc, err := remote.Get(repoRef.Tag(tag), remote.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("fetching %s:%s: %w", repository, tag, err)
		}
		digests, err := s.resolveManifests(ctx, repoRef, desc)
		if err != nil {
			return fmt.Errorf("fetching %s:%s: %w", repository, tag, err)
		}
		tagDigests[tag] = digests
		for _, digest := range digests {
			tagged[digest] = append(tagged[digest], tag)
		}
	}

	builds := map[string]*models.ImageBuild{}
	for digest, digestTags := range tagged {
		build, err := s.build(ctx, repoRef, repository, digest)
		if err != nil {
			return err
		}
		withTags := *build
		withTags.Tags = digestTags
		reg.AddImage(repository, &withTags)
		builds[digest] = &withTags
	}

	// The registry only exposes the current head of each tag, so the
	// history carries one item per architecture, dated from the build.
	if repo, ok := reg.Repositories[repository]; ok {
		for tag, digests := range tagDigests {
			history := &models.TagHistory{Name: tag}
			for _, digest := range digests {
				build := builds[digest]
				history.Items = append(history.Items, models.TagHistoryItem{
					Architecture: build.Architecture,
					Date:         build.PublishedAt,
					Digest:       build.Digest,
				})
			}
			sort.Slice(history.Items, func(i, j int) bool {
				return history.Items[i].Date.After(history.Items[j].Date)
			})
			repo.TagHistories[tag] = history
		}
	}
	s.log.Debugf("queried %s: %d tags, %d builds", repository, len(tags), len(tagged))
	return nil
}

// resolveManifests expands a manifest list into its per-architecture
// image digests; a plain manifest resolves to itself.
func (s *registrySource) resolveManifests(ctx context.Context, repoRef name.Repository, desc *remote.Descriptor) ([]string, error) {
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, err
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, err
		}
		var digests []string
		for _, m := range manifest.Manifests {
			digests = append(digests, m.Digest.String())
		}
		return digests, nil
	default:
		return []string{desc.Digest.String()}, nil
	}
}

func (s *registrySource) build(ctx context.Context, repoRef name.Repository, repository, digest string) (*models.ImageBuild, error) {
	if cached, ok := s.cache.Get(digest); ok {
		return cached, nil
	}

	img, err := remote.Image(repoRef.Digest(digest), remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching %s@%s: %w", repository, digest, err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s@%s: %w", repository, digest, err)
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("reading config %s@%s: %w", repository, digest, err)
	}

	diffIDs := make([]string, 0, len(cf.RootFS.DiffIDs))
	for _, h := range cf.RootFS.DiffIDs {
		diffIDs = append(diffIDs, h.String())
	}

	build := &models.ImageBuild{
		Repository:   repository,
		Digest:       digest,
		MediaType:    string(manifest.MediaType),
		OS:           cf.OS,
		Architecture: normalizeArch(cf.Architecture),
		Labels:       cloneOrEmpty(cf.Config.Labels),
		DiffIDs:      diffIDs,
		PullSpec:     s.host + "/" + repository + "@" + digest,
		PublishedAt:  cf.Created.Time,
	}
	s.cache.Add(digest, build)
	return build, nil
}

// normalizeArch maps OCI architecture names onto the flatpak ones used
// in index configurations.
func normalizeArch(arch string) string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "arm":
		return "arm"
	case "386":
		return "i386"
	default:
		return arch
	}
}

func cloneOrEmpty(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
