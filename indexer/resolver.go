package indexer

import (
	"sort"

	"github.com/samber/lo"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/models"
)

// Resolver picks the single winning build for one logical ref out of
// the builds visible to an index configuration.
func NewResolver(cfg *config.IndexConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

type Resolver struct {
	cfg *config.IndexConfig
}

// Resolve filters candidates by the repository exclude/include lists,
// the index tag and a fixed architecture, ranks the survivors by the
// priority pattern list and returns the top build, or nil when nothing
// qualifies. The full sort key is (priority rank, repository,
// architecture, digest) so the result is reproducible regardless of
// input ordering.
func (r *Resolver) Resolve(builds []*models.ImageBuild) *models.ImageBuild {
	candidates := lo.Filter(builds, func(b *models.ImageBuild, _ int) bool {
		if !r.cfg.RepositoryAllowed(b.Repository) {
			return false
		}
		if !b.HasTag(r.cfg.Tag) {
			return false
		}
		if r.cfg.Architecture != "" && b.Architecture != r.cfg.Architecture {
			return false
		}
		return true
	})
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ra, rb := r.cfg.PriorityRank(a.Repository), r.cfg.PriorityRank(b.Repository)
		if ra != rb {
			return ra < rb
		}
		if a.Repository != b.Repository {
			return a.Repository < b.Repository
		}
		if a.Architecture != b.Architecture {
			return a.Architecture < b.Architecture
		}
		return a.Digest < b.Digest
	})
	return candidates[0]
}
