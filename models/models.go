package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Label keys consumed from image metadata.
const (
	RefLabel      = "org.flatpak.ref"
	Icon64Label   = "org.freedesktop.appstream.icon-64"
	Icon128Label  = "org.freedesktop.appstream.icon-128"
	DeltaURLLabel = "io.github.containers.DeltaUrl"
)

// ImageBuild is one immutable, digest-identified container image variant
// observed from an upstream source.
type ImageBuild struct {
	Repository   string            `json:"Repository"`
	Digest       string            `json:"Digest"`
	MediaType    string            `json:"MediaType"`
	OS           string            `json:"OS"`
	Architecture string            `json:"Architecture"`
	Tags         []string          `json:"Tags"`
	Labels       map[string]string `json:"Labels"`
	Annotations  map[string]string `json:"Annotations,omitempty"`
	DiffIDs      []string          `json:"DiffIds"`
	PullSpec     string            `json:"PullSpec,omitempty"`
	PublishedAt  time.Time         `json:"PublishedAt"`
}

// LogicalRef derives the architecture independent reference exposed in
// published indexes from the org.flatpak.ref label. The label holds
// <kind>/<id>/<architecture>/<branch>; the architecture segment is dropped
// so that builds of the same application share one ref.
func (b *ImageBuild) LogicalRef() (string, error) {
	ref := b.Labels[RefLabel]
	if ref == "" {
		return "", fmt.Errorf("image %s: missing label %s", b.Digest, RefLabel)
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 4 {
		return "", fmt.Errorf("image %s: malformed %s label %q", b.Digest, RefLabel, ref)
	}
	return parts[0] + "/" + parts[1] + "/" + parts[3], nil
}

func (b *ImageBuild) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagHistoryItem records one build that was published under a tag.
type TagHistoryItem struct {
	Architecture string    `json:"Architecture"`
	Date         time.Time `json:"Date"`
	Digest       string    `json:"Digest"`
}

// TagHistory lists the builds published under one tag, newest first.
type TagHistory struct {
	Name  string           `json:"Name"`
	Items []TagHistoryItem `json:"Items"`
}

// Repository is a feed snapshot of one upstream repository. Images holds
// the current and recent historical builds keyed by digest.
type Repository struct {
	Name         string                 `json:"Name"`
	Images       map[string]*ImageBuild `json:"Images"`
	TagHistories map[string]*TagHistory `json:"TagHistories,omitempty"`
}

func NewRepository(name string) *Repository {
	return &Repository{
		Name:         name,
		Images:       map[string]*ImageBuild{},
		TagHistories: map[string]*TagHistory{},
	}
}

// Registry is the normalized feed for one configured upstream registry.
type Registry struct {
	Repositories map[string]*Repository `json:"Repositories"`
}

func NewRegistry() *Registry {
	return &Registry{Repositories: map[string]*Repository{}}
}

func (r *Registry) AddImage(repository string, img *ImageBuild) {
	repo, ok := r.Repositories[repository]
	if !ok {
		repo = NewRepository(repository)
		r.Repositories[repository] = repo
	}
	img.Repository = repository
	repo.Images[img.Digest] = img
}

// FindImage looks a build up by digest across all repositories.
func (r *Registry) FindImage(digest string) *ImageBuild {
	for _, repo := range sortedRepositories(r) {
		if img, ok := repo.Images[digest]; ok {
			return img
		}
	}
	return nil
}

// SortedRepositories returns repositories in lexical name order so that
// iteration order is reproducible across runs.
func (r *Registry) SortedRepositories() []*Repository {
	return sortedRepositories(r)
}

func sortedRepositories(r *Registry) []*Repository {
	names := make([]string, 0, len(r.Repositories))
	for name := range r.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	repos := make([]*Repository, 0, len(names))
	for _, name := range names {
		repos = append(repos, r.Repositories[name])
	}
	return repos
}

// ParsePullSpec splits <registry>[:port]/<repository>[@<digest>|:<tag>]
// into its parts.
func ParsePullSpec(spec string) (registry, repository, ref string, err error) {
	host, rest, ok := strings.Cut(spec, "/")
	if !ok {
		return "", "", "", fmt.Errorf("malformed pull spec %q", spec)
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		return host, rest[:i], rest[i+1:], nil
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		return host, rest[:i], rest[i+1:], nil
	}
	return "", "", "", fmt.Errorf("malformed pull spec %q", spec)
}
