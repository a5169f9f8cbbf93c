package indexer

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/models"
)

type staticDeltaSource map[string]string

func (s staticDeltaSource) ManifestURL(digest string) string { return s[digest] }

func testFeed() *models.Registry {
	feed := models.NewRegistry()
	feed.AddImage("rhel9/app", &models.ImageBuild{
		Digest:       "sha256:aaa",
		MediaType:    "application/vnd.oci.image.manifest.v1+json",
		OS:           "linux",
		Architecture: "amd64",
		Tags:         []string{"latest"},
		Labels: map[string]string{
			models.RefLabel: "app/org.example.App/x86_64/stable",
		},
	})
	feed.AddImage("rhel9/app", &models.ImageBuild{
		Digest:       "sha256:bbb",
		MediaType:    "application/vnd.oci.image.manifest.v1+json",
		OS:           "linux",
		Architecture: "arm64",
		Tags:         []string{"latest"},
		Labels: map[string]string{
			models.RefLabel: "app/org.example.App/aarch64/stable",
		},
	})
	feed.AddImage("rhel9/runtime", &models.ImageBuild{
		Digest:       "sha256:ccc",
		Architecture: "amd64",
		Tags:         []string{"latest"},
		Labels: map[string]string{
			models.RefLabel: "runtime/org.example.Platform/x86_64/stable",
		},
	})
	// Malformed records are skipped, the pass continues.
	feed.AddImage("rhel9/broken", &models.ImageBuild{
		Digest:       "sha256:ddd",
		Architecture: "amd64",
		Tags:         []string{"latest"},
	})
	return feed
}

func newTestBuilder(t *testing.T, cfg *config.IndexConfig, registry *config.RegistryConfig, deltas DeltaURLSource) *Builder {
	t.Helper()
	if registry == nil {
		registry = &config.RegistryConfig{
			Name:      "registry.example.com",
			PublicURL: "https://registry.example.com/",
		}
	}
	return NewBuilder(logrus.New(), cfg, registry, nil, deltas)
}

func TestBuild(t *testing.T) {
	r := require.New(t)

	cfg := testIndexConfig(t, func(cfg *config.IndexConfig) {
		cfg.Architecture = "amd64"
	})
	doc := newTestBuilder(t, cfg, nil, nil).Build(context.Background(), testFeed())

	r.Equal("1", doc.APIVersion)
	r.Equal("https://registry.example.com/", doc.Registry)
	r.Len(doc.Refs, 2)

	app := doc.Refs["app/org.example.App/stable"]
	r.NotNil(app)
	r.Equal("sha256:aaa", app.Digest)
	r.Equal("amd64", app.Architecture)
	r.Equal("rhel9/app", app.Repository)

	runtime := doc.Refs["runtime/org.example.Platform/stable"]
	r.NotNil(runtime)
	r.Equal("sha256:ccc", runtime.Digest)
}

func TestBuildAllArchitectures(t *testing.T) {
	r := require.New(t)

	// No architecture filter: one winner per logical ref, chosen by the
	// deterministic sort key.
	doc := newTestBuilder(t, testIndexConfig(t, nil), nil, nil).Build(context.Background(), testFeed())

	app := doc.Refs["app/org.example.App/stable"]
	r.NotNil(app)
	r.Equal("amd64", app.Architecture)
}

func TestBuildForceFlatpakToken(t *testing.T) {
	r := require.New(t)

	registry := &config.RegistryConfig{
		Name:              "registry.example.com",
		PublicURL:         "https://registry.example.com/",
		ForceFlatpakToken: true,
	}
	doc := newTestBuilder(t, testIndexConfig(t, nil), registry, nil).Build(context.Background(), testFeed())

	app := doc.Refs["app/org.example.App/stable"]
	r.NotNil(app)
	r.Equal(forceTokenValue, app.Labels[tokenTypeLabel])
}

func TestBuildDeltaURL(t *testing.T) {
	r := require.New(t)

	deltas := staticDeltaSource{
		"sha256:aaa": "https://flatpaks.example.com/deltas/aa/a.json",
	}
	cfg := testIndexConfig(t, func(cfg *config.IndexConfig) {
		cfg.Architecture = "amd64"
	})
	doc := newTestBuilder(t, cfg, nil, deltas).Build(context.Background(), testFeed())

	app := doc.Refs["app/org.example.App/stable"]
	r.Equal("https://flatpaks.example.com/deltas/aa/a.json", app.Delta)
	r.Equal("https://flatpaks.example.com/deltas/aa/a.json", app.Labels[models.DeltaURLLabel])

	// A delta still being computed is simply absent.
	runtime := doc.Refs["runtime/org.example.Platform/stable"]
	r.Empty(runtime.Delta)
	r.NotContains(runtime.Labels, models.DeltaURLLabel)
}

func TestBuildFlatpakAnnotations(t *testing.T) {
	r := require.New(t)

	cfg := testIndexConfig(t, func(cfg *config.IndexConfig) {
		cfg.FlatpakAnnotations = true
	})
	doc := newTestBuilder(t, cfg, nil, nil).Build(context.Background(), testFeed())

	app := doc.Refs["app/org.example.App/stable"]
	r.NotContains(app.Labels, models.RefLabel)
	r.Equal("app/org.example.App/x86_64/stable", app.Annotations[models.RefLabel])
}

func TestBuildLeavesFeedUntouched(t *testing.T) {
	r := require.New(t)

	registry := &config.RegistryConfig{
		Name:              "registry.example.com",
		PublicURL:         "https://registry.example.com/",
		ForceFlatpakToken: true,
	}
	feed := testFeed()
	newTestBuilder(t, testIndexConfig(t, nil), registry, nil).Build(context.Background(), feed)

	img := feed.FindImage("sha256:aaa")
	r.NotContains(img.Labels, tokenTypeLabel)
}
