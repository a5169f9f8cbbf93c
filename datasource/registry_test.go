package datasource

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/models"
)

func pushTestImage(t *testing.T, host, repository, tag string, labels map[string]string) v1.Image {
	t.Helper()
	r := require.New(t)

	img, err := random.Image(1024, 1)
	r.NoError(err)
	cf, err := img.ConfigFile()
	r.NoError(err)
	cf = cf.DeepCopy()
	cf.OS = "linux"
	cf.Architecture = "amd64"
	cf.Config.Labels = labels
	img, err = mutate.ConfigFile(img, cf)
	r.NoError(err)

	ref, err := name.ParseReference(host + "/" + repository + ":" + tag)
	r.NoError(err)
	r.NoError(remote.Write(ref, img))
	return img
}

func TestRegistrySourceUpdate(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	server := httptest.NewServer(registry.New())
	t.Cleanup(server.Close)
	host := strings.TrimPrefix(server.URL, "http://")

	labels := map[string]string{
		models.RefLabel: "app/org.example.App/x86_64/stable",
	}
	img := pushTestImage(t, host, "rhel9/app", "latest", labels)
	digest, err := img.Digest()
	r.NoError(err)

	source, err := newRegistrySource(logrus.New(), &config.RegistryConfig{
		Name:         "test",
		Datasource:   config.DatasourceRegistry,
		PublicURL:    server.URL,
		Repositories: []string{"rhel9/app"},
	})
	r.NoError(err)

	feed, err := source.Update(ctx)
	r.NoError(err)

	repo := feed.Repositories["rhel9/app"]
	r.NotNil(repo)
	r.Len(repo.Images, 1)

	build := repo.Images[digest.String()]
	r.NotNil(build)
	r.Equal("rhel9/app", build.Repository)
	r.Equal("linux", build.OS)
	r.Equal("x86_64", build.Architecture)
	r.Equal([]string{"latest"}, build.Tags)
	r.Equal(labels, build.Labels)
	r.NotEmpty(build.DiffIDs)
	r.Equal(host+"/rhel9/app@"+digest.String(), build.PullSpec)

	// The current head of the tag is recorded as history, so delta
	// discovery sees where the tag points.
	history := repo.TagHistories["latest"]
	r.NotNil(history)
	r.Equal("latest", history.Name)
	r.Len(history.Items, 1)
	r.Equal("x86_64", history.Items[0].Architecture)
	r.Equal(digest.String(), history.Items[0].Digest)
	r.Equal(build.PublishedAt, history.Items[0].Date)
}

func TestRegistrySourceCachesBuilds(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	server := httptest.NewServer(registry.New())
	t.Cleanup(server.Close)
	host := strings.TrimPrefix(server.URL, "http://")

	img := pushTestImage(t, host, "rhel9/app", "latest", map[string]string{
		models.RefLabel: "app/org.example.App/x86_64/stable",
	})
	digest, err := img.Digest()
	r.NoError(err)

	source, err := newRegistrySource(logrus.New(), &config.RegistryConfig{
		Name:         "test",
		Datasource:   config.DatasourceRegistry,
		PublicURL:    server.URL,
		Repositories: []string{"rhel9/app"},
	})
	r.NoError(err)

	_, err = source.Update(ctx)
	r.NoError(err)
	r.True(source.cache.Contains(digest.String()))

	// The second tick reuses cached build metadata and only re-lists
	// tags, but the tag set is applied fresh.
	feed, err := source.Update(ctx)
	r.NoError(err)
	r.Equal([]string{"latest"}, feed.Repositories["rhel9/app"].Images[digest.String()].Tags)
}

func TestRegistrySourceUnreachable(t *testing.T) {
	r := require.New(t)

	source, err := newRegistrySource(logrus.New(), &config.RegistryConfig{
		Name:         "test",
		Datasource:   config.DatasourceRegistry,
		PublicURL:    "http://127.0.0.1:1",
		Repositories: []string{"rhel9/app"},
	})
	r.NoError(err)

	_, err = source.Update(context.Background())
	r.Error(err)
}

func TestNormalizeArch(t *testing.T) {
	r := require.New(t)

	r.Equal("x86_64", normalizeArch("amd64"))
	r.Equal("aarch64", normalizeArch("arm64"))
	r.Equal("i386", normalizeArch("386"))
	r.Equal("ppc64le", normalizeArch("ppc64le"))
}
