package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/flatpak/flatpak-indexer/config"
)

const testFeedJSON = `{
    "Repositories": {
        "rhel9/app": {
            "Name": "old-name",
            "Images": {
                "sha256:aaa": {
                    "Digest": "sha256:aaa",
                    "Architecture": "x86_64",
                    "Tags": ["latest"],
                    "Labels": {
                        "org.flatpak.ref": "app/org.example.App/x86_64/stable"
                    },
                    "DiffIds": ["sha256:1111"]
                }
            },
            "TagHistories": {
                "latest": {
                    "Name": "latest",
                    "Items": [
                        {"Architecture": "x86_64", "Date": "2026-08-01T00:00:00Z", "Digest": "sha256:aaa"}
                    ]
                }
            }
        }
    }
}`

func TestFileSourceUpdate(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "feed.json")
	r.NoError(os.WriteFile(path, []byte(testFeedJSON), 0o644))

	source := newFileSource(logrus.New(), &config.RegistryConfig{
		Name:       "test",
		Datasource: config.DatasourceFile,
		PublicURL:  "https://registry.example.com/",
		FeedPath:   path,
	})
	r.Equal("test", source.Name())

	feed, err := source.Update(context.Background())
	r.NoError(err)

	repo := feed.Repositories["rhel9/app"]
	r.NotNil(repo)
	// Names inside hand-built feeds are normalized to the map key.
	r.Equal("rhel9/app", repo.Name)

	img := repo.Images["sha256:aaa"]
	r.NotNil(img)
	r.Equal("rhel9/app", img.Repository)
	r.Equal([]string{"sha256:1111"}, img.DiffIDs)
	r.Len(repo.TagHistories["latest"].Items, 1)
}

func TestFileSourceMissingFeed(t *testing.T) {
	r := require.New(t)

	source := newFileSource(logrus.New(), &config.RegistryConfig{
		Name:       "test",
		Datasource: config.DatasourceFile,
		FeedPath:   filepath.Join(t.TempDir(), "absent.json"),
	})
	_, err := source.Update(context.Background())
	r.Error(err)
}

func TestNewUpdaters(t *testing.T) {
	r := require.New(t)

	cfg := &config.Config{
		Registries: map[string]*config.RegistryConfig{
			"b-file": {
				Name:       "b-file",
				Datasource: config.DatasourceFile,
				PublicURL:  "https://b.example.com/",
				FeedPath:   "/feed.json",
			},
			"a-registry": {
				Name:         "a-registry",
				Datasource:   config.DatasourceRegistry,
				PublicURL:    "https://a.example.com/",
				Repositories: []string{"rhel9/app"},
			},
		},
	}

	updaters, err := NewUpdaters(logrus.New(), cfg)
	r.NoError(err)
	r.Len(updaters, 2)
	r.Equal("a-registry", updaters[0].Name())
	r.Equal("b-file", updaters[1].Name())
}
