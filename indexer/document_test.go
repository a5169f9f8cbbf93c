package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testDocument(generated time.Time) *Document {
	return &Document{
		APIVersion: apiVersion,
		Generated:  generated,
		Registry:   "https://registry.example.com/",
		Refs: map[string]*Entry{
			"app/org.example.App/stable": {
				Digest:       "sha256:aaa",
				Architecture: "amd64",
				Repository:   "rhel9/app",
				Tags:         []string{"latest"},
				Labels:       map[string]string{"org.flatpak.ref": "app/org.example.App/x86_64/stable"},
			},
		},
	}
}

func TestDocumentWriteSkipsUnchanged(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "index", "flatpak.json")

	changed, err := testDocument(time.Now().UTC()).Write(path)
	r.NoError(err)
	r.True(changed)
	first, err := os.ReadFile(path)
	r.NoError(err)

	// Same content, later generation stamp: the published file is kept
	// byte for byte.
	changed, err = testDocument(time.Now().UTC().Add(time.Hour)).Write(path)
	r.NoError(err)
	r.False(changed)
	second, err := os.ReadFile(path)
	r.NoError(err)
	r.Equal(first, second)

	// A real change is published.
	doc := testDocument(time.Now().UTC())
	doc.Refs["app/org.example.App/stable"].Digest = "sha256:bbb"
	changed, err = doc.Write(path)
	r.NoError(err)
	r.True(changed)
}

func TestDocumentWriteRoundTrip(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "flatpak.json")

	want := testDocument(time.Now().UTC().Truncate(time.Second))
	_, err := want.Write(path)
	r.NoError(err)

	got, err := LoadDocument(path)
	r.NoError(err)
	r.NotNil(got)
	r.Equal(apiVersion, got.APIVersion)
	r.Equal(want.Registry, got.Registry)
	r.Equal(want.Refs, got.Refs)
}

func TestLoadDocumentMissing(t *testing.T) {
	r := require.New(t)

	doc, err := LoadDocument(filepath.Join(t.TempDir(), "absent.json"))
	r.NoError(err)
	r.Nil(doc)
}

func TestDocumentWriteSingleDirLevel(t *testing.T) {
	r := require.New(t)

	// A missing parent one level up is created, deeper nesting is a
	// configuration mistake and fails.
	dir := t.TempDir()
	_, err := testDocument(time.Now().UTC()).Write(filepath.Join(dir, "a", "b", "flatpak.json"))
	r.Error(err)
}
