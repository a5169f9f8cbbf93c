package indexer

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/flatpak/flatpak-indexer/artifact"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is the published representation of the winning build for one
// logical ref.
type Entry struct {
	Digest       string            `json:"Digest"`
	MediaType    string            `json:"MediaType,omitempty"`
	OS           string            `json:"OS,omitempty"`
	Architecture string            `json:"Architecture"`
	Repository   string            `json:"Repository"`
	Tags         []string          `json:"Tags"`
	Labels       map[string]string `json:"Labels"`
	Annotations  map[string]string `json:"Annotations,omitempty"`
	Delta        string            `json:"Delta,omitempty"`
}

// Document is one published index. Refs marshals with sorted keys, so
// repeated runs over an unchanged feed produce identical bytes.
type Document struct {
	APIVersion string            `json:"ApiVersion"`
	Generated  time.Time         `json:"Generated"`
	Registry   string            `json:"Registry"`
	Refs       map[string]*Entry `json:"Refs"`
}

const apiVersion = "1"

// LoadDocument reads a previously published index. A missing file is
// not an error; it returns nil.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing index %s: %w", path, err)
	}
	return &doc, nil
}

// Write publishes the document atomically. When the document differs
// from the existing file only by its generation timestamp the old file
// is kept, so modtimes and ETags stay stable for downstream caches.
// Only one directory level is auto-created, to catch configuration
// mistakes early.
func (d *Document) Write(path string) (changed bool, err error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return false, fmt.Errorf("creating output dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return false, fmt.Errorf("encoding index: %w", err)
	}

	old, err := LoadDocument(path)
	if err != nil {
		return false, err
	}
	if old != nil {
		old.Generated = d.Generated
		oldData, err := json.MarshalIndent(old, "", "    ")
		if err == nil && bytes.Equal(oldData, data) {
			return false, nil
		}
	}

	if err := artifact.WriteAtomic(path, data); err != nil {
		return false, err
	}
	return true, nil
}
