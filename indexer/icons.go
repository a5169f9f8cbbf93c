package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/flatpak/flatpak-indexer/artifact"
	"github.com/flatpak/flatpak-indexer/cleaner"
	"github.com/flatpak/flatpak-indexer/metrics"
)

const dataURIPrefix = "data:image/png;base64,"

// IconStore extracts icons embedded in labels as data URIs into the
// content-addressed icons directory. Extraction is cheap and local, so
// at-most-once per key is enforced in process with singleflight.
func NewIconStore(log logrus.FieldLogger, dir, uri string, cl *cleaner.Cleaner) *IconStore {
	return &IconStore{
		log:     log.WithField("component", "icons"),
		dir:     dir,
		uri:     uri,
		cleaner: cl,
	}
}

type IconStore struct {
	log     logrus.FieldLogger
	dir     string
	uri     string
	cleaner *cleaner.Cleaner
	group   singleflight.Group
}

// Store decodes an icon data URI into the store and returns the public
// URI of the cached file. Values that are not PNG data URIs are
// reported with ok=false and left alone.
func (s *IconStore) Store(ctx context.Context, value string) (uri string, ok bool, err error) {
	if !strings.HasPrefix(value, dataURIPrefix) {
		return "", false, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(value[len(dataURIPrefix):])
	if err != nil {
		return "", false, fmt.Errorf("decoding icon data: %w", err)
	}

	digest := fmt.Sprintf("sha256:%x", sha256.Sum256(decoded))
	path, err := artifact.PathForDigest(s.dir, digest, ".png", true)
	if err != nil {
		return "", false, err
	}

	_, err, _ = s.group.Do(digest, func() (any, error) {
		if _, err := os.Stat(path); err == nil {
			return nil, nil
		}
		s.log.Infof("storing icon %s", path)
		if err := artifact.WriteAtomic(path, decoded); err != nil {
			return nil, err
		}
		metrics.IncIconsStoredTotal()
		return nil, nil
	})
	if err != nil {
		return "", false, err
	}

	if err := s.cleaner.Reference(ctx, path); err != nil {
		return "", false, err
	}
	uri, err = artifact.URIForDigest(s.uri, digest, ".png")
	if err != nil {
		return "", false, err
	}
	return uri, true, nil
}
