package datasource

import (
	"context"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fileSource reads a pre-normalized feed from a local JSON file. Useful
// for air-gapped deployments fed by an external exporter and for tests.
type fileSource struct {
	log logrus.FieldLogger
	cfg *config.RegistryConfig
}

func newFileSource(log logrus.FieldLogger, cfg *config.RegistryConfig) *fileSource {
	return &fileSource{
		log: log.WithField("registry", cfg.Name),
		cfg: cfg,
	}
}

func (s *fileSource) Name() string {
	return s.cfg.Name
}

func (s *fileSource) Update(ctx context.Context) (*models.Registry, error) {
	data, err := os.ReadFile(s.cfg.FeedPath)
	if err != nil {
		return nil, fmt.Errorf("reading feed %s: %w", s.cfg.FeedPath, err)
	}
	reg := models.NewRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", s.cfg.FeedPath, err)
	}
	// Repository names inside images may be stale in hand-built feeds.
	for name, repo := range reg.Repositories {
		repo.Name = name
		for _, img := range repo.Images {
			img.Repository = name
		}
	}
	s.log.Debugf("loaded %d repositories from %s", len(reg.Repositories), s.cfg.FeedPath)
	return reg, nil
}
