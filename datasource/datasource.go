// Package datasource produces normalized feed snapshots for configured
// upstream registries. Each datasource kind implements the same
// capability interface; the aggregation pipeline depends only on it.
package datasource

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/models"
)

// Updater fetches the current feed for one configured registry. An
// error return means the upstream was unavailable and the previously
// published documents for that registry must be kept; an empty registry
// is a valid result and publishes absence.
type Updater interface {
	Name() string
	Update(ctx context.Context) (*models.Registry, error)
}

// NewUpdaters builds one updater per configured registry, in stable
// name order.
func NewUpdaters(log logrus.FieldLogger, cfg *config.Config) ([]Updater, error) {
	names := make([]string, 0, len(cfg.Registries))
	for name := range cfg.Registries {
		names = append(names, name)
	}
	sort.Strings(names)

	var updaters []Updater
	for _, name := range names {
		reg := cfg.Registries[name]
		switch reg.Datasource {
		case config.DatasourceRegistry:
			u, err := newRegistrySource(log, reg)
			if err != nil {
				return nil, err
			}
			updaters = append(updaters, u)
		case config.DatasourceFile:
			updaters = append(updaters, newFileSource(log, reg))
		default:
			return nil, fmt.Errorf("registries/%s: unknown datasource %q", name, reg.Datasource)
		}
	}
	return updaters, nil
}
