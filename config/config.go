package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// ArchToken is substituted with the expanded architecture in index
// names and output paths when architecture_expand is used.
const ArchToken = "$arch"

const (
	DatasourceRegistry = "registry"
	DatasourceFile     = "file"
)

type Config struct {
	RedisURL      string `mapstructure:"redis_url" validate:"required"`
	RedisPassword string `mapstructure:"redis_password"`

	IconsDir string `mapstructure:"icons_dir"`
	IconsURI string `mapstructure:"icons_uri"`

	DeltasDir string `mapstructure:"deltas_dir"`
	DeltasURI string `mapstructure:"deltas_uri"`

	CleanFilesAfter time.Duration `mapstructure:"clean_files_after"`

	Daemon DaemonConfig `mapstructure:"daemon"`

	Registries map[string]*RegistryConfig `mapstructure:"registries" validate:"required,min=1"`
	Indexes    map[string]*IndexConfig    `mapstructure:"indexes" validate:"required,min=1"`
}

type DaemonConfig struct {
	UpdateInterval  time.Duration `mapstructure:"update_interval"`
	ProgressTimeout time.Duration `mapstructure:"progress_timeout"`
	MetricsPort     int           `mapstructure:"metrics_port"`
}

type RegistryConfig struct {
	Name              string   `mapstructure:"-"`
	Datasource        string   `mapstructure:"datasource" validate:"required,oneof=registry file"`
	PublicURL         string   `mapstructure:"public_url" validate:"required"`
	Repositories      []string `mapstructure:"repositories"`
	FeedPath          string   `mapstructure:"feed_path"`
	ForceFlatpakToken bool     `mapstructure:"force_flatpak_token"`
}

type IndexConfig struct {
	Name     string `mapstructure:"-"`
	Registry string `mapstructure:"registry" validate:"required"`
	Output   string `mapstructure:"output" validate:"required"`
	Tag      string `mapstructure:"tag" validate:"required"`

	Architecture       string   `mapstructure:"architecture"`
	ArchitectureExpand []string `mapstructure:"architecture_expand"`

	RepositoryInclude  []string `mapstructure:"repository_include"`
	RepositoryExclude  []string `mapstructure:"repository_exclude"`
	RepositoryPriority []string `mapstructure:"repository_priority"`

	ExtractIcons       bool          `mapstructure:"extract_icons"`
	FlatpakAnnotations bool          `mapstructure:"flatpak_annotations"`
	DeltaKeep          time.Duration `mapstructure:"delta_keep"`
	DeltaKeepDays      int           `mapstructure:"delta_keep_days"`

	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	priority []*regexp.Regexp
}

// Load reads and validates the YAML configuration. Redis coordinates may
// be overridden from the environment so that secrets stay out of the
// config file. All validation failures are fatal at startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Config{
		CleanFilesAfter: 24 * time.Hour,
		Daemon: DaemonConfig{
			UpdateInterval:  30 * time.Minute,
			ProgressTimeout: time.Minute,
			MetricsPort:     6060,
		},
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var env struct {
		RedisURL      string `envconfig:"REDIS_URL"`
		RedisPassword string `envconfig:"REDIS_PASSWORD"`
	}
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if env.RedisURL != "" {
		cfg.RedisURL = env.RedisURL
	}
	if env.RedisPassword != "" {
		cfg.RedisPassword = env.RedisPassword
	}

	for name, reg := range cfg.Registries {
		reg.Name = name
	}
	for name, idx := range cfg.Indexes {
		idx.Name = name
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, reg := range sortedValues(c.Registries) {
		switch reg.Datasource {
		case DatasourceRegistry:
			if len(reg.Repositories) == 0 {
				return fmt.Errorf("registries/%s: registry datasource needs repositories", reg.Name)
			}
		case DatasourceFile:
			if reg.FeedPath == "" {
				return fmt.Errorf("registries/%s: file datasource needs feed_path", reg.Name)
			}
		}
	}

	for _, idx := range sortedValues(c.Indexes) {
		if _, ok := c.Registries[idx.Registry]; !ok {
			return fmt.Errorf("indexes/%s: no registry config found for %s", idx.Name, idx.Registry)
		}
		if idx.ExtractIcons && (c.IconsDir == "" || c.IconsURI == "") {
			return fmt.Errorf("indexes/%s: extract_icons is set, but icons_dir/icons_uri are not configured", idx.Name)
		}
		if idx.DeltaKeepDuration() > 0 && (c.DeltasDir == "" || c.DeltasURI == "") {
			return fmt.Errorf("indexes/%s: delta_keep is set, but deltas_dir/deltas_uri are not configured", idx.Name)
		}
		if len(idx.ArchitectureExpand) > 0 {
			if idx.Architecture != "" {
				return fmt.Errorf("indexes/%s: architecture and architecture_expand are mutually exclusive", idx.Name)
			}
			if !strings.Contains(idx.Output, ArchToken) {
				return fmt.Errorf("indexes/%s: architecture_expand is set, but output does not contain %s", idx.Name, ArchToken)
			}
		} else if strings.Contains(idx.Output, ArchToken) {
			return fmt.Errorf("indexes/%s: output contains %s without architecture_expand", idx.Name, ArchToken)
		}
		if err := idx.Compile(); err != nil {
			return fmt.Errorf("indexes/%s: %w", idx.Name, err)
		}
	}
	return nil
}

// Compile anchors every repository pattern so that matching covers the
// entire repository name, never a substring. Load calls it for every
// index; callers constructing an IndexConfig directly must call it
// themselves.
func (c *IndexConfig) Compile() error {
	compile := func(field string, patterns []string) ([]*regexp.Regexp, error) {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile("^(?:" + p + ")$")
			if err != nil {
				return nil, fmt.Errorf("%s pattern %q: %w", field, p, err)
			}
			out = append(out, re)
		}
		return out, nil
	}
	var err error
	if c.include, err = compile("repository_include", c.RepositoryInclude); err != nil {
		return err
	}
	if c.exclude, err = compile("repository_exclude", c.RepositoryExclude); err != nil {
		return err
	}
	c.priority, err = compile("repository_priority", c.RepositoryPriority)
	return err
}

// RepositoryAllowed applies the exclude and include pattern lists.
// Exclude dominates include.
func (c *IndexConfig) RepositoryAllowed(repository string) bool {
	for _, re := range c.exclude {
		if re.MatchString(repository) {
			return false
		}
	}
	if len(c.include) == 0 {
		return true
	}
	for _, re := range c.include {
		if re.MatchString(repository) {
			return true
		}
	}
	return false
}

// PriorityRank returns the position of the first priority pattern the
// repository matches. Repositories matching no pattern rank after every
// matching one.
func (c *IndexConfig) PriorityRank(repository string) int {
	for i, re := range c.priority {
		if re.MatchString(repository) {
			return i
		}
	}
	return len(c.priority)
}

func (c *IndexConfig) DeltaKeepDuration() time.Duration {
	if c.DeltaKeep > 0 {
		return c.DeltaKeep
	}
	return time.Duration(c.DeltaKeepDays) * 24 * time.Hour
}

// MaterializedIndexes expands architecture_expand lists into one derived
// IndexConfig per architecture value. An empty value means "all
// architectures, unfiltered"; it removes the architecture token from
// the output path together with a preceding dash.
func (c *Config) MaterializedIndexes() []*IndexConfig {
	var out []*IndexConfig
	for _, idx := range sortedValues(c.Indexes) {
		if len(idx.ArchitectureExpand) == 0 {
			out = append(out, idx)
			continue
		}
		for _, arch := range idx.ArchitectureExpand {
			derived := *idx
			derived.ArchitectureExpand = nil
			derived.Architecture = arch
			if arch == "" {
				derived.Name = idx.Name + "/all"
				derived.Output = strings.ReplaceAll(idx.Output, "-"+ArchToken, "")
				derived.Output = strings.ReplaceAll(derived.Output, ArchToken, "")
			} else {
				derived.Name = idx.Name + "/" + arch
				derived.Output = strings.ReplaceAll(idx.Output, ArchToken, arch)
			}
			out = append(out, &derived)
		}
	}
	return out
}

// DeltasEnabled reports whether any index wants delta generation.
func (c *Config) DeltasEnabled() bool {
	for _, idx := range c.Indexes {
		if idx.DeltaKeepDuration() > 0 {
			return true
		}
	}
	return false
}

func sortedValues[T any](m map[string]*T) []*T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
