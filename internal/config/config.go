// Package config handles configuration loading for the annotation server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Data       DataConfig       `yaml:"data" toml:"-"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Annotation AnnotationConfig `yaml:"annotation" toml:"annotation"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
	Title       string   `yaml:"title" toml:"title"`
	// DefaultDataset overrides the first-listed dataset as default.
	DefaultDataset string `yaml:"default_dataset" toml:"default_dataset"`
}

// DatasetConfig points at the data of one dataset.
type DatasetConfig struct {
	ZarrPath      string `yaml:"zarr_path" toml:"zarr_path"`
	SomaPath      string `yaml:"soma_path" toml:"soma_path"`
	ClusterColumn string `yaml:"cluster_column" toml:"cluster_column"`
}

// DataConfig holds the configured datasets in declaration order.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResponseSizeMB     int `yaml:"response_size_mb" toml:"response_size_mb"`
	ResponseTTLMinutes int `yaml:"response_ttl_minutes" toml:"response_ttl_minutes"`
	ColumnCacheSize    int `yaml:"column_cache_size" toml:"column_cache_size"`
}

// StoreConfig contains SQLite settings.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// AnnotationConfig contains annotation defaults.
type AnnotationConfig struct {
	DefaultTargetColumn string `yaml:"default_target_column" toml:"default_target_column"`
	DefaultPalette      string `yaml:"default_palette" toml:"default_palette"`
	RunRetentionDays    int    `yaml:"run_retention_days" toml:"run_retention_days"`
}

// DatasetIDs returns dataset ids in declaration order.
func (d DataConfig) DatasetIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
}

// UnmarshalYAML accepts both the legacy flat form (data.zarr_path) and a map of
// dataset id -> settings. Map order is kept.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}

	if isLegacyDataNode(node) {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		d.add("default", ds)
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	return nil
}

func isLegacyDataNode(node *yaml.Node) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i+1].Kind == yaml.ScalarNode {
			return true
		}
	}
	return false
}

// Load reads configuration from a YAML or TOML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := unmarshalTOML(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// unmarshalTOML decodes a TOML config. TOML tables are unordered, so datasets
// are listed by id; server.default_dataset picks the default.
func unmarshalTOML(data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err != nil {
		return err
	}

	var raw struct {
		Data map[string]interface{} `toml:"data"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Data) == 0 {
		return nil
	}

	legacy := false
	for _, v := range raw.Data {
		if _, ok := v.(string); ok {
			legacy = true
			break
		}
	}
	if legacy {
		cfg.Data.add("default", datasetFromMap(raw.Data))
		return nil
	}

	ids := make([]string, 0, len(raw.Data))
	for id := range raw.Data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m, ok := raw.Data[id].(map[string]interface{})
		if !ok {
			return fmt.Errorf("data.%s: expected a table", id)
		}
		cfg.Data.add(id, datasetFromMap(m))
	}
	return nil
}

func datasetFromMap(m map[string]interface{}) DatasetConfig {
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return DatasetConfig{
		ZarrPath:      str("zarr_path"),
		SomaPath:      str("soma_path"),
		ClusterColumn: str("cluster_column"),
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Cell-type annotator",
		},
		Cache: CacheConfig{
			ResponseSizeMB:     256,
			ResponseTTLMinutes: 10,
			ColumnCacheSize:    64,
		},
		Store: StoreConfig{
			SQLitePath: "./data/annotator.sqlite",
		},
		Annotation: AnnotationConfig{
			DefaultTargetColumn: "cell type",
			DefaultPalette:      "default",
			RunRetentionDays:    30,
		},
	}
	cfg.Data.add("default", defaultDataset())
	cfg.Data.DefaultDataset = "default"
	return cfg
}

func defaultDataset() DatasetConfig {
	return DatasetConfig{
		ZarrPath:      "./data/cells.zarr",
		ClusterColumn: "clusters",
	}
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if _, ok := c.Data.Datasets[c.Data.DefaultDataset]; !ok {
		return fmt.Errorf("default dataset %q is not configured", c.Data.DefaultDataset)
	}
	for id, ds := range c.Data.Datasets {
		if id == "" || strings.ContainsAny(id, "/ ") {
			return fmt.Errorf("invalid dataset id %q", id)
		}
		if ds.ZarrPath == "" && ds.SomaPath == "" {
			return fmt.Errorf("dataset %s: zarr_path or soma_path is required", id)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data.add("default", defaultDataset())
	}
	for id, ds := range cfg.Data.Datasets {
		ds.ZarrPath = expandPath(ds.ZarrPath)
		ds.SomaPath = expandPath(ds.SomaPath)
		if ds.ClusterColumn == "" {
			ds.ClusterColumn = defaultDataset().ClusterColumn
		}
		cfg.Data.Datasets[id] = ds
	}
	cfg.Data.DefaultDataset = cfg.Server.DefaultDataset
	if cfg.Data.DefaultDataset == "" {
		cfg.Data.DefaultDataset = cfg.Data.order[0]
	}

	if cfg.Cache.ResponseSizeMB == 0 {
		cfg.Cache.ResponseSizeMB = defaults.Cache.ResponseSizeMB
	}
	if cfg.Cache.ResponseTTLMinutes == 0 {
		cfg.Cache.ResponseTTLMinutes = defaults.Cache.ResponseTTLMinutes
	}
	if cfg.Cache.ColumnCacheSize == 0 {
		cfg.Cache.ColumnCacheSize = defaults.Cache.ColumnCacheSize
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	cfg.Store.SQLitePath = expandPath(cfg.Store.SQLitePath)
	if cfg.Annotation.DefaultTargetColumn == "" {
		cfg.Annotation.DefaultTargetColumn = defaults.Annotation.DefaultTargetColumn
	}
	if cfg.Annotation.DefaultPalette == "" {
		cfg.Annotation.DefaultPalette = defaults.Annotation.DefaultPalette
	}
	if cfg.Annotation.RunRetentionDays == 0 {
		cfg.Annotation.RunRetentionDays = defaults.Annotation.RunRetentionDays
	}
}

func expandPath(p string) string {
	if p == "" {
		return ""
	}
	return os.ExpandEnv(p)
}
