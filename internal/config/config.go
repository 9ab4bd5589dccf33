// Package config loads the assetpipe build description using Viper for file
// discovery and environment overrides.
//
// A project document holds a base description at the top level and one
// override per mode under profiles.development and profiles.production. The
// override for the active mode is merged into the base (see Merge), overrides
// from the environment and the command line are applied, and the result is
// decoded into a BuildDescription, defaulted and validated.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Options is a free-form option bag attached to transform steps and plugins.
type Options map[string]any

// BuildDescription is the effective configuration for one build. It must not
// be modified once the graph walk has started.
type BuildDescription struct {
	Mode         Mode                `mapstructure:"mode"         yaml:"mode"`
	Context      string              `mapstructure:"context"      yaml:"context"`
	Entry        map[string][]string `mapstructure:"entry"        yaml:"entry"`
	Output       OutputConfig        `mapstructure:"output"       yaml:"output"`
	Rules        []RuleConfig        `mapstructure:"rules"        yaml:"rules"`
	Resolve      ResolveConfig       `mapstructure:"resolve"      yaml:"resolve"`
	Plugins      []PluginSpec        `mapstructure:"plugins"      yaml:"plugins"`
	Optimization OptimizationConfig  `mapstructure:"optimization" yaml:"optimization"`
	DevServer    *DevServerConfig    `mapstructure:"dev_server"   yaml:"dev_server,omitempty"`
	Workers      int                 `mapstructure:"workers"      yaml:"workers"`
}

type OutputConfig struct {
	Path             string `mapstructure:"path"               yaml:"path"`
	Filename         string `mapstructure:"filename"           yaml:"filename"`
	ChunkFilename    string `mapstructure:"chunk_filename"     yaml:"chunk_filename"`
	CSSFilename      string `mapstructure:"css_filename"       yaml:"css_filename"`
	CSSChunkFilename string `mapstructure:"css_chunk_filename" yaml:"css_chunk_filename"`
	AssetFilename    string `mapstructure:"asset_filename"     yaml:"asset_filename"`
	PublicPath       string `mapstructure:"public_path"        yaml:"public_path"`
}

// RuleConfig binds a path predicate to an ordered chain of steps.
type RuleConfig struct {
	Test    string       `mapstructure:"test"    yaml:"test"`
	Include []string     `mapstructure:"include" yaml:"include,omitempty"`
	Exclude []string     `mapstructure:"exclude" yaml:"exclude,omitempty"`
	Use     []StepConfig `mapstructure:"use"     yaml:"use"`
}

type StepConfig struct {
	Step    string  `mapstructure:"step"    yaml:"step"`
	Options Options `mapstructure:"options" yaml:"options,omitempty"`
}

type ResolveConfig struct {
	Alias      map[string]string `mapstructure:"alias"      yaml:"alias,omitempty"`
	Modules    []string          `mapstructure:"modules"    yaml:"modules"`
	Extensions []string          `mapstructure:"extensions" yaml:"extensions"`
}

type PluginSpec struct {
	Name    string  `mapstructure:"name"    yaml:"name"`
	Options Options `mapstructure:"options" yaml:"options,omitempty"`
}

type OptimizationConfig struct {
	SplitChunks  SplitChunksConfig `mapstructure:"split_chunks"  yaml:"split_chunks"`
	RuntimeChunk string            `mapstructure:"runtime_chunk" yaml:"runtime_chunk,omitempty"`
}

type SplitChunksConfig struct {
	CacheGroups map[string]CacheGroupConfig `mapstructure:"cache_groups" yaml:"cache_groups,omitempty"`
}

// CacheGroupConfig routes matching modules into a named chunk. Zero
// thresholds are treated as always satisfied.
type CacheGroupConfig struct {
	Test      string `mapstructure:"test"       yaml:"test"`
	Name      string `mapstructure:"name"       yaml:"name,omitempty"`
	Priority  int    `mapstructure:"priority"   yaml:"priority"`
	Enforce   bool   `mapstructure:"enforce"    yaml:"enforce"`
	MinSize   int    `mapstructure:"min_size"   yaml:"min_size,omitempty"`
	MinChunks int    `mapstructure:"min_chunks" yaml:"min_chunks,omitempty"`
}

type DevServerConfig struct {
	Host        string            `mapstructure:"host"         yaml:"host"`
	Port        int               `mapstructure:"port"         yaml:"port"`
	HTTPS       bool              `mapstructure:"https"        yaml:"https"`
	CertFile    string            `mapstructure:"cert_file"    yaml:"cert_file,omitempty"`
	KeyFile     string            `mapstructure:"key_file"     yaml:"key_file,omitempty"`
	Compress    bool              `mapstructure:"compress"     yaml:"compress"`
	Hot         bool              `mapstructure:"hot"          yaml:"hot"`
	ContentBase string            `mapstructure:"content_base" yaml:"content_base,omitempty"`
	PublicPath  string            `mapstructure:"public_path"  yaml:"public_path,omitempty"`
	Headers     map[string]string `mapstructure:"headers"      yaml:"headers,omitempty"`
	Proxy       map[string]string `mapstructure:"proxy"        yaml:"proxy,omitempty"`
	Debounce    time.Duration     `mapstructure:"debounce"     yaml:"debounce"`
}

// Address returns host:port for the listener.
func (d *DevServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// EntryNames returns the entry names in sorted order.
func (b *BuildDescription) EntryNames() []string {
	names := make([]string, 0, len(b.Entry))
	for name := range b.Entry {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// ResolvePath makes p absolute against the build context.
func (b *BuildDescription) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	return filepath.Join(b.Context, p)
}

// OutputRoot returns the absolute output directory.
func (b *BuildDescription) OutputRoot() string {
	return b.ResolvePath(b.Output.Path)
}

// Development reports whether the description is for a development build.
func (b *BuildDescription) Development() bool {
	return b.Mode == ModeDevelopment
}

// Default output templates.
const (
	DefaultOutputPath    = "dist"
	DefaultFilename      = "static/js/[name].[chunkhash:10].js"
	DefaultCSSFilename   = "static/css/[name].[hash:10].css"
	DefaultAssetFilename = "static/media/[name].[hash:10].[ext]"
)

func applyDefaults(desc *BuildDescription, hotSet bool) {
	if desc.Workers <= 0 {
		desc.Workers = runtime.NumCPU()
	}

	out := &desc.Output
	if out.Path == "" {
		out.Path = DefaultOutputPath
	}
	if out.Filename == "" {
		out.Filename = DefaultFilename
	}
	if out.ChunkFilename == "" {
		out.ChunkFilename = out.Filename
	}
	if out.CSSFilename == "" {
		out.CSSFilename = DefaultCSSFilename
	}
	if out.CSSChunkFilename == "" {
		out.CSSChunkFilename = out.CSSFilename
	}
	if out.AssetFilename == "" {
		out.AssetFilename = DefaultAssetFilename
	}
	if out.PublicPath == "" {
		if desc.Development() {
			out.PublicPath = "./"
		} else {
			out.PublicPath = "/"
		}
	}

	if len(desc.Resolve.Extensions) == 0 {
		desc.Resolve.Extensions = []string{".js", ".json", ".css", ".less"}
	}
	if len(desc.Resolve.Modules) == 0 {
		desc.Resolve.Modules = []string{"src", "node_modules"}
	}

	for key, group := range desc.Optimization.SplitChunks.CacheGroups {
		if group.Name == "" {
			group.Name = key
			desc.Optimization.SplitChunks.CacheGroups[key] = group
		}
	}

	if !desc.Development() {
		desc.DevServer = nil
		return
	}
	if desc.DevServer == nil {
		desc.DevServer = &DevServerConfig{}
	}
	ds := desc.DevServer
	if ds.Host == "" {
		ds.Host = "localhost"
	}
	if ds.Port == 0 {
		ds.Port = 8080
	}
	if !hotSet {
		ds.Hot = true
	}
	if ds.ContentBase == "" {
		ds.ContentBase = out.Path
	}
	if ds.PublicPath == "" {
		ds.PublicPath = "/"
	}
	if !strings.HasSuffix(ds.PublicPath, "/") {
		ds.PublicPath += "/"
	}
	if ds.Debounce <= 0 {
		ds.Debounce = 100 * time.Millisecond
	}
}
