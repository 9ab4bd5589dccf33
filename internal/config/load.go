package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// EnvPrefix prefixes every environment variable read by assetpipe.
const EnvPrefix = "ASSETPIPE"

// ProfilesKey holds the per-mode override documents.
const ProfilesKey = "profiles"

// EnvOverridableKeys are the scalar settings that ASSETPIPE_* variables may
// override after the profile merge.
var EnvOverridableKeys = []string{
	"context",
	"workers",
	"output.path",
	"output.public_path",
	"dev_server.host",
	"dev_server.port",
	"dev_server.https",
}

// LoadOptions controls Load.
type LoadOptions struct {
	Mode Mode
	// Overrides are dotted keys applied after the profile merge, typically
	// from command line flags. They win over the environment.
	Overrides map[string]any
}

// EnvKey returns the environment variable consulted for a dotted key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// Load reads the configuration file located by v and produces the effective
// build description for opts.Mode.
func Load(v *viper.Viper, opts LoadOptions) (*BuildDescription, error) {
	file := v.ConfigFileUsed()
	if file == "" {
		return nil, perrors.NewConfigError(perrors.ErrCodeConfigNotFound, "no configuration file found", nil)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeProduction
	}

	root := filepath.Dir(file)
	if err := LoadEnvFiles(root, mode); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, perrors.NewConfigError(perrors.ErrCodeConfigNotFound, "read configuration file", err).WithPath(file)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]any, len(opts.Overrides))
	for _, key := range EnvOverridableKeys {
		if _, ok := os.LookupEnv(EnvKey(key)); !ok {
			continue
		}
		value := v.Get(key)
		if value == nil {
			value = os.Getenv(EnvKey(key))
		}
		overrides[key] = value
	}
	for key, value := range opts.Overrides {
		overrides[key] = value
	}

	return FromDocument(doc, mode, root, overrides)
}

// LoadEnvFiles loads .env.<mode> and .env from root. Variables already in the
// process environment are kept, and .env.<mode> wins over .env.
func LoadEnvFiles(root string, mode Mode) error {
	var files []string
	for _, name := range []string{".env." + string(mode), ".env"} {
		path := filepath.Join(root, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return perrors.NewConfigError(perrors.ErrCodeConfigDecode, "load env files", err)
	}

	return nil
}

// ParseDocument decodes a YAML configuration document.
func ParseDocument(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, perrors.NewConfigError(perrors.ErrCodeConfigDecode, "parse configuration document", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	return doc, nil
}

// SplitProfiles separates the base description from the override for mode.
func SplitProfiles(doc map[string]any, mode Mode) (base, override map[string]any, err error) {
	base = make(map[string]any, len(doc))
	for k, v := range doc {
		if k != ProfilesKey {
			base[k] = v
		}
	}

	raw, ok := doc[ProfilesKey]
	if !ok || raw == nil {
		return base, nil, nil
	}
	profiles := normalize(raw)
	if profiles == nil {
		return nil, nil, &perrors.ShapeMismatchError{Path: ProfilesKey, Base: perrors.ShapeObject, Override: shapeOf(normalizeValue(raw))}
	}

	for _, key := range profileKeys(mode) {
		p, ok := profiles[key]
		if !ok || p == nil {
			continue
		}
		override, ok = p.(map[string]any)
		if !ok {
			return nil, nil, &perrors.ShapeMismatchError{Path: ProfilesKey + "." + key, Base: perrors.ShapeObject, Override: shapeOf(p)}
		}

		break
	}

	return base, override, nil
}

func profileKeys(mode Mode) []string {
	if mode == ModeDevelopment {
		return []string{"development", "dev"}
	}

	return []string{"production", "prod"}
}

// Effective returns the merged document for mode with overrides applied.
func Effective(doc map[string]any, mode Mode, overrides map[string]any) (map[string]any, error) {
	base, override, err := SplitProfiles(doc, mode)
	if err != nil {
		return nil, err
	}
	merged, err := Merge(base, override)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		setPath(merged, k, overrides[k])
	}
	merged["mode"] = string(mode)

	return merged, nil
}

// FromDocument builds the effective description from a parsed document.
// Relative paths in the document are taken from baseDir.
func FromDocument(doc map[string]any, mode Mode, baseDir string, overrides map[string]any) (*BuildDescription, error) {
	if mode == "" {
		mode = ModeProduction
	}
	merged, err := Effective(doc, mode, overrides)
	if err != nil {
		return nil, err
	}

	desc, err := Decode(merged)
	if err != nil {
		return nil, err
	}
	applyDefaults(desc, hasPath(merged, "dev_server.hot"))

	if desc.Context == "" {
		desc.Context = baseDir
	} else if !filepath.IsAbs(desc.Context) {
		desc.Context = filepath.Join(baseDir, desc.Context)
	}
	if abs, err := filepath.Abs(desc.Context); err == nil {
		desc.Context = abs
	}

	if err := validateConfig(desc); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return desc, nil
}

// Decode converts a merged document into a BuildDescription.
func Decode(doc map[string]any) (*BuildDescription, error) {
	var desc BuildDescription
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &desc,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, perrors.NewInternalError(perrors.ErrCodeConfigDecode, "create decoder", err)
	}
	if err := decoder.Decode(doc); err != nil {
		return nil, perrors.NewConfigError(perrors.ErrCodeConfigDecode, "decode build description", err)
	}

	return &desc, nil
}

func setPath(doc map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func hasPath(doc map[string]any, key string) bool {
	parts := strings.Split(key, ".")
	cur := doc
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return false
		}
		if i == len(parts)-1 {
			return true
		}
		if cur, ok = v.(map[string]any); !ok {
			return false
		}
	}

	return false
}
