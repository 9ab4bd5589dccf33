package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/validation"
)

// MaxHashLength is the longest hash segment a template may request.
const MaxHashLength = 16

// PlaceholderPattern matches template tokens such as [name] or [hash:10].
var PlaceholderPattern = regexp.MustCompile(`\[([a-z]+)(?::(\d+))?\]`)

var knownPlaceholders = map[string]bool{
	"name":        true,
	"ext":         true,
	"hash":        true,
	"chunkhash":   true,
	"contenthash": true,
}

var dangerousChars = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}

// validateConfig validates configuration values for security and correctness
func validateConfig(desc *BuildDescription) error {
	if err := validateEntries(desc.Entry); err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	if err := validateOutputConfig(&desc.Output); err != nil {
		return fmt.Errorf("output config: %w", err)
	}
	for i := range desc.Rules {
		if err := validateRule(&desc.Rules[i]); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	for i, p := range desc.Plugins {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("plugins[%d]: %w", i, perrors.NewValidationError(perrors.ErrCodeInvalidValue, "plugin name is empty"))
		}
	}
	if err := validateOptimization(&desc.Optimization); err != nil {
		return fmt.Errorf("optimization: %w", err)
	}
	if desc.DevServer != nil {
		if err := validateDevServerConfig(desc.DevServer); err != nil {
			return fmt.Errorf("dev server config: %w", err)
		}
	}

	return nil
}

func validateEntries(entries map[string][]string) error {
	if len(entries) == 0 {
		return perrors.NewValidationError(perrors.ErrCodeInvalidValue, "at least one entry is required")
	}
	for name, specs := range entries {
		if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
			return perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("invalid entry name %q", name))
		}
		if len(specs) == 0 {
			return perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("entry %q has no modules", name))
		}
	}

	return nil
}

func validateOutputConfig(out *OutputConfig) error {
	if err := validatePath(out.Path); err != nil {
		return fmt.Errorf("invalid output path '%s': %w", out.Path, err)
	}
	templates := map[string]string{
		"filename":           out.Filename,
		"chunk_filename":     out.ChunkFilename,
		"css_filename":       out.CSSFilename,
		"css_chunk_filename": out.CSSChunkFilename,
		"asset_filename":     out.AssetFilename,
	}
	for field, tmpl := range templates {
		if err := ValidateTemplate(tmpl); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	return nil
}

// ValidateTemplate checks that a file name template only uses known
// placeholders and hash lengths within range.
func ValidateTemplate(tmpl string) error {
	if tmpl == "" {
		return perrors.NewValidationError(perrors.ErrCodeInvalidValue, "empty file name template")
	}
	if strings.Contains(tmpl, "..") || filepath.IsAbs(tmpl) {
		return perrors.NewValidationError(perrors.ErrCodeInvalidPath, fmt.Sprintf("template %q escapes the output directory", tmpl))
	}
	for _, m := range PlaceholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !knownPlaceholders[m[1]] {
			return perrors.NewValidationError(perrors.ErrCodeInvalidPattern, fmt.Sprintf("unknown placeholder %s", m[0]))
		}
		if m[2] == "" {
			continue
		}
		if m[1] == "name" || m[1] == "ext" {
			return perrors.NewValidationError(perrors.ErrCodeInvalidPattern, fmt.Sprintf("placeholder %s does not take a length", m[0]))
		}
		n, _ := strconv.Atoi(m[2])
		if n < 1 || n > MaxHashLength {
			return perrors.NewValidationError(perrors.ErrCodeInvalidPattern, fmt.Sprintf("hash length in %s must be between 1 and %d", m[0], MaxHashLength))
		}
	}

	return nil
}

func validateRule(rule *RuleConfig) error {
	if rule.Test == "" {
		return perrors.NewValidationError(perrors.ErrCodeInvalidPattern, "rule test is empty")
	}
	if _, err := regexp.Compile(rule.Test); err != nil {
		return perrors.NewConfigError(perrors.ErrCodeInvalidPattern, "rule test does not compile", err)
	}
	if len(rule.Use) == 0 {
		return perrors.NewValidationError(perrors.ErrCodeInvalidValue, "rule has no steps")
	}
	for i, step := range rule.Use {
		if strings.TrimSpace(step.Step) == "" {
			return perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("use[%d] has no step name", i))
		}
	}

	return nil
}

func validateOptimization(opt *OptimizationConfig) error {
	for key, group := range opt.SplitChunks.CacheGroups {
		if group.Test == "" {
			return perrors.NewValidationError(perrors.ErrCodeInvalidPattern, fmt.Sprintf("cache group %q has no test", key))
		}
		if _, err := regexp.Compile(group.Test); err != nil {
			return perrors.NewConfigError(perrors.ErrCodeInvalidPattern, fmt.Sprintf("cache group %q test does not compile", key), err)
		}
		if group.MinSize < 0 || group.MinChunks < 0 {
			return perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("cache group %q has negative thresholds", key))
		}
	}

	return nil
}

// validateDevServerConfig validates dev server configuration values
func validateDevServerConfig(ds *DevServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if ds.Port < 0 || ds.Port > 65535 {
		return perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("port %d is not in valid range 0-65535", ds.Port))
	}

	if strings.TrimSpace(ds.Host) == "" || strings.ContainsAny(ds.Host, " \t\r\n") {
		return perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("invalid host %q", ds.Host))
	}
	for _, char := range dangerousChars {
		if strings.Contains(ds.Host, char) {
			return perrors.NewValidationError(perrors.ErrCodeInvalidValue, "host contains dangerous character: "+char)
		}
	}

	if ds.HTTPS && (ds.CertFile == "" || ds.KeyFile == "") {
		return perrors.NewValidationError(perrors.ErrCodeInvalidValue, "https requires cert_file and key_file")
	}

	for prefix, target := range ds.Proxy {
		if !strings.HasPrefix(prefix, "/") {
			return perrors.NewValidationError(perrors.ErrCodeInvalidValue, fmt.Sprintf("proxy prefix %q must start with /", prefix))
		}
		if err := validation.ValidateURL(target); err != nil {
			return perrors.NewConfigError(perrors.ErrCodeInvalidValue, fmt.Sprintf("proxy target for %s", prefix), err)
		}
	}

	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return perrors.NewValidationError(perrors.ErrCodeInvalidPath, "empty path")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return perrors.NewValidationError(perrors.ErrCodeInvalidPath, "path contains traversal: "+path)
	}

	for _, char := range dangerousChars[:len(dangerousChars)-1] {
		if strings.Contains(cleanPath, char) {
			return perrors.NewValidationError(perrors.ErrCodeInvalidPath, "path contains dangerous character: "+char)
		}
	}

	return nil
}
