package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/emit"
	"github.com/conneroisu/assetpipe/internal/plugins"
)

// ManifestEntry describes one emitted file.
type ManifestEntry struct {
	File      string `json:"file"`
	Integrity string `json:"integrity"`
	Kind      string `json:"kind"`
}

// ManifestPlugin writes a JSON map from logical names to emitted files.
type ManifestPlugin struct {
	filename string
}

// NewManifestPlugin creates the plugin. Options: filename.
func NewManifestPlugin(opts config.Options) (plugins.Plugin, error) {
	return &ManifestPlugin{filename: opts.String("filename", "manifest.json")}, nil
}

func (p *ManifestPlugin) Name() string { return "manifest" }

func (p *ManifestPlugin) Points() []plugins.Point {
	return []plugins.Point{plugins.PointPostEmit}
}

func (p *ManifestPlugin) Apply(_ context.Context, _ plugins.Point, hc *plugins.HookContext) error {
	manifest := make(map[string]ManifestEntry)
	for _, a := range hc.Artifacts() {
		manifest[LogicalName(a)] = ManifestEntry{
			File:      a.FileName,
			Integrity: Integrity(a.Content),
			Kind:      a.Kind.String(),
		}
	}

	content, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	return hc.Emit(emit.NewArtifact(p.filename, emit.KindData, p.filename, append(content, '\n')))
}

// LogicalName is the manifest key of an artifact: chunk name plus
// extension for chunk files, the artifact name otherwise.
func LogicalName(a emit.Artifact) string {
	if a.Chunk == "" {
		return a.Name
	}

	return a.Chunk + path.Ext(a.FileName)
}

// Integrity returns a subresource integrity string for content.
func Integrity(content []byte) string {
	sum := sha256.Sum256(content)

	return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
}
