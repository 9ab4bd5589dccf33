package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

func doc(t *testing.T, src string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(src), &m))

	return m
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		override string
		want     string
	}{
		{
			name:     "scalar override wins",
			base:     "output: {path: dist, filename: a.js}",
			override: "output: {filename: b.js}",
			want:     "output: {path: dist, filename: b.js}",
		},
		{
			name:     "lists concatenate with override after base",
			base:     "resolve: {extensions: [.js, .json]}",
			override: "resolve: {extensions: [.jsx]}",
			want:     "resolve: {extensions: [.js, .json, .jsx]}",
		},
		{
			name:     "entries already in base are not repeated",
			base:     "plugins: [{name: html}]",
			override: "plugins: [{name: html}, {name: hmr}]",
			want:     "plugins: [{name: html}, {name: hmr}]",
		},
		{
			name:     "repeats within the override are kept",
			base:     "entry: {app: [src/index.js]}",
			override: "entry: {app: [src/a.js, src/a.js, src/index.js]}",
			want:     "entry: {app: [src/index.js, src/a.js, src/a.js]}",
		},
		{
			name:     "replace directive",
			base:     "resolve: {extensions: [.js, .json]}",
			override: "resolve: {_replace: [extensions], extensions: [.ts]}",
			want:     "resolve: {extensions: [.ts]}",
		},
		{
			name:     "nested objects merge recursively",
			base:     "optimization: {split_chunks: {cache_groups: {vendor: {test: node_modules, priority: 10}}}}",
			override: "optimization: {split_chunks: {cache_groups: {vendor: {enforce: true}, styles: {test: css}}}}",
			want:     "optimization: {split_chunks: {cache_groups: {vendor: {test: node_modules, priority: 10, enforce: true}, styles: {test: css}}}}",
		},
		{
			name:     "entry lists concatenate per name",
			base:     "entry: {app: [src/index.js]}",
			override: "entry: {app: [src/dev.js], admin: [src/admin.js]}",
			want:     "entry: {app: [src/index.js, src/dev.js], admin: [src/admin.js]}",
		},
		{
			name:     "unknown fields merge without shape checks",
			base:     "extra: [1, 2]",
			override: "extra: three",
			want:     "extra: three",
		},
		{
			name:     "empty override",
			base:     "mode: production",
			override: "{}",
			want:     "mode: production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(doc(t, tt.base), doc(t, tt.override))
			require.NoError(t, err)
			assert.Equal(t, normalize(doc(t, tt.want)), got)
		})
	}
}

func TestMerge_ShapeMismatch(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		override string
		path     string
	}{
		{"scalar vs list", "resolve: {extensions: .js}", "resolve: {extensions: [.jsx]}", "resolve.extensions"},
		{"object vs scalar", "output: {path: dist}", "output: build", "output"},
		{"cache group field", "optimization: {split_chunks: {cache_groups: {vendor: {priority: 1}}}}", "optimization: {split_chunks: {cache_groups: {vendor: {priority: [2]}}}}", "optimization.split_chunks.cache_groups.vendor.priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Merge(doc(t, tt.base), doc(t, tt.override))
			require.Error(t, err)

			var mismatch *perrors.ShapeMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tt.path, mismatch.Path)
		})
	}
}

func TestMerge_DoesNotModifyInputs(t *testing.T) {
	base := doc(t, "resolve: {extensions: [.js]}")
	override := doc(t, "resolve: {extensions: [.jsx]}")

	_, err := Merge(base, override)
	require.NoError(t, err)

	assert.Equal(t, []any{".js"}, base["resolve"].(map[string]any)["extensions"])
	assert.Equal(t, []any{".jsx"}, override["resolve"].(map[string]any)["extensions"])
}

func TestMerge_Deterministic(t *testing.T) {
	base := doc(t, "entry: {b: [b.js], a: [a.js]}\nplugins: [{name: clean}]")
	override := doc(t, "entry: {c: [c.js]}\nplugins: [{name: html}]")

	first, err := Merge(base, override)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Merge(base, override)
		require.NoError(t, err)

		a, _ := yaml.Marshal(first)
		b, _ := yaml.Marshal(again)
		assert.Equal(t, string(a), string(b))
	}
}

func TestMerge_Idempotent(t *testing.T) {
	base := doc(t, `
entry: {app: [babel-polyfill, src/js/index.js]}
rules:
  - test: '\.jsx?$'
    use: [{step: exec, options: {command: babel}}]
resolve: {extensions: [.js, .json], alias: {'@': src}}
`)

	got, err := Merge(base, base)
	require.NoError(t, err)
	assert.Equal(t, normalize(base), got)
}
