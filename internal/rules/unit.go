package rules

import (
	"path/filepath"
	"strings"
)

// Kind classifies what a module becomes in the output.
type Kind int

const (
	KindScript Kind = iota
	KindStyle
	KindAsset
	KindHTML
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindStyle:
		return "style"
	case KindAsset:
		return "asset"
	case KindHTML:
		return "html"
	default:
		return "unknown"
	}
}

// Emission asks the emitter to write the module as its own file. The chunk
// receives a stub exporting the file's public URL.
type Emission struct {
	// Name is a file name template such as "[name].[hash:10].[ext]".
	Name string
	// OutputPath is a directory prefix inside the output root.
	OutputPath string
}

// Template returns the full file name template.
func (e *Emission) Template() string {
	if e.OutputPath == "" {
		return e.Name
	}

	return strings.TrimSuffix(e.OutputPath, "/") + "/" + e.Name
}

// Unit is the value flowing through a chain.
type Unit struct {
	Path    string
	Content []byte
	Kind    Kind
	Emit    *Emission
	// DataURI is set when the module was inlined; stylesheets referencing it
	// embed the URI directly.
	DataURI string
}

// KindForPath guesses the kind of an untransformed file from its extension.
func KindForPath(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx", ".json":
		return KindScript
	case ".css", ".less", ".scss", ".sass":
		return KindStyle
	case ".html", ".htm":
		return KindHTML
	default:
		return KindAsset
	}
}
