// Package emit turns optimized chunks into named artifacts and writes them
// to the output directory.
package emit

import "sort"

// ArtifactKind classifies an artifact for serving and HTML injection.
type ArtifactKind int

const (
	KindScript ArtifactKind = iota
	KindStylesheet
	KindHTML
	KindMedia
	KindData
)

func (k ArtifactKind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindStylesheet:
		return "stylesheet"
	case KindHTML:
		return "html"
	case KindMedia:
		return "media"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Artifact is one named output file.
type Artifact struct {
	// Name is the logical name: a chunk name or a module ID.
	Name string
	// Chunk is the originating chunk, empty for standalone files.
	Chunk    string
	Kind     ArtifactKind
	FileName string
	Content  []byte
	Hash     string
	// Hashed is set when FileName embeds Hash.
	Hashed bool
	// Plugin names the plugin that appended the artifact.
	Plugin string
}

// Clone returns a deep copy.
func (a Artifact) Clone() Artifact {
	a.Content = append([]byte(nil), a.Content...)

	return a
}

// NewArtifact builds an artifact with its content hash filled in.
func NewArtifact(name string, kind ArtifactKind, fileName string, content []byte) Artifact {
	return Artifact{
		Name:     name,
		Kind:     kind,
		FileName: fileName,
		Content:  content,
		Hash:     ContentHash(content),
	}
}

// ByFileName indexes artifacts by file name.
func ByFileName(artifacts []Artifact) map[string]Artifact {
	out := make(map[string]Artifact, len(artifacts))
	for _, a := range artifacts {
		out[a.FileName] = a
	}

	return out
}

// FileNames returns the sorted file names.
func FileNames(artifacts []Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.FileName)
	}
	sort.Strings(out)

	return out
}
