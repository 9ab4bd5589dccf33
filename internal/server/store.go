package server

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/assetpipe/internal/emit"
)

// ArtifactStore holds the artifact set being served. Replace swaps the whole
// set at once so a request never sees a mix of two builds.
type ArtifactStore struct {
	mu        sync.RWMutex
	byName    map[string]emit.Artifact
	buildHash string
	updated   time.Time
}

// NewArtifactStore returns an empty store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{byName: map[string]emit.Artifact{}}
}

// Replace installs artifacts as the current set.
func (s *ArtifactStore) Replace(artifacts []emit.Artifact, buildHash string) {
	byName := emit.ByFileName(artifacts)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName = byName
	s.buildHash = buildHash
	s.updated = time.Now()
}

// Lookup returns the artifact served at the output-relative name. A
// directory name falls back to its index.html.
func (s *ArtifactStore) Lookup(name string) (emit.Artifact, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")

	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.byName[name]; ok && name != "" {
		return a, true
	}
	a, ok := s.byName[path.Join(name, "index.html")]

	return a, ok
}

// Len returns the number of artifacts.
func (s *ArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.byName)
}

// BuildHash returns the hash of the current set.
func (s *ArtifactStore) BuildHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.buildHash
}

// Updated returns when the set was last replaced.
func (s *ArtifactStore) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.updated
}

// FileNames returns the served names in sorted order.
func (s *ArtifactStore) FileNames() []string {
	s.mu.RLock()
	artifacts := make([]emit.Artifact, 0, len(s.byName))
	for _, a := range s.byName {
		artifacts = append(artifacts, a)
	}
	s.mu.RUnlock()

	return emit.FileNames(artifacts)
}
