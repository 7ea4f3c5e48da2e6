// Package registry enumerates the function-source directory and yields the
// authoritative function set.
package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/fnforge/fnforge/internal/classify"
)

// FunctionSet is an ordered sequence of function identities.
// Order is discovery order: the lexical directory-listing order of os.ReadDir.
type FunctionSet []classify.Identity

// Names returns the function names in set order
func (s FunctionSet) Names() []string {
	names := make([]string, len(s))
	for i, fn := range s {
		names[i] = fn.Name
	}
	return names
}

// ConflictError reports two source paths that classify to the same function
// name within one snapshot. Shadowing one of them silently is never allowed.
type ConflictError struct {
	Name       string
	FirstPath  string
	SecondPath string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("function name %q is claimed by both %s and %s", e.Name, e.FirstPath, e.SecondPath)
}

// Registry discovers functions under one source directory
type Registry struct {
	sourceDir  string
	classifier *classify.Classifier
}

// New creates a Registry over sourceDir using the given classifier
func New(sourceDir string, classifier *classify.Classifier) *Registry {
	return &Registry{
		sourceDir:  filepath.Clean(sourceDir),
		classifier: classifier,
	}
}

// Discover re-reads the filesystem and returns the current function set.
// A candidate that cannot be read is logged and skipped; the scan continues.
// Two candidates collapsing to one name abort discovery with a ConflictError.
func (r *Registry) Discover() (FunctionSet, error) {
	entries, err := os.ReadDir(r.sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory %s: %w", r.sourceDir, err)
	}

	var set FunctionSet
	claimed := make(map[string]string)

	for _, entry := range entries {
		path := filepath.Join(r.sourceDir, entry.Name())

		if entry.IsDir() {
			indexPath, err := r.findIndexFile(path)
			if err != nil {
				log.Warn().Err(err).Str("dir", path).Msg("Skipping unreadable function directory")
				continue
			}
			if indexPath == "" {
				continue
			}
			path = indexPath
		}

		id, ok := r.classifier.Classify(path)
		if !ok || !r.classifier.Included(id) {
			continue
		}

		if prev, taken := claimed[id.Name]; taken {
			return nil, &ConflictError{Name: id.Name, FirstPath: prev, SecondPath: id.SourcePath}
		}
		claimed[id.Name] = id.SourcePath
		set = append(set, id)
	}

	return set, nil
}

// findIndexFile looks one level inside dir for a recognized index file,
// trying names in lookup order so the result is deterministic
func (r *Registry) findIndexFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			present[entry.Name()] = true
		}
	}

	for _, name := range classify.IndexFileNames {
		if present[name] {
			return filepath.Join(dir, name), nil
		}
	}
	return "", nil
}
