// Package classify maps filesystem paths to function identities.
//
// Two authoring styles are recognized: a script file directly under the
// source root (name = file stem), and a directory one level below the root
// containing an index file (name = directory name). Deeper nesting never
// yields a function, which keeps name derivation unambiguous.
package classify

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Identity names one deployable function and the entry point it is built from
type Identity struct {
	Name       string
	SourcePath string
}

// scriptExtensions lists the recognized script extensions, in resolution order
var scriptExtensions = []string{".ts", ".mts", ".cts", ".js", ".mjs", ".cjs"}

// IndexFileNames lists the recognized index file names for the
// directory authoring style, in lookup order
var IndexFileNames = []string{"index.ts", "index.mts", "index.cts", "index.js", "index.mjs", "index.cjs"}

// Classifier applies the classification rules and the inclusion policy
// for one configured source tree
type Classifier struct {
	sourceDir string
	initPath  string
	ignore    []string
	only      map[string]struct{}
}

// New creates a Classifier rooted at sourceDir. initPath may be empty.
// Both paths must be absolute.
func New(sourceDir, initPath string, ignore, only []string) *Classifier {
	c := &Classifier{
		sourceDir: filepath.Clean(sourceDir),
		ignore:    ignore,
	}
	if initPath != "" {
		c.initPath = filepath.Clean(initPath)
	}
	if len(only) > 0 {
		c.only = make(map[string]struct{}, len(only))
		for _, name := range only {
			c.only[name] = struct{}{}
		}
	}
	return c
}

// IsInit reports whether path is the configured init module
func (c *Classifier) IsInit(path string) bool {
	return c.initPath != "" && filepath.Clean(path) == c.initPath
}

// Classify maps a path to a function identity. The second return value is
// false when the path does not name a function: the init module, unrecognized
// extensions, the index module itself, and anything nested deeper than one
// directory level all yield none.
func (c *Classifier) Classify(path string) (Identity, bool) {
	path = filepath.Clean(path)
	if c.IsInit(path) {
		return Identity{}, false
	}

	rel, err := filepath.Rel(c.sourceDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Identity{}, false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		// Flat style: a script file directly under the source root.
		base := parts[0]
		if isIndexFile(base) {
			return Identity{}, false
		}
		ext := filepath.Ext(base)
		if !isScriptExtension(ext) {
			return Identity{}, false
		}
		return Identity{Name: strings.TrimSuffix(base, ext), SourcePath: path}, true
	case 2:
		// Directory style: sub/index.ts one level below the root.
		if !isIndexFile(parts[1]) {
			return Identity{}, false
		}
		return Identity{Name: parts[0], SourcePath: path}, true
	default:
		return Identity{}, false
	}
}

// Included applies the inclusion policy: ignore patterns are matched against
// the path relative to the source root, and when an allow-list is configured
// only listed names pass.
func (c *Classifier) Included(id Identity) bool {
	rel, err := filepath.Rel(c.sourceDir, id.SourcePath)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)

	for _, pattern := range c.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}

	if c.only != nil {
		if _, ok := c.only[id.Name]; !ok {
			return false
		}
	}
	return true
}

func isScriptExtension(ext string) bool {
	for _, known := range scriptExtensions {
		if ext == known {
			return true
		}
	}
	return false
}

func isIndexFile(base string) bool {
	for _, known := range IndexFileNames {
		if base == known {
			return true
		}
	}
	return false
}
