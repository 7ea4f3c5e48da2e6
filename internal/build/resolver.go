package build

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/evanw/esbuild/pkg/api"
)

// nodeBuiltins lists the platform modules supplied by the runtime. Imports of
// these are marked external and left unresolved.
var nodeBuiltins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"timers": true, "tls": true, "trace_events": true, "tty": true, "url": true,
	"util": true, "v8": true, "vm": true, "worker_threads": true, "zlib": true,
}

// resolveExtensions is the fixed order tried when a relative specifier names
// no existing file directly
var resolveExtensions = []string{".ts", ".mts", ".cts", ".js", ".mjs", ".cjs", ".json"}

// Resolver maps import specifiers to resolved paths for the bundler.
// Platform builtins and anything living under a node_modules directory are
// externalized; the runtime supplies them. Stat results are cached per build
// attempt and dropped between them.
type Resolver struct {
	mu    sync.Mutex
	stats map[string]bool
}

// NewResolver creates a Resolver with an empty stat cache
func NewResolver() *Resolver {
	return &Resolver{stats: make(map[string]bool)}
}

// Invalidate drops every cached stat result. Called before each build so a
// file created since the last attempt is seen by the next resolution.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.stats = make(map[string]bool)
	r.mu.Unlock()
}

// Plugin returns the esbuild plugin for one build unit. externals are glob
// patterns for specifiers that are always left external, e.g. the compiled
// function modules referenced by the generated index.
func (r *Resolver) Plugin(externals []string) api.Plugin {
	return api.Plugin{
		Name: "fnforge-resolve",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return r.resolve(args, externals)
				})
		},
	}
}

func (r *Resolver) resolve(args api.OnResolveArgs, externals []string) (api.OnResolveResult, error) {
	// Entry points go through esbuild's own resolution.
	if args.Kind == api.ResolveEntryPoint {
		return api.OnResolveResult{}, nil
	}

	spec := args.Path

	for _, pattern := range externals {
		if ok, _ := doublestar.Match(pattern, spec); ok {
			return api.OnResolveResult{Path: spec, External: true}, nil
		}
	}

	if isBuiltin(spec) {
		return api.OnResolveResult{Path: spec, External: true}, nil
	}

	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || filepath.IsAbs(spec) {
		base := spec
		if !filepath.IsAbs(base) {
			base = filepath.Join(args.ResolveDir, spec)
		}
		resolved, ok := r.resolveFile(base)
		if !ok {
			return api.OnResolveResult{}, &ResolveError{Specifier: spec, ResolveDir: args.ResolveDir}
		}
		if underNodeModules(resolved) {
			return api.OnResolveResult{Path: spec, External: true}, nil
		}
		return api.OnResolveResult{Path: resolved}, nil
	}

	// Bare specifier: a third-party package the runtime installs. Confirm it
	// exists somewhere up the tree, then leave it unbundled.
	if r.findPackage(spec, args.ResolveDir) {
		return api.OnResolveResult{Path: spec, External: true}, nil
	}

	return api.OnResolveResult{}, &ResolveError{Specifier: spec, ResolveDir: args.ResolveDir}
}

// resolveFile tries base as-is, then with each extension, then as a
// directory containing an index file
func (r *Resolver) resolveFile(base string) (string, bool) {
	if filepath.Ext(base) != "" && r.isFile(base) {
		return base, true
	}
	for _, ext := range resolveExtensions {
		if candidate := base + ext; r.isFile(candidate) {
			return candidate, true
		}
	}
	for _, ext := range resolveExtensions {
		if candidate := filepath.Join(base, "index"+ext); r.isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// findPackage walks up from dir looking for node_modules/<package>
func (r *Resolver) findPackage(spec, dir string) bool {
	name := packageName(spec)
	if name == "" {
		return false
	}
	for {
		if r.isDir(filepath.Join(dir, "node_modules", name)) {
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

func (r *Resolver) isFile(path string) bool {
	return r.stat(path, false)
}

func (r *Resolver) isDir(path string) bool {
	return r.stat(path, true)
}

func (r *Resolver) stat(path string, wantDir bool) bool {
	key := path
	if wantDir {
		key = path + string(os.PathSeparator)
	}

	r.mu.Lock()
	hit, cached := r.stats[key]
	r.mu.Unlock()
	if cached {
		return hit
	}

	info, err := os.Stat(path)
	ok := err == nil && info.IsDir() == wantDir

	r.mu.Lock()
	r.stats[key] = ok
	r.mu.Unlock()
	return ok
}

// underNodeModules reports whether any component of path is a node_modules
// directory. Such files belong to an installed package the runtime supplies.
func underNodeModules(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "node_modules" {
			return true
		}
	}
	return false
}

func isBuiltin(spec string) bool {
	if strings.HasPrefix(spec, "node:") {
		return true
	}
	return nodeBuiltins[spec]
}

// packageName extracts the package portion of a bare specifier,
// keeping both segments of a scoped package
func packageName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
