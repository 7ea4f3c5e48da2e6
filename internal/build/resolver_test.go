package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
)

func TestPackageName(t *testing.T) {
	tests := []struct {
		spec string
		want string
	}{
		{"lodash", "lodash"},
		{"lodash/fp", "lodash"},
		{"@scope/pkg", "@scope/pkg"},
		{"@scope/pkg/deep/path", "@scope/pkg"},
		{"@broken", ""},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			if got := packageName(tt.spec); got != tt.want {
				t.Errorf("packageName(%q) = %q, want %q", tt.spec, got, tt.want)
			}
		})
	}
}

func TestIsBuiltin(t *testing.T) {
	tests := []struct {
		spec string
		want bool
	}{
		{"fs", true},
		{"path", true},
		{"node:fs", true},
		{"node:anything", true},
		{"lodash", false},
		{"./fs", false},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			if got := isBuiltin(tt.spec); got != tt.want {
				t.Errorf("isBuiltin(%q) = %v, want %v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("export {}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("exact.ts")
	mustWrite("helper.ts")
	mustWrite("lib/index.ts")
	mustWrite("dual.js")
	mustWrite("dual.ts")

	r := NewResolver()

	tests := []struct {
		name string
		base string
		want string
		ok   bool
	}{
		{"exact path with extension", filepath.Join(dir, "exact.ts"), filepath.Join(dir, "exact.ts"), true},
		{"extension appended", filepath.Join(dir, "helper"), filepath.Join(dir, "helper.ts"), true},
		{"directory index", filepath.Join(dir, "lib"), filepath.Join(dir, "lib", "index.ts"), true},
		{"extension order prefers ts", filepath.Join(dir, "dual"), filepath.Join(dir, "dual.ts"), true},
		{"missing", filepath.Join(dir, "nope"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.resolveFile(tt.base)
			if ok != tt.ok {
				t.Fatalf("resolveFile(%q) ok = %v, want %v", tt.base, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("resolveFile(%q) = %q, want %q", tt.base, got, tt.want)
			}
		})
	}
}

func TestFindPackage(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "project", "functions", "hello")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	pkgDir := filepath.Join(root, "project", "node_modules", "lodash")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	scopedDir := filepath.Join(root, "project", "node_modules", "@scope", "pkg")
	if err := os.MkdirAll(scopedDir, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()

	if !r.findPackage("lodash", nested) {
		t.Error("findPackage(lodash) = false, want true via walk-up")
	}
	if !r.findPackage("lodash/fp", nested) {
		t.Error("findPackage(lodash/fp) = false, want true")
	}
	if !r.findPackage("@scope/pkg/util", nested) {
		t.Error("findPackage(@scope/pkg/util) = false, want true")
	}
	if r.findPackage("missing-pkg", nested) {
		t.Error("findPackage(missing-pkg) = true, want false")
	}
}

func TestStatCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.ts")
	if err := os.WriteFile(path, []byte("export {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	if !r.isFile(path) {
		t.Fatal("isFile = false for an existing file")
	}

	// Within one build attempt the cache pins the first answer.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if !r.isFile(path) {
		t.Error("isFile = false after removal, want the cached true")
	}

	// Invalidate drops the pin; the next stat sees the filesystem.
	r.Invalidate()
	if r.isFile(path) {
		t.Error("isFile = true after Invalidate, want a fresh miss")
	}

	// A path can be a file or a directory, never both.
	if r.isDir(path) {
		t.Error("isDir = true for a file path")
	}
}

func TestUnderNodeModules(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/p/node_modules/lodash/index.js", true},
		{"/p/node_modules/@scope/pkg/util.ts", true},
		{"/p/src/hello.ts", false},
		{"/p/node_modules_backup/x.ts", false},
		{"node_modules/x.ts", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := underNodeModules(tt.path); got != tt.want {
				t.Errorf("underNodeModules(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestRelativeImportIntoNodeModulesStaysExternal(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "node_modules", "lib", "util.ts")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("export {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	res, err := r.resolve(api.OnResolveArgs{
		Path:       "./node_modules/lib/util",
		ResolveDir: dir,
		Kind:       api.ResolveJSImportStatement,
	}, nil)
	if err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	if !res.External {
		t.Error("resolved path under node_modules not marked external")
	}
	if res.Path != "./node_modules/lib/util" {
		t.Errorf("external path = %q, want the original specifier", res.Path)
	}
}
