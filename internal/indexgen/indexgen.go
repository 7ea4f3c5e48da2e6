// Package indexgen renders the aggregate re-export module.
package indexgen

import (
	"fmt"
	"strings"

	"github.com/fnforge/fnforge/internal/registry"
)

// Options selects the optional lines around the per-function re-exports
type Options struct {
	// InitModule adds a side-effect import of the compiled init module.
	InitModule bool
	// ServerRender appends a re-export of the renderer module produced by
	// the active framework preset.
	ServerRender bool
}

// Render produces the index module source for the given function set.
// Output is byte-identical for identical (set, options): the text feeds an
// incremental build unit and must never cause spurious rebuild churn.
func Render(set registry.FunctionSet, opts Options) string {
	var b strings.Builder

	if opts.InitModule {
		b.WriteString("import \"./init.cjs\";\n")
	}

	for _, fn := range set {
		fmt.Fprintf(&b, "export { default as %s } from \"./%s.cjs\";\n", fn.Name, fn.Name)
	}

	if opts.ServerRender {
		b.WriteString("export * from \"./renderer.cjs\";\n")
	}

	return b.String()
}
