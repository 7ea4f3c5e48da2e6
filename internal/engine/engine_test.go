package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnforge/fnforge/internal/build"
	"github.com/fnforge/fnforge/internal/classify"
	"github.com/fnforge/fnforge/internal/config"
	"github.com/fnforge/fnforge/internal/registry"
	"github.com/fnforge/fnforge/internal/watch"
)

type fixture struct {
	cfg     *config.Config
	manager *build.Manager
	engine  *Engine
	srcDir  string
	outDir  string
}

func newFixture(t *testing.T, initModule string) *fixture {
	t.Helper()
	work := t.TempDir()

	cfg := &config.Config{
		WorkDir: work,
		Functions: config.FunctionsConfig{
			SourceDir:  "src",
			OutputDir:  "out",
			InitModule: initModule,
		},
		Runtime: config.RuntimeConfig{NodeVersion: "18"},
	}
	require.NoError(t, os.MkdirAll(cfg.AbsSourceDir(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.AbsOutputDir(), 0o755))

	manager := build.NewManager(build.Settings{
		OutputDir:   cfg.AbsOutputDir(),
		NodeVersion: cfg.Runtime.NodeVersion,
	})
	t.Cleanup(manager.DisposeAll)

	return &fixture{
		cfg:     cfg,
		manager: manager,
		engine:  New(cfg, manager),
		srcDir:  cfg.AbsSourceDir(),
		outDir:  cfg.AbsOutputDir(),
	}
}

func (f *fixture) writeFunction(t *testing.T, name, content string) classify.Identity {
	t.Helper()
	path := filepath.Join(f.srcDir, name+".ts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return classify.Identity{Name: name, SourcePath: path}
}

// run feeds the messages and blocks until the engine drains
func (f *fixture) run(t *testing.T, msgs ...watch.Message) {
	t.Helper()
	ch := make(chan watch.Message, len(msgs))
	for _, msg := range msgs {
		ch <- msg
	}
	close(ch)
	f.engine.Run(ch)
}

func (f *fixture) output(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.outDir, name))
	require.NoError(t, err)
	return string(data)
}

func TestInitialBuildsFunctionsAndIndex(t *testing.T) {
	f := newFixture(t, "")
	hello := f.writeFunction(t, "hello", `export default () => "hello"`)
	greet := f.writeFunction(t, "greet", `export default () => "greet"`)

	f.run(t, watch.Message{Type: watch.Initial, Set: registry.FunctionSet{greet, hello}})

	assert.Equal(t, []string{"greet", "hello"}, f.engine.Functions())
	assert.FileExists(t, filepath.Join(f.outDir, "hello.cjs"))
	assert.FileExists(t, filepath.Join(f.outDir, "greet.cjs"))

	index := f.output(t, "index.cjs")
	assert.Contains(t, index, `"./greet.cjs"`)
	assert.Contains(t, index, `"./hello.cjs"`)
}

func TestAddFunction(t *testing.T) {
	f := newFixture(t, "")
	greet := f.writeFunction(t, "greet", `export default () => "greet"`)

	f.run(t,
		watch.Message{Type: watch.Initial},
		watch.Message{Type: watch.FunctionEvent, Kind: watch.Add, Identity: greet},
	)

	assert.Equal(t, []string{"greet"}, f.engine.Functions())
	assert.FileExists(t, filepath.Join(f.outDir, "greet.cjs"))
	assert.Contains(t, f.output(t, "index.cjs"), `"./greet.cjs"`)
}

func TestRemoveFunction(t *testing.T) {
	f := newFixture(t, "")
	hello := f.writeFunction(t, "hello", `export default () => "hello"`)

	f.run(t,
		watch.Message{Type: watch.Initial, Set: registry.FunctionSet{hello}},
		watch.Message{Type: watch.FunctionEvent, Kind: watch.Remove, Identity: hello},
	)

	assert.Empty(t, f.engine.Functions())
	assert.NotContains(t, f.output(t, "index.cjs"), `"./hello.cjs"`)
}

func TestRemoveIgnoresInactivePath(t *testing.T) {
	f := newFixture(t, "")
	hello := f.writeFunction(t, "hello", `export default () => "hello"`)
	other := classify.Identity{Name: "hello", SourcePath: filepath.Join(f.srcDir, "hello", "index.ts")}

	f.run(t,
		watch.Message{Type: watch.Initial, Set: registry.FunctionSet{hello}},
		watch.Message{Type: watch.FunctionEvent, Kind: watch.Remove, Identity: other},
	)

	// Removing a path that never claimed the name leaves the function alone.
	assert.Equal(t, []string{"hello"}, f.engine.Functions())
}

func TestConflictingAddDropped(t *testing.T) {
	f := newFixture(t, "")
	hello := f.writeFunction(t, "hello", `export default () => "hello"`)
	rival := classify.Identity{Name: "hello", SourcePath: filepath.Join(f.srcDir, "hello", "index.ts")}

	f.run(t,
		watch.Message{Type: watch.Initial, Set: registry.FunctionSet{hello}},
		watch.Message{Type: watch.FunctionEvent, Kind: watch.Add, Identity: rival},
	)

	assert.Equal(t, []string{"hello"}, f.engine.Functions())
	compiled := f.output(t, "hello.cjs")
	assert.Contains(t, compiled, "hello")
}

func TestReservedNameInInitialSetRefused(t *testing.T) {
	f := newFixture(t, "")
	hello := f.writeFunction(t, "hello", `export default () => "hello"`)

	roguePath := filepath.Join(f.srcDir, "index", "index.ts")
	require.NoError(t, os.MkdirAll(filepath.Dir(roguePath), 0o755))
	require.NoError(t, os.WriteFile(roguePath, []byte(`export default () => "rogue_function_body"`), 0o644))
	rogue := classify.Identity{Name: "index", SourcePath: roguePath}

	f.run(t, watch.Message{Type: watch.Initial, Set: registry.FunctionSet{hello, rogue}})

	// The rogue entry never claims the index unit: the aggregate module
	// re-exports hello, requires no sibling named index, and carries none
	// of the rogue body.
	assert.Equal(t, []string{"hello"}, f.engine.Functions())
	index := f.output(t, "index.cjs")
	assert.Contains(t, index, `"./hello.cjs"`)
	assert.NotContains(t, index, `"./index.cjs"`)
	assert.NotContains(t, index, "rogue_function_body")
}

func TestReservedNameRefused(t *testing.T) {
	f := newFixture(t, "")
	for _, name := range []string{"index", "init", "renderer"} {
		id := f.writeFunction(t, name, `export default () => {}`)
		f.run(t, watch.Message{Type: watch.FunctionEvent, Kind: watch.Add, Identity: id})
	}
	assert.Empty(t, f.engine.Functions())
}

func TestChangeOfUnknownFunctionIsAnAdd(t *testing.T) {
	f := newFixture(t, "")
	greet := f.writeFunction(t, "greet", `export default () => "greet"`)

	f.run(t,
		watch.Message{Type: watch.Initial},
		watch.Message{Type: watch.FunctionEvent, Kind: watch.Change, Identity: greet},
	)

	assert.Equal(t, []string{"greet"}, f.engine.Functions())
	assert.FileExists(t, filepath.Join(f.outDir, "greet.cjs"))
}

func TestChangeRebuilds(t *testing.T) {
	f := newFixture(t, "")
	hello := f.writeFunction(t, "hello", `export default () => "before"`)

	f.run(t, watch.Message{Type: watch.Initial, Set: registry.FunctionSet{hello}})
	assert.Contains(t, f.output(t, "hello.cjs"), "before")

	f.writeFunction(t, "hello", `export default () => "after"`)
	f.run(t, watch.Message{Type: watch.FunctionEvent, Kind: watch.Change, Identity: hello})

	compiled := f.output(t, "hello.cjs")
	assert.Contains(t, compiled, "after")
	assert.NotContains(t, compiled, "before")
}

func TestBrokenChangeKeepsLastGoodOutput(t *testing.T) {
	f := newFixture(t, "")
	hello := f.writeFunction(t, "hello", `export default () => "good"`)

	f.run(t, watch.Message{Type: watch.Initial, Set: registry.FunctionSet{hello}})

	f.writeFunction(t, "hello", `export default ( { broken`)
	f.run(t, watch.Message{Type: watch.FunctionEvent, Kind: watch.Change, Identity: hello})

	// The failed rebuild reported its error; the compiled module on disk is
	// still the last good one and the function stays tracked.
	assert.Contains(t, f.output(t, "hello.cjs"), "good")
	assert.Equal(t, []string{"hello"}, f.engine.Functions())
}

func TestInitModuleBuildsAndJoinsIndex(t *testing.T) {
	f := newFixture(t, filepath.Join("src", "init.ts"))
	require.NoError(t, os.WriteFile(filepath.Join(f.srcDir, "init.ts"), []byte(`console.log("boot")`), 0o644))
	hello := f.writeFunction(t, "hello", `export default () => "hello"`)

	f.run(t, watch.Message{Type: watch.Initial, Set: registry.FunctionSet{hello}})

	assert.FileExists(t, filepath.Join(f.outDir, "init.cjs"))
	index := f.output(t, "index.cjs")
	assert.Contains(t, index, `"./init.cjs"`)
	assert.Contains(t, index, `"./hello.cjs"`)
}

func TestInitModuleRemoval(t *testing.T) {
	f := newFixture(t, filepath.Join("src", "init.ts"))
	require.NoError(t, os.WriteFile(filepath.Join(f.srcDir, "init.ts"), []byte(`console.log("boot")`), 0o644))

	f.run(t,
		watch.Message{Type: watch.Initial},
		watch.Message{Type: watch.InitEvent, Kind: watch.Remove},
	)

	assert.NotContains(t, f.output(t, "index.cjs"), `"./init.cjs"`)
}
