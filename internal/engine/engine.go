// Package engine drives the build core: it owns the live function set,
// reacts to watch messages, and keeps one compiled artifact per function
// plus an always-consistent index module on disk.
package engine

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fnforge/fnforge/internal/build"
	"github.com/fnforge/fnforge/internal/classify"
	"github.com/fnforge/fnforge/internal/config"
	"github.com/fnforge/fnforge/internal/indexgen"
	"github.com/fnforge/fnforge/internal/registry"
	"github.com/fnforge/fnforge/internal/watch"
)

// initUnit and indexUnit are the reserved build unit names; a function can
// never claim them
const (
	initUnit  = "init"
	indexUnit = "index"
)

var reservedNames = map[string]bool{
	initUnit:   true,
	indexUnit:  true,
	"renderer": true,
}

// Engine consumes router messages and drives the build unit manager and the
// index generator.
//
// Regeneration policy: the index is regenerated once per raw set-changing
// event. An unlink immediately followed by an add regenerates twice; Render
// is deterministic, so the intermediate state is consistent and the second
// rebuild is cheap.
type Engine struct {
	manager      *build.Manager
	outputDir    string
	initPath     string
	serverRender bool

	set      registry.FunctionSet
	paths    map[string]string
	initLive bool

	builds sync.WaitGroup
}

// New creates an Engine writing through manager per cfg
func New(cfg *config.Config, manager *build.Manager) *Engine {
	return &Engine{
		manager:      manager,
		outputDir:    cfg.AbsOutputDir(),
		initPath:     cfg.AbsInitModule(),
		serverRender: cfg.Functions.ServerRender,
		paths:        make(map[string]string),
	}
}

// Run consumes messages until the channel closes, then waits for in-flight
// builds. Build failures are reported and isolated to their unit; only the
// message source ending stops the loop.
func (e *Engine) Run(messages <-chan watch.Message) {
	for msg := range messages {
		switch msg.Type {
		case watch.Initial:
			e.handleInitial(msg.Set)
		case watch.FunctionEvent:
			e.handleFunction(msg.Kind, msg.Identity)
		case watch.InitEvent:
			e.handleInit(msg.Kind)
		}
	}
	e.builds.Wait()
}

// Functions returns the names of the currently tracked functions in set order
func (e *Engine) Functions() []string {
	return e.set.Names()
}

func (e *Engine) handleInitial(set registry.FunctionSet) {
	// Reserved names are refused here too: a discovered function may never
	// claim the index or init unit.
	for _, fn := range set {
		if reservedNames[fn.Name] {
			log.Error().
				Str("name", fn.Name).
				Str("path", fn.SourcePath).
				Msg("Function name is reserved, refusing to build")
			continue
		}
		e.set = append(e.set, fn)
		e.paths[fn.Name] = fn.SourcePath
	}

	log.Info().Strs("functions", e.set.Names()).Msg("Bootstrapping build units")

	// Bootstrap builds for independent units run concurrently; the manager
	// serializes work within each unit.
	var wg sync.WaitGroup
	for _, fn := range e.set {
		wg.Add(1)
		go func(id classify.Identity) {
			defer wg.Done()
			e.buildFunction(id)
		}(fn)
	}

	if e.initPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.buildInit()
		}()
	}

	wg.Wait()
	e.regenerateIndex()
}

func (e *Engine) handleFunction(kind watch.Kind, id classify.Identity) {
	switch kind {
	case watch.Add:
		e.addFunction(id)
	case watch.Change:
		// Editors that write new files without a distinct create
		// notification surface them as changes.
		if _, known := e.paths[id.Name]; !known {
			e.addFunction(id)
			return
		}
		if e.paths[id.Name] != id.SourcePath {
			e.reportConflict(id)
			return
		}
		e.rebuildAsync(id.Name)
	case watch.Remove:
		e.removeFunction(id)
	}
}

func (e *Engine) addFunction(id classify.Identity) {
	if reservedNames[id.Name] {
		log.Error().
			Str("name", id.Name).
			Str("path", id.SourcePath).
			Msg("Function name is reserved, refusing to build")
		return
	}

	if existing, known := e.paths[id.Name]; known {
		if existing == id.SourcePath {
			e.rebuildAsync(id.Name)
			return
		}
		e.reportConflict(id)
		return
	}

	e.set = append(e.set, id)
	e.paths[id.Name] = id.SourcePath

	e.builds.Add(1)
	go func() {
		defer e.builds.Done()
		e.buildFunction(id)
	}()

	e.regenerateIndex()
}

func (e *Engine) removeFunction(id classify.Identity) {
	path, known := e.paths[id.Name]
	if !known || path != id.SourcePath {
		return
	}

	e.manager.Dispose(id.Name)
	delete(e.paths, id.Name)
	for i, fn := range e.set {
		if fn.Name == id.Name {
			e.set = append(e.set[:i], e.set[i+1:]...)
			break
		}
	}

	log.Info().Str("name", id.Name).Msg("Function removed")
	e.regenerateIndex()
}

func (e *Engine) handleInit(kind watch.Kind) {
	if e.initPath == "" {
		return
	}

	switch kind {
	case watch.Add, watch.Change:
		wasLive := e.initLive
		e.buildInit()
		if e.initLive != wasLive {
			e.regenerateIndex()
		}
	case watch.Remove:
		e.manager.Dispose(initUnit)
		if e.initLive {
			e.initLive = false
			e.regenerateIndex()
		}
	}
}

func (e *Engine) buildFunction(id classify.Identity) {
	artifact, err := e.manager.Build(id.Name, build.Input{EntryPath: id.SourcePath})
	if err != nil {
		log.Error().Err(err).Str("name", id.Name).Msg("Function build failed")
		return
	}
	e.write(artifact)
}

func (e *Engine) rebuildAsync(name string) {
	e.builds.Add(1)
	go func() {
		defer e.builds.Done()
		artifact, err := e.manager.Rebuild(name)
		if err != nil {
			log.Error().Err(err).Str("name", name).Msg("Function rebuild failed")
			return
		}
		e.write(artifact)
	}()
}

func (e *Engine) buildInit() {
	artifact, err := e.manager.Build(initUnit, build.Input{EntryPath: e.initPath})
	if err != nil {
		log.Error().Err(err).Msg("Init module build failed")
		return
	}
	e.initLive = true
	e.write(artifact)
}

func (e *Engine) regenerateIndex() {
	text := indexgen.Render(e.set, indexgen.Options{
		InitModule:   e.initLive,
		ServerRender: e.serverRender,
	})

	artifact, err := e.manager.Build(indexUnit, build.Input{
		Contents:   text,
		ResolveDir: e.outputDir,
		Sourcefile: "index.js",
		Externals:  []string{"./*.cjs"},
	})
	if err != nil {
		log.Error().Err(err).Msg("Index module build failed")
		return
	}
	e.write(artifact)
}

func (e *Engine) write(artifact *build.Artifact) {
	if err := e.manager.Write(artifact); err != nil {
		log.Error().Err(err).Str("unit", artifact.Unit).Msg("Failed to write build outputs")
		return
	}
	log.Debug().
		Str("unit", artifact.Unit).
		Int("outputs", len(artifact.Outputs)).
		Int("touched", len(artifact.Touched)).
		Msg("Build outputs written")
}

func (e *Engine) reportConflict(id classify.Identity) {
	log.Error().
		Str("name", id.Name).
		Str("path", id.SourcePath).
		Str("existing", e.paths[id.Name]).
		Msg("Two source paths claim the same function name; keeping the established one")
}
