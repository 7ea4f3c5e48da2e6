// Package build owns one incremental compile handle per named build unit and
// turns entry points or generated module text into written artifacts.
package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
)

// Settings are the bundler options shared by every build unit
type Settings struct {
	OutputDir   string
	NodeVersion string
}

// Input describes what a build unit compiles: either a concrete entry path,
// or generated module text rooted at a resolve directory
type Input struct {
	EntryPath  string
	Contents   string
	ResolveDir string
	Sourcefile string
	// Externals are glob patterns for specifiers left unbundled,
	// e.g. "./*.cjs" for the index unit's references to compiled functions.
	Externals []string
}

// Artifact is the product of one successful build: the output buffers and
// the manifest of source files the compilation touched
type Artifact struct {
	Unit    string
	Outputs []api.OutputFile
	Touched []string
}

type unitState int

const (
	stateUnbuilt unitState = iota
	stateBuilt
	stateDisposed
)

// unit pairs a name with its incremental compile handle. The mutex serializes
// all operations on the unit: rebuilds of the same unit never overlap, a
// concurrent request simply waits its turn.
type unit struct {
	name   string
	mu     sync.Mutex
	state  unitState
	handle api.BuildContext
}

// Manager owns the unit map. Operations on distinct units run concurrently.
type Manager struct {
	settings Settings
	resolver *Resolver

	mu    sync.Mutex
	units map[string]*unit
}

// NewManager creates a Manager with a fresh resolver cache
func NewManager(settings Settings) *Manager {
	return &Manager{
		settings: settings,
		resolver: NewResolver(),
		units:    make(map[string]*unit),
	}
}

// Build compiles input under the named unit, creating the unit's incremental
// handle. Building an already-built unit replaces its handle, which is how
// the index unit picks up regenerated module text. On failure the unit keeps
// its handle and the prior artifact stays valid.
func (m *Manager) Build(name string, input Input) (*Artifact, error) {
	u := m.obtain(name)
	u.mu.Lock()
	defer u.mu.Unlock()

	m.resolver.Invalidate()

	handle, ctxErr := api.Context(m.buildOptions(name, input))
	if ctxErr != nil {
		return nil, &Error{Unit: name, Messages: ctxErr.Errors}
	}

	if u.handle != nil {
		u.handle.Dispose()
	}
	u.handle = handle
	u.state = stateBuilt

	return m.run(u)
}

// Rebuild re-invokes the unit's incremental handle, reprocessing only changed
// inputs. Rebuilding a unit that is not built is a no-op error.
func (m *Manager) Rebuild(name string) (*Artifact, error) {
	u := m.lookup(name)
	if u == nil {
		return nil, fmt.Errorf("build unit %q does not exist", name)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateBuilt {
		return nil, fmt.Errorf("build unit %q is not built", name)
	}

	m.resolver.Invalidate()
	return m.run(u)
}

// run executes the unit's handle and converts the result.
// Callers hold u.mu.
func (m *Manager) run(u *unit) (*Artifact, error) {
	result := u.handle.Rebuild()
	if len(result.Errors) > 0 {
		return nil, &Error{Unit: u.name, Messages: result.Errors}
	}

	artifact := &Artifact{
		Unit:    u.name,
		Outputs: result.OutputFiles,
	}

	var meta struct {
		Inputs map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err == nil {
		for path := range meta.Inputs {
			artifact.Touched = append(artifact.Touched, path)
		}
		sort.Strings(artifact.Touched)
	} else {
		log.Warn().Err(err).Str("unit", u.name).Msg("Failed to decode build metafile")
	}

	return artifact, nil
}

// Dispose releases the unit's handle and removes its bookkeeping. Idempotent.
func (m *Manager) Dispose(name string) {
	m.mu.Lock()
	u := m.units[name]
	delete(m.units, name)
	m.mu.Unlock()

	if u == nil {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == stateBuilt && u.handle != nil {
		u.handle.Dispose()
		u.handle = nil
	}
	u.state = stateDisposed
}

// DisposeAll releases every live handle
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.units))
	for name := range m.units {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Dispose(name)
	}
}

// Write persists every output buffer of the artifact, overwriting the
// destinations. Each destination is written through a temporary file and
// renamed into place, so an interrupted write can never leave it half-written.
func (m *Manager) Write(artifact *Artifact) error {
	for _, out := range artifact.Outputs {
		if err := writeFileAtomic(out.Path, out.Contents); err != nil {
			return fmt.Errorf("failed to write %s: %w", out.Path, err)
		}
	}
	return nil
}

func (m *Manager) obtain(name string) *unit {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Disposed units are deleted from the map, so anything found here is
	// live and the same name after disposal gets a fresh unit.
	if u, ok := m.units[name]; ok {
		return u
	}
	u := &unit{name: name}
	m.units[name] = u
	return u
}

func (m *Manager) lookup(name string) *unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.units[name]
}

func (m *Manager) buildOptions(name string, input Input) api.BuildOptions {
	opts := api.BuildOptions{
		Bundle:    true,
		Write:     false,
		Metafile:  true,
		Outfile:   filepath.Join(m.settings.OutputDir, name+".cjs"),
		Format:    api.FormatCommonJS,
		Platform:  api.PlatformNode,
		Engines:   []api.Engine{{Name: api.EngineNode, Version: m.settings.NodeVersion}},
		Sourcemap: api.SourceMapLinked,
		LogLevel:  api.LogLevelSilent,
		Plugins:   []api.Plugin{m.resolver.Plugin(input.Externals)},
	}

	if input.EntryPath != "" {
		opts.EntryPoints = []string{input.EntryPath}
	} else {
		opts.Stdin = &api.StdinOptions{
			Contents:   input.Contents,
			ResolveDir: input.ResolveDir,
			Sourcefile: input.Sourcefile,
			Loader:     api.LoaderJS,
		}
	}

	return opts
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
