// Package watch routes filesystem notifications for the function-source tree
// into a small set of semantic messages.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/fnforge/fnforge/internal/classify"
	"github.com/fnforge/fnforge/internal/registry"
)

// Kind is the semantic event kind, mapped 1:1 from the notification op
type Kind int

const (
	Add Kind = iota
	Change
	Remove
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Change:
		return "change"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// MessageType tags the Message union
type MessageType int

const (
	// Initial carries the discovery snapshot. It is delivered first,
	// exactly once.
	Initial MessageType = iota
	// FunctionEvent reports one function source changing.
	FunctionEvent
	// InitEvent reports the configured init module changing.
	InitEvent
)

// Message is the tagged union delivered to the consumer. Initial carries Set;
// FunctionEvent carries Kind and Identity; InitEvent carries Kind only.
type Message struct {
	Type     MessageType
	Kind     Kind
	Identity classify.Identity
	Set      registry.FunctionSet
}

// Router owns a single long-lived subscription over the source tree plus the
// init file and delivers Messages in notification arrival order. It does not
// track the function set itself: Initial is the sole source of truth for the
// starting set, and the consumer owns all bookkeeping after that.
type Router struct {
	watcher    *fsnotify.Watcher
	registry   *registry.Registry
	classifier *classify.Classifier
	sourceDir  string
	initPath   string

	messages  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewRouter creates a Router over sourceDir. initPath may be empty.
func NewRouter(reg *registry.Registry, cls *classify.Classifier, sourceDir, initPath string) (*Router, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Router{
		watcher:    watcher,
		registry:   reg,
		classifier: cls,
		sourceDir:  filepath.Clean(sourceDir),
		initPath:   initPath,
		messages:   make(chan Message, 64),
		done:       make(chan struct{}),
	}, nil
}

// Messages returns the delivery channel. It is closed when the Router stops.
func (r *Router) Messages() <-chan Message {
	return r.messages
}

// Start discovers the initial function set, queues the Initial message, and
// begins routing notifications. Discovery failure (including a name conflict)
// aborts the start.
func (r *Router) Start() error {
	set, err := r.registry.Discover()
	if err != nil {
		return err
	}

	if err := r.watcher.Add(r.sourceDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.sourceDir, err)
	}

	// Depth is bounded: the root plus its immediate subdirectories covers
	// both authoring styles.
	entries, err := os.ReadDir(r.sourceDir)
	if err != nil {
		return fmt.Errorf("failed to read source directory %s: %w", r.sourceDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			r.watchSubdir(filepath.Join(r.sourceDir, entry.Name()))
		}
	}

	if r.initPath != "" {
		if dir := filepath.Dir(r.initPath); dir != r.sourceDir {
			if err := r.watcher.Add(dir); err != nil {
				return fmt.Errorf("failed to watch init directory %s: %w", dir, err)
			}
		}
	}

	r.messages <- Message{Type: Initial, Set: set}

	go r.loop()
	return nil
}

// Close stops the subscription and closes the message channel
func (r *Router) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.watcher.Close()
	})
	return err
}

func (r *Router) loop() {
	defer close(r.messages)

	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.route(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

func (r *Router) route(event fsnotify.Event) {
	kind, ok := mapKind(event.Op)
	if !ok {
		return
	}

	path := filepath.Clean(event.Name)

	if r.classifier.IsInit(path) {
		r.emit(Message{Type: InitEvent, Kind: kind})
		return
	}

	// A directory appearing directly under the root needs its own watch
	// before its index file can be seen. The index may already exist when
	// the directory arrives wholesale (rename, editor save-as), so look
	// for it immediately.
	if kind == Add && filepath.Dir(path) == r.sourceDir {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			r.watchSubdir(path)
			for _, name := range classify.IndexFileNames {
				index := filepath.Join(path, name)
				if _, err := os.Stat(index); err == nil {
					r.routeFunction(Add, index)
					break
				}
			}
			return
		}
	}

	r.routeFunction(kind, path)
}

func (r *Router) routeFunction(kind Kind, path string) {
	id, ok := r.classifier.Classify(path)
	if !ok || !r.classifier.Included(id) {
		return
	}
	r.emit(Message{Type: FunctionEvent, Kind: kind, Identity: id})
}

func (r *Router) emit(msg Message) {
	select {
	case r.messages <- msg:
	case <-r.done:
	}
}

func (r *Router) watchSubdir(dir string) {
	if err := r.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch function subdirectory")
	}
}

// mapKind maps notification ops to semantic kinds: create is Add, write is
// Change, remove and rename are Remove. Chmod-only events are dropped.
func mapKind(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Add, true
	case op.Has(fsnotify.Write):
		return Change, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Remove, true
	default:
		return 0, false
	}
}
