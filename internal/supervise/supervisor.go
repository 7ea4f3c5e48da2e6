// Package supervise spawns long-lived child processes, mirrors their output,
// and coordinates graceful group shutdown.
package supervise

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// labelWidth is the fixed width of the right-aligned label prefix on every
// mirrored output line
const labelWidth = 12

// lowMemoryThresholdMB triggers a warning before spawning when available
// system memory drops below it
const lowMemoryThresholdMB = 256

// Child is one supervised process
type Child struct {
	ID    uuid.UUID
	Label string
	cmd   *exec.Cmd
}

// Supervisor owns the live set of spawned children. It is constructed once
// and passed wherever signal handling is installed; there is no global state.
type Supervisor struct {
	out    io.Writer
	errOut io.Writer

	mu       sync.Mutex
	children map[uuid.UUID]*Child
	draining bool
	wg       sync.WaitGroup
}

// New creates a Supervisor mirroring child output to stdout and stderr
func New() *Supervisor {
	return NewWithOutput(os.Stdout, os.Stderr)
}

// NewWithOutput creates a Supervisor with explicit sinks. Lines read from a
// child's error stream go to errOut; everything else goes to out.
func NewWithOutput(out, errOut io.Writer) *Supervisor {
	return &Supervisor{
		out:      out,
		errOut:   errOut,
		children: make(map[uuid.UUID]*Child),
	}
}

// Live returns the number of children currently running
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Spawn launches and registers a child process. Its stdout and stderr are
// forwarded line-buffered to the supervisor's sinks, tagged with label.
// Spawning is refused once the supervisor is draining.
func (s *Supervisor) Spawn(label string, command []string, dir string) (*Child, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command for child %q", label)
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		availableMB := vmStat.Available / 1024 / 1024
		if availableMB < lowMemoryThresholdMB {
			log.Warn().
				Str("label", label).
				Uint64("available_memory_mb", availableMB).
				Msg("Low system memory while spawning child process")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return nil, fmt.Errorf("supervisor is draining, refusing to spawn %q", label)
	}

	cmd := exec.Command(command[0], command[1:]...) //nolint:gosec // commands come from the resolved build configuration
	cmd.Dir = dir
	cmd.Env = os.Environ()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe for %q: %w", label, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe for %q: %w", label, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", label, err)
	}

	child := &Child{ID: uuid.New(), Label: label, cmd: cmd}
	s.children[child.ID] = child
	s.wg.Add(1)

	log.Info().
		Str("label", label).
		Str("id", child.ID.String()).
		Int("pid", cmd.Process.Pid).
		Msg("Child process started")

	var scanners sync.WaitGroup
	scanners.Add(2)
	go s.mirror(&scanners, stdoutPipe, s.out, label)
	go s.mirror(&scanners, stderrPipe, s.errOut, label)

	go func() {
		scanners.Wait()
		err := cmd.Wait()

		s.mu.Lock()
		delete(s.children, child.ID)
		s.mu.Unlock()

		if err != nil {
			// A failing child does not terminate the supervisor;
			// siblings keep running.
			log.Error().
				Err(err).
				Str("label", label).
				Str("id", child.ID.String()).
				Msg("Child process exited with error")
		} else {
			log.Info().
				Str("label", label).
				Str("id", child.ID.String()).
				Msg("Child process exited")
		}

		s.wg.Done()
	}()

	return child, nil
}

// mirror forwards one output stream line by line with the fixed-width label
// prefix and separator
func (s *Supervisor) mirror(wg *sync.WaitGroup, pipe io.Reader, sink io.Writer, label string) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		fmt.Fprintf(sink, "%*s | %s\n", labelWidth, label, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("label", label).Msg("Scanner error while reading child output")
	}
}

// Drain puts the supervisor into its draining state: the signal is forwarded
// to every live child and new spawns are refused. Children that already
// exited left the live set, so a repeated signal never reaches them again.
func (s *Supervisor) Drain(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.draining {
		s.draining = true
		log.Info().Int("children", len(s.children)).Msg("Draining child processes")
	}

	for _, child := range s.children {
		if err := child.cmd.Process.Signal(sig); err != nil {
			log.Debug().
				Err(err).
				Str("label", child.Label).
				Msg("Failed to forward signal to child")
		}
	}
}

// Wait blocks until the live set is empty. With no live children it returns
// immediately.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
