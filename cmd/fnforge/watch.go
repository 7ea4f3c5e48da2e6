package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnforge/fnforge/internal/build"
	"github.com/fnforge/fnforge/internal/classify"
	"github.com/fnforge/fnforge/internal/config"
	"github.com/fnforge/fnforge/internal/engine"
	"github.com/fnforge/fnforge/internal/registry"
	"github.com/fnforge/fnforge/internal/supervise"
	"github.com/fnforge/fnforge/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Build all functions and rebuild on change",
	Long: `Watch discovers the function set, compiles every function plus the
generated index module, then keeps the compiled output current while source
files change. Configured development processes (emulator, dev server) run
alongside and shut down with the watcher.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Msg("Starting fnforge")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cls := classify.New(cfg.AbsSourceDir(), cfg.AbsInitModule(), cfg.Functions.Ignore, cfg.Functions.Only)
	reg := registry.New(cfg.AbsSourceDir(), cls)
	manager := build.NewManager(build.Settings{
		OutputDir:   cfg.AbsOutputDir(),
		NodeVersion: cfg.Runtime.NodeVersion,
	})

	router, err := watch.NewRouter(reg, cls, cfg.AbsSourceDir(), cfg.AbsInitModule())
	if err != nil {
		return err
	}

	if err := router.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start watching")
		return err
	}

	eng := engine.New(cfg, manager)
	engineDone := make(chan struct{})
	go func() {
		eng.Run(router.Messages())
		close(engineDone)
	}()

	supervisor := supervise.New()
	if cfg.Dev.Emulator {
		if _, err := supervisor.Spawn("emulator", cfg.Dev.EmulatorCommand, cfg.WorkDir); err != nil {
			teardown(syscall.SIGTERM, supervisor, router, manager, engineDone)
			return err
		}
	}
	if len(cfg.Dev.ServerCommand) > 0 {
		if _, err := supervisor.Spawn("dev-server", cfg.Dev.ServerCommand, cfg.WorkDir); err != nil {
			teardown(syscall.SIGTERM, supervisor, router, manager, engineDone)
			return err
		}
	}

	// Wait for interrupt signal to gracefully shut everything down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	teardown(sig, supervisor, router, manager, engineDone)

	log.Info().Msg("Watcher exited")
	return nil
}

// teardown is the single shutdown sequence: children first, then the message
// source, then the engine, then the compile handles. Every exit path of the
// watch loop goes through it.
func teardown(sig os.Signal, supervisor *supervise.Supervisor, router *watch.Router, manager *build.Manager, engineDone <-chan struct{}) {
	supervisor.Drain(sig)
	_ = router.Close()
	<-engineDone
	manager.DisposeAll()
	supervisor.Wait()
}
