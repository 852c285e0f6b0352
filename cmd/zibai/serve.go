package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abersheeran/zibai/internal/config"
	"github.com/abersheeran/zibai/internal/conn"
	"github.com/abersheeran/zibai/internal/gateway"
	"github.com/abersheeran/zibai/internal/listen"
	"github.com/abersheeran/zibai/internal/logging"
	"github.com/abersheeran/zibai/internal/pool"
	"github.com/abersheeran/zibai/internal/registry"
	"github.com/abersheeran/zibai/internal/supervisor"
	"github.com/abersheeran/zibai/internal/watch"
	"github.com/abersheeran/zibai/internal/worker"
)

// readyFD is the file descriptor a re-exec'd worker's ready-pipe write end
// lands on: one past the last inherited listener (supervisor.spawnWorker
// appends it to ExtraFiles after the listener files).
func readyFD(numListeners int) uintptr { return uintptr(3 + numListeners) }

func splitWatchPatterns(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}

	sinks, err := logging.NewSinks(logging.Config{Level: "info", Format: "json"})
	if err != nil {
		return fmt.Errorf("zibai: building log sinks: %w", err)
	}

	app, err := registry.ResolveApp(cfg.App, cfg.Call)
	if err != nil {
		return err
	}

	scheduler := pool.Cooperative
	if cfg.NoGevent {
		scheduler = pool.Threaded
	}

	connOpts := conn.Options{
		URLScheme:              cfg.URLScheme,
		ScriptName:             cfg.URLPrefix,
		MaxIncompleteEventSize: cfg.MaxIncompleteEventSize,
		MaxRequestPreProcess:   cfg.MaxRequestPreProcess,
		Multithread:            scheduler == pool.Threaded,
		Multiprocess:           cfg.Subprocess > 0,
		NoAccessLog:            cfg.NoAccessLog,
	}

	beforeServe, err := registry.ResolveHook(string(cfg.BeforeServe))
	if err != nil {
		return err
	}
	beforeGracefulExit, err := registry.ResolveHook(string(cfg.BeforeGracefulExit))
	if err != nil {
		return err
	}
	beforeDied, err := registry.ResolveHook(string(cfg.BeforeDied))
	if err != nil {
		return err
	}
	hooks := workerHooks{beforeServe, beforeGracefulExit, beforeDied}

	if cliFlags.internalWorkerFDs >= 0 {
		os.Exit(runWorkerMode(cfg, app, sinks, connOpts, scheduler, hooks))
		return nil
	}
	return runTopLevel(cfg, app, sinks, connOpts, scheduler, hooks)
}

type workerHooks struct {
	beforeServe, beforeGracefulExit, beforeDied registry.Hook
}

// runWorkerMode is the hidden re-exec entrypoint: a supervisor starts the
// same zibai binary with --internal-worker-fds/--internal-worker-generation
// prepended to the original argv, so cobra reparses the identical app
// identifier and flags here rather than needing a side channel.
func runWorkerMode(cfg *config.Options, app gateway.Application, sinks *logging.Sinks, connOpts conn.Options, scheduler pool.Scheduler, hooks workerHooks) int {
	n := cliFlags.internalWorkerFDs
	listeners, err := listen.Inherit(n)
	if err != nil {
		sinks.Process.Error("worker failed to inherit listeners", "error", err.Error())
		return 1
	}

	readyFile := os.NewFile(readyFD(n), "ready-pipe")
	ready := func() {
		if readyFile == nil {
			return
		}
		readyFile.Write([]byte{1})
		readyFile.Close()
	}

	return runWorker(cfg, app, sinks, connOpts, scheduler, listeners, hooks, ready)
}

func runTopLevel(cfg *config.Options, app gateway.Application, sinks *logging.Sinks, connOpts conn.Options, scheduler pool.Scheduler, hooks workerHooks) error {
	endpoints, err := listen.ParseAll(cfg.Listen, cfg.DualStackIPv6)
	if err != nil {
		return err
	}

	listeners := make([]net.Listener, 0, len(endpoints))
	for _, e := range endpoints {
		l, err := listen.Bind(e, cfg.Backlog, cfg.UnixSocketPerms)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return fmt.Errorf("zibai: binding %s: %w", e, err)
		}
		sinks.Process.Info("listening", "endpoint", e.String())
		listeners = append(listeners, l)
	}

	if cfg.Subprocess <= 0 {
		os.Exit(runWorker(cfg, app, sinks, connOpts, scheduler, listeners, hooks, nil))
		return nil
	}

	files, err := listen.Files(listeners)
	if err != nil {
		return err
	}
	for _, l := range listeners {
		l.Close() // the supervisor process itself never accepts; its workers do
	}

	sv := supervisor.New(files, spawnFunc(files), supervisor.Options{
		DesiredWorkers:      cfg.Subprocess,
		GracefulExitTimeout: cfg.GracefulExitTimeout,
		Sinks:               sinks,
	})

	if len(cfg.WatchFiles) > 0 {
		w, err := watch.New(cfg.WatchFiles, watch.DefaultDebounce)
		if err != nil {
			sinks.Process.Error("watchfiles setup failed, continuing without it", "error", err.Error())
		} else {
			go w.Run()
			go func() {
				for range w.Events() {
					sinks.Process.Info("watched file changed, triggering rolling restart")
					sv.TriggerRollingRestart()
				}
			}()
			defer w.Close()
		}
	}

	os.Exit(sv.Run(context.Background()))
	return nil
}

// runWorker builds the worker.Config shared by the foreground path and the
// re-exec'd supervised-worker path and runs it to completion.
func runWorker(cfg *config.Options, app gateway.Application, sinks *logging.Sinks, connOpts conn.Options, scheduler pool.Scheduler, listeners []net.Listener, hooks workerHooks, ready func()) int {
	return worker.Run(context.Background(), listeners, worker.Config{
		App:                  app,
		Sinks:                sinks,
		Options:              connOpts,
		MaxWorkers:           cfg.MaxWorkers,
		Scheduler:            scheduler,
		GracefulExitTimeout:  cfg.GracefulExitTimeout,
		MaxRequestPreProcess: int64(cfg.MaxRequestPreProcess),
		BeforeServe:          hooks.beforeServe,
		BeforeGracefulExit:   hooks.beforeGracefulExit,
		BeforeDied:           hooks.beforeDied,
		Ready:                ready,
	})
}

// spawnFunc builds the supervisor's SpawnFunc: re-exec the current binary
// with the same app identifier and flags, plus the two hidden flags that
// tell the child it is a worker and how many listener fds it inherits.
func spawnFunc(files []*os.File) supervisor.SpawnFunc {
	return func(generation int) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("zibai: resolving self executable for re-exec: %w", err)
		}
		extra := []string{
			"--internal-worker-fds", strconv.Itoa(len(files)),
			"--internal-worker-generation", strconv.Itoa(generation),
		}
		argv := append(append([]string{}, extra...), os.Args[1:]...)
		cmd := exec.Command(exe, argv...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		return cmd, nil
	}
}
