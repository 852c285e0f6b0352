// Package worker implements the worker process of spec section 4.4: it
// serves accepted connections from inherited listeners until told to quick-
// exit or drain, running the before_serve/before_graceful_exit/before_died
// hooks around that lifetime.
package worker

import (
	"context"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abersheeran/zibai/internal/cliutil"
	"github.com/abersheeran/zibai/internal/conn"
	"github.com/abersheeran/zibai/internal/gateway"
	"github.com/abersheeran/zibai/internal/logging"
	"github.com/abersheeran/zibai/internal/pool"
	"github.com/abersheeran/zibai/internal/registry"
)

// Config bundles everything a worker needs to serve: the application and
// its per-exchange options, logging sinks, concurrency budget, and the
// three lifecycle hooks (any of which may be nil).
type Config struct {
	App     gateway.Application
	Sinks   *logging.Sinks
	Options conn.Options

	MaxWorkers          int
	Scheduler           pool.Scheduler
	GracefulExitTimeout time.Duration

	// MaxRequestPreProcess bounds the total number of exchanges this
	// process serves across all its listeners before it starts a graceful
	// exit on its own (spec section 4.4 point 6); 0 means unbounded.
	MaxRequestPreProcess int64

	BeforeServe        registry.Hook
	BeforeGracefulExit registry.Hook
	BeforeDied         registry.Hook

	// Ready, when set, is invoked once before_serve has succeeded and
	// before the worker pool starts accepting. A supervised worker uses it
	// to signal its ready-pipe so the supervisor can sequence a rolling
	// restart (spec section 4.5, "when it reaches RUNNING").
	Ready func()
}

// Run serves listeners until a quick-exit signal, a graceful-exit signal, a
// canceled ctx, or the request ceiling is reached, then returns a process
// exit code (0 on a clean graceful exit, nonzero if before_serve failed).
// A quick exit does not return: it calls os.Exit(0) directly.
func Run(ctx context.Context, listeners []net.Listener, cfg Config) int {
	log := cfg.Sinks
	sigCh, stopSignals := cliutil.NotifySignals()
	defer stopSignals()

	if cfg.Scheduler == pool.Cooperative {
		// Pin the process to a single OS thread, the closest Go equivalent to
		// gevent's single-OS-thread model; handlers still run as one
		// goroutine per connection (see internal/pool), they just never run
		// in parallel on separate threads.
		runtime.GOMAXPROCS(1)
	}

	if cfg.BeforeServe != nil {
		if err := cfg.BeforeServe(); err != nil {
			if log != nil {
				log.Process.Error("before_serve hook failed, aborting worker", "error", err.Error())
			}
			return 1
		}
	}

	if cfg.Ready != nil {
		cfg.Ready()
	}

	gracefulExit := make(chan struct{})
	var closeOnce sync.Once
	triggerGracefulExit := func() { closeOnce.Do(func() { close(gracefulExit) }) }

	counter := &requestCounter{limit: cfg.MaxRequestPreProcess, onLimit: triggerGracefulExit}
	handler := conn.New(cfg.App, cfg.Sinks, counter, cfg.Options)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pools := make([]*pool.Pool, len(listeners))
	for i, l := range listeners {
		pools[i] = pool.New(l, handler.Handle, cfg.MaxWorkers, cfg.Scheduler)
	}

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			_ = p.Run(runCtx, gracefulExit, cfg.GracefulExitTimeout)
		}(p)
	}

	signalDone := make(chan struct{})
	go func() {
		defer close(signalDone)
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				switch sig {
				case cliutil.SignalQuickExit:
					if log != nil {
						log.Process.Info("quick exit signal received, skipping drain")
					}
					os.Exit(0)
				case cliutil.SignalGracefulExit:
					if log != nil {
						log.Process.Info("graceful exit signal received, draining")
					}
					triggerGracefulExit()
					return
				}
			case <-gracefulExit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	<-signalDone

	if cfg.BeforeGracefulExit != nil {
		if err := cfg.BeforeGracefulExit(); err != nil && log != nil {
			log.Process.Error("before_graceful_exit hook failed", "error", err.Error())
		}
	}
	if cfg.BeforeDied != nil {
		if err := cfg.BeforeDied(); err != nil && log != nil {
			log.Process.Error("before_died hook failed", "error", err.Error())
		}
	}
	return 0
}

// requestCounter is the per-process, monotonically incrementing exchange
// counter of spec section 4.4. Once it reaches limit, onLimit fires exactly
// once to start the process's own graceful exit.
type requestCounter struct {
	n       int64
	limit   int64
	onLimit func()
	fired   atomic.Bool
}

// Next implements conn.RequestCounter.
func (c *requestCounter) Next() int64 {
	n := atomic.AddInt64(&c.n, 1)
	if c.limit > 0 && n >= c.limit && c.fired.CompareAndSwap(false, true) {
		if c.onLimit != nil {
			c.onLimit()
		}
	}
	return n
}
