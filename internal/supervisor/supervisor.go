// Package supervisor implements the parent process of spec section 4.5: it
// owns the bound listening sockets, forks worker processes that inherit
// them by file descriptor, and reacts to the signal table that drives
// quick exit, graceful exit, rolling restart, and worker count changes.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/abersheeran/zibai/internal/cliutil"
	"github.com/abersheeran/zibai/internal/logging"
)

// SpawnFunc builds (but does not Start) the *exec.Cmd for one worker of the
// given generation. The supervisor attaches ExtraFiles (the inherited
// listeners, then a ready-pipe write end) before starting it; SpawnFunc is
// responsible only for argv, env, and stdio.
type SpawnFunc func(generation int) (*exec.Cmd, error)

// Options configures a Supervisor.
type Options struct {
	DesiredWorkers      int
	GracefulExitTimeout time.Duration
	// CrashBackoffMin/Max bound the randomized delay before respawning a
	// worker that exited nonzero outside of a deliberate shutdown or
	// rolling restart (spec section 4.5, "avoid fork storms"). Defaults to
	// 100-500ms when left zero.
	CrashBackoffMin time.Duration
	CrashBackoffMax time.Duration
	Sinks           *logging.Sinks
}

type workerRecord struct {
	pid        int
	workerID   string // uuid, stable across a pid reuse by the OS
	generation int
	cmd        *exec.Cmd
	readyR     *os.File
	ready      atomic.Bool
	retiring   bool // graceful-exit already sent as part of a rolling restart
}

type exitEvent struct {
	pid        int
	workerID   string
	generation int
	err        error
	wasReady   bool
	retiring   bool
}

// Supervisor owns a fixed set of inherited listener files and spawns,
// tracks, and retires worker processes over them.
type Supervisor struct {
	listenerFiles []*os.File
	spawn         SpawnFunc
	opts          Options

	mu         sync.Mutex
	workers    map[int]*workerRecord
	desired    int
	generation int

	readyCh chan int
	exitCh  chan exitEvent
	fatalCh chan string

	shuttingDown atomic.Bool
	anyServed    atomic.Bool

	rolling      bool
	rollingOldQ  []int
	startupCrash int
}

// New returns a Supervisor ready to Run. listenerFiles are the bound
// sockets (see internal/listen.Files) every worker inherits.
func New(listenerFiles []*os.File, spawn SpawnFunc, opts Options) *Supervisor {
	if opts.CrashBackoffMin == 0 {
		opts.CrashBackoffMin = 100 * time.Millisecond
	}
	if opts.CrashBackoffMax == 0 {
		opts.CrashBackoffMax = 500 * time.Millisecond
	}
	if opts.DesiredWorkers < 1 {
		opts.DesiredWorkers = 1
	}
	return &Supervisor{
		listenerFiles: listenerFiles,
		spawn:         spawn,
		opts:          opts,
		workers:       make(map[int]*workerRecord),
		desired:       opts.DesiredWorkers,
		readyCh:       make(chan int, 16),
		exitCh:        make(chan exitEvent, 16),
		fatalCh:       make(chan string, 1),
	}
}

func (s *Supervisor) log() *logging.Logger {
	if s.opts.Sinks == nil {
		return nil
	}
	return s.opts.Sinks.Process
}

func (s *Supervisor) logf(msg string, args ...any) {
	if l := s.log(); l != nil {
		l.Info(msg, args...)
	}
}

func (s *Supervisor) logErr(msg string, args ...any) {
	if l := s.log(); l != nil {
		l.Error(msg, args...)
	}
}

// Run spawns the initial worker set and processes events until a terminal
// signal or ctx cancellation, returning the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	sigCh, stopSignals := cliutil.NotifySignals()
	defer stopSignals()

	for i := 0; i < s.desired; i++ {
		if _, err := s.spawnWorker(s.generation); err != nil {
			s.logErr("failed to spawn initial worker", "error", err.Error())
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown(true)
			return 0

		case reason := <-s.fatalCh:
			s.logErr("every worker slot crashed before any served a request", "reason", reason)
			s.shutdown(false)
			return 1

		case sig, ok := <-sigCh:
			if !ok {
				return 0
			}
			if code, done := s.handleSignal(sig); done {
				return code
			}

		case pid := <-s.readyCh:
			s.handleReady(pid)

		case ev := <-s.exitCh:
			s.handleExit(ev)
		}
	}
}

func (s *Supervisor) handleSignal(sig cliutil.SupervisorSignal) (code int, done bool) {
	switch sig {
	case cliutil.SignalQuickExit:
		s.logf("quick exit signal received, forwarding to workers")
		s.shutdown(false)
		return 0, true
	case cliutil.SignalGracefulExit:
		s.logf("graceful exit signal received, draining workers")
		s.shutdown(true)
		return 0, true
	case cliutil.SignalRollingRestart:
		s.startRollingRestart()
	case cliutil.SignalScaleUp:
		s.scaleUp()
	case cliutil.SignalScaleDown:
		s.scaleDown()
	}
	return 0, false
}

// TriggerRollingRestart lets a file-watch reload edge reuse the same path
// SIGHUP takes (spec section 4.5, "reload edge ... equivalent to SIGHUP").
func (s *Supervisor) TriggerRollingRestart() { s.startRollingRestart() }

func (s *Supervisor) startRollingRestart() {
	s.mu.Lock()
	if s.rolling {
		s.mu.Unlock()
		s.logf("rolling restart already in progress, ignoring edge")
		return
	}
	s.generation++
	newGen := s.generation
	old := make([]int, 0, len(s.workers))
	for pid, rec := range s.workers {
		if rec.generation != newGen {
			old = append(old, pid)
		}
	}
	s.rolling = true
	s.rollingOldQ = old
	s.mu.Unlock()

	s.logf("rolling restart starting", "generation", newGen, "retiring", len(old))
	if _, err := s.spawnWorker(newGen); err != nil {
		s.logErr("rolling restart: failed to spawn new-generation worker", "error", err.Error())
	}
}

func (s *Supervisor) scaleUp() {
	s.mu.Lock()
	s.desired++
	gen := s.generation
	s.mu.Unlock()
	s.logf("scale up, spawning replacement worker")
	if _, err := s.spawnWorker(gen); err != nil {
		s.logErr("scale up: failed to spawn worker", "error", err.Error())
	}
}

func (s *Supervisor) scaleDown() {
	s.mu.Lock()
	if s.desired > 1 {
		s.desired--
	}
	var victim *workerRecord
	for _, rec := range s.workers {
		if !rec.retiring {
			victim = rec
			break
		}
	}
	s.mu.Unlock()
	if victim == nil {
		return
	}
	s.retire(victim)
	s.logf("scale down, retiring one worker", "pid", victim.pid)
}

func (s *Supervisor) handleReady(pid int) {
	s.mu.Lock()
	rec, ok := s.workers[pid]
	if ok {
		rec.ready.Store(true)
	}
	rolling := s.rolling
	var toRetire int
	haveToRetire := false
	if ok && rolling && rec.generation == s.generation && len(s.rollingOldQ) > 0 {
		toRetire = s.rollingOldQ[0]
		s.rollingOldQ = s.rollingOldQ[1:]
		haveToRetire = true
		if victim, ok2 := s.workers[toRetire]; ok2 {
			victim.retiring = true
		}
	}
	s.mu.Unlock()

	s.anyServed.Store(true)
	s.startupCrash = 0

	if haveToRetire {
		if victim, ok := s.lookup(toRetire); ok {
			s.logf("rolling restart: retiring old-generation worker", "pid", toRetire)
			_ = gracefulExitSignal(victim.cmd.Process)
		}
	}
}

func (s *Supervisor) lookup(pid int) (*workerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.workers[pid]
	return rec, ok
}

func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.Lock()
	delete(s.workers, ev.pid)
	shuttingDown := s.shuttingDown.Load()
	s.mu.Unlock()

	if ev.err != nil {
		s.logErr("worker exited nonzero", "pid", ev.pid, "worker_id", ev.workerID, "error", ev.err.Error())
	} else {
		s.logf("worker exited", "pid", ev.pid, "worker_id", ev.workerID)
	}

	if shuttingDown {
		return
	}

	if ev.retiring {
		// This was a deliberate retirement (rolling restart or scale down),
		// not a crash. Continue any rollout: spawn the next new-generation
		// replacement if more old-generation workers remain, else the
		// rollout is complete.
		s.mu.Lock()
		remaining := len(s.rollingOldQ)
		gen := s.generation
		if remaining == 0 {
			s.rolling = false
		}
		s.mu.Unlock()
		if remaining > 0 {
			if _, err := s.spawnWorker(gen); err != nil {
				s.logErr("rolling restart: failed to spawn replacement", "error", err.Error())
			}
		} else {
			s.logf("rolling restart complete")
		}
		return
	}

	if ev.err == nil {
		// A worker that exits 0 outside of shutdown/retirement (e.g. it hit
		// max_request_pre_process and drained on its own) is simply
		// replaced, with no crash backoff or failure bookkeeping.
		s.respawn(ev.generation, 0)
		return
	}

	if !ev.wasReady && !s.anyServed.Load() {
		s.startupCrash++
		s.mu.Lock()
		desired := s.desired
		s.mu.Unlock()
		if s.startupCrash >= desired {
			select {
			case s.fatalCh <- fmt.Sprintf("%d consecutive startup crashes", s.startupCrash):
			default:
			}
			return
		}
	}

	backoff := s.opts.CrashBackoffMin
	if span := s.opts.CrashBackoffMax - s.opts.CrashBackoffMin; span > 0 {
		backoff += time.Duration(rand.Int63n(int64(span)))
	}
	s.respawn(ev.generation, backoff)
}

func (s *Supervisor) respawn(generation int, delay time.Duration) {
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if s.shuttingDown.Load() {
			return
		}
		if _, err := s.spawnWorker(generation); err != nil {
			s.logErr("failed to respawn worker", "error", err.Error())
		}
	}()
}

func (s *Supervisor) spawnWorker(generation int) (*workerRecord, error) {
	cmd, err := s.spawn(generation)
	if err != nil {
		return nil, err
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: creating ready pipe: %w", err)
	}
	cmd.ExtraFiles = append(append([]*os.File{}, s.listenerFiles...), readyW)

	if err := cmd.Start(); err != nil {
		readyR.Close()
		readyW.Close()
		return nil, fmt.Errorf("supervisor: starting worker: %w", err)
	}
	readyW.Close() // the child retains its own duplicate via ExtraFiles

	rec := &workerRecord{pid: cmd.Process.Pid, workerID: uuid.NewString(), generation: generation, cmd: cmd, readyR: readyR}
	s.mu.Lock()
	s.workers[rec.pid] = rec
	s.mu.Unlock()

	s.logf("spawned worker", "pid", rec.pid, "worker_id", rec.workerID, "generation", generation)

	go s.watchReady(rec)
	go s.watchExit(rec)
	return rec, nil
}

func (s *Supervisor) watchReady(rec *workerRecord) {
	buf := make([]byte, 1)
	n, _ := rec.readyR.Read(buf)
	rec.readyR.Close()
	if n > 0 {
		s.readyCh <- rec.pid
	}
}

func (s *Supervisor) watchExit(rec *workerRecord) {
	err := rec.cmd.Wait()
	s.mu.Lock()
	retiring := rec.retiring
	wasReady := rec.ready.Load()
	s.mu.Unlock()
	s.exitCh <- exitEvent{pid: rec.pid, workerID: rec.workerID, generation: rec.generation, err: err, wasReady: wasReady, retiring: retiring}
}

// retire sends the graceful-exit signal to one worker without replacing it,
// used by scaleDown (spec section 4.5 SIGTTOU: "do not respawn it").
func (s *Supervisor) retire(rec *workerRecord) {
	s.mu.Lock()
	rec.retiring = true
	s.mu.Unlock()
	_ = gracefulExitSignal(rec.cmd.Process)
}

// shutdown signals every tracked worker (SIGTERM-equivalent if graceful,
// SIGINT-equivalent otherwise) and waits up to GracefulExitTimeout for them
// to exit. On the graceful path whatever remains is then killed; on the
// quick path it stops waiting at the same deadline without killing.
func (s *Supervisor) shutdown(graceful bool) {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	recs := make([]*workerRecord, 0, len(s.workers))
	for _, r := range s.workers {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	for _, r := range recs {
		if graceful {
			_ = gracefulExitSignal(r.cmd.Process)
		} else {
			_ = quickExitSignal(r.cmd.Process)
		}
	}

	deadline := time.Now().Add(s.opts.GracefulExitTimeout)
	for {
		// Run's event loop is blocked in this call, so exits are reaped here.
		select {
		case ev := <-s.exitCh:
			s.mu.Lock()
			delete(s.workers, ev.pid)
			s.mu.Unlock()
			continue
		default:
		}
		s.mu.Lock()
		remaining := len(s.workers)
		s.mu.Unlock()
		if remaining == 0 {
			return
		}
		if graceful && time.Now().After(deadline) {
			s.mu.Lock()
			for _, r := range s.workers {
				_ = r.cmd.Process.Kill()
			}
			s.mu.Unlock()
			return
		}
		if !graceful && time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
