// Package supervisor implements the master process supervisor:
// forking one OS process per worker (Go has no fork()-and-share-nothing
// primitive, so the master re-executes its own binary with a role env
// var set), heartbeat/memory monitoring, exit-code respawn policy,
// and signal-driven graceful/hard shutdown broadcast.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/validana-io/vserver/internal/logging"
)

const (
	missThreshold  = 3
	hardKillGrace  = 10 * time.Second
	cooldownBandLo = 50
	cooldownBandHi = 60
	cooldownDelay  = 30 * time.Second
	fastRespawn    = 1 * time.Second
)

// MasterConfig describes how the master spawns and supervises workers.
type MasterConfig struct {
	WorkerCount    int
	MaxMemoryBytes int64 // 0 = unlimited
	BinaryPath     string
	Args           []string
	// Env is the base environment passed to every worker, typically
	// os.Environ() plus the master's fully-resolved config.Registry.Env()
	// so a worker observes file-sourced values without reading the file
	// itself (§4.1: file is "master-only read").
	Env []string
	Log *logging.Logger
}

// Master owns the set of forked worker processes.
type Master struct {
	cfg MasterConfig
	log *logging.Logger

	mu      sync.Mutex
	workers map[int]*workerProc
	nextGen map[int]int // worker id -> respawn generation, for log messages

	shuttingDown bool
}

// NewMaster builds a Master ready for Run.
func NewMaster(cfg MasterConfig) *Master {
	return &Master{
		cfg:     cfg,
		log:     cfg.Log.With("supervisor"),
		workers: make(map[int]*workerProc),
		nextGen: make(map[int]int),
	}
}

type workerProc struct {
	id  int
	cmd *exec.Cmd
	hbR *os.File

	mu       sync.Mutex
	missed   int
	lastSeen time.Time

	killed chan struct{} // closed once a hard-kill timer has fired
}

// Run spawns cfg.WorkerCount workers, monitors their heartbeats and
// memory, and blocks until a SIGINT/SIGTERM is received and every
// worker has exited. graceful reports whether the shutdown was the
// SIGINT (graceful) variant.
func (m *Master) Run(ctx context.Context) (graceful bool, err error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for id := 0; id < m.cfg.WorkerCount; id++ {
		if err := m.spawnAndSupervise(runCtx, &wg, id); err != nil {
			return false, fmt.Errorf("supervisor: spawn worker %d: %w", id, err)
		}
	}

	select {
	case sig := <-sigCh:
		graceful = sig == syscall.SIGINT
		m.log.Infof("supervisor: received %s, broadcasting shutdown (graceful=%v)", sig, graceful)
	case <-ctx.Done():
		graceful = true
	}

	m.mu.Lock()
	m.shuttingDown = true
	workers := make([]*workerProc, 0, len(m.workers))
	for _, wp := range m.workers {
		workers = append(workers, wp)
	}
	m.mu.Unlock()

	for _, wp := range workers {
		m.requestShutdown(wp, graceful)
	}

	cancel()
	wg.Wait()
	return graceful, nil
}

// spawnAndSupervise starts worker id, registers it, and launches its
// heartbeat-monitor and wait/respawn goroutines. wg is released only
// when the worker's lineage (including any respawns) has fully exited.
func (m *Master) spawnAndSupervise(ctx context.Context, wg *sync.WaitGroup, id int) error {
	wp, err := m.spawnWorker(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.workers[id] = wp
	m.mu.Unlock()

	wg.Add(1)
	go m.monitorHeartbeats(ctx, wp)
	go func() {
		defer wg.Done()
		m.waitAndRespawn(ctx, wp)
	}()
	return nil
}

// spawnWorker re-executes the binary with VSERVER_WORKER_ID set in the
// child's environment and an os.Pipe write end inherited as fd 3, which
// the worker uses to stream heartbeats back.
func (m *Master) spawnWorker(id int) (*workerProc, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("heartbeat pipe: %w", err)
	}

	base := m.cfg.Env
	if base == nil {
		base = os.Environ()
	}
	cmd := exec.Command(m.cfg.BinaryPath, m.cfg.Args...)
	cmd.Env = append(append([]string{}, base...), fmt.Sprintf("%s=%d", WorkerIDEnv, id))
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	w.Close() // parent keeps only the read end

	m.log.Infof("supervisor: spawned worker %d (pid %d)", id, cmd.Process.Pid)
	return &workerProc{id: id, cmd: cmd, hbR: r, lastSeen: time.Now(), killed: make(chan struct{})}, nil
}

// monitorHeartbeats reads heartbeat lines until the pipe closes
// (worker exit) and, on a separate ticker, flags missed heartbeats and
// memory-ceiling violations per §4.10.
func (m *Master) monitorHeartbeats(ctx context.Context, wp *workerProc) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		readHeartbeats(ctx, wp.hbR, func(hb Heartbeat) {
			wp.mu.Lock()
			wp.missed = 0
			wp.lastSeen = time.Now()
			wp.mu.Unlock()

			if m.cfg.MaxMemoryBytes > 0 && hb.RSSBytes > m.cfg.MaxMemoryBytes {
				m.log.Warnf("supervisor: worker %d exceeds memory ceiling (%d > %d), requesting shutdown",
					wp.id, hb.RSSBytes, m.cfg.MaxMemoryBytes)
				m.requestShutdown(wp, true)
			}
		})
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.mu.Lock()
			stale := time.Since(wp.lastSeen) > HeartbeatInterval
			if stale {
				wp.missed++
			}
			missed := wp.missed
			wp.mu.Unlock()
			if missed >= missThreshold {
				m.log.Warnf("supervisor: worker %d missed %d consecutive heartbeats, requesting shutdown", wp.id, missed)
				m.requestShutdown(wp, true)
			}
		}
	}
}

// requestShutdown sends the worker a graceful (SIGINT) or hard
// (SIGTERM) shutdown signal and arms a hardKillGrace hard-kill timer if
// the worker has not exited by then.
func (m *Master) requestShutdown(wp *workerProc, graceful bool) {
	sig := syscall.SIGTERM
	if graceful {
		sig = syscall.SIGINT
	}
	_ = wp.cmd.Process.Signal(sig)

	go func() {
		select {
		case <-wp.killed:
		case <-time.After(hardKillGrace):
			m.log.Warnf("supervisor: worker %d did not exit within grace period, killing", wp.id)
			_ = wp.cmd.Process.Kill()
		}
	}()
}

// waitAndRespawn blocks for the worker's exit, logs the outcome, and
// (unless the master is shutting down) respawns it after the cooldown
// implied by its exit code.
func (m *Master) waitAndRespawn(ctx context.Context, wp *workerProc) {
	err := wp.cmd.Wait()
	close(wp.killed)
	code := exitCode(wp.cmd, err)
	m.log.Infof("supervisor: worker %d exited (code %d)", wp.id, code)

	m.mu.Lock()
	shuttingDown := m.shuttingDown
	m.mu.Unlock()
	if shuttingDown {
		return
	}

	delay := respawnDelay(code)
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.nextGen[wp.id]++
	gen := m.nextGen[wp.id]
	m.mu.Unlock()

	m.log.Infof("supervisor: respawning worker %d (generation %d)", wp.id, gen)
	newWP, spawnErr := m.spawnWorker(wp.id)
	if spawnErr != nil {
		m.log.WithError(spawnErr).Msg("supervisor: respawn failed")
		return
	}
	m.mu.Lock()
	m.workers[wp.id] = newWP
	m.mu.Unlock()

	go m.monitorHeartbeats(ctx, newWP)
	m.waitAndRespawn(ctx, newWP)
}

// respawnDelay implements the exit-code cooldown bands of §4.10: codes
// in [50,60) mean "stay down briefly" (30s), anything else non-zero
// respawns almost immediately (1s).
func respawnDelay(code int) time.Duration {
	if code >= cooldownBandLo && code < cooldownBandHi {
		return cooldownDelay
	}
	return fastRespawn
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
