package claude

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// signalGrace is how long each escalation step waits before moving to a
// harder signal. Interrupt and terminate each get one grace period, so a
// cancel completes within roughly twice this bound plus the kill.
const signalGrace = 2 * time.Second

// trackedProcess is one live agent child process under supervision.
type trackedProcess struct {
	id     string
	userID int64
	cmd    *exec.Cmd

	// done is closed once Wait has returned, i.e. the child is reaped.
	done chan struct{}
}

// exited reports whether the child has been reaped.
func (p *trackedProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ProcessSupervisor tracks active agent processes per user and carries the
// per-user cancellation flags the stream readers poll. All maps are
// guarded by one mutex; critical sections never block.
type ProcessSupervisor struct {
	logger *slog.Logger

	mu        sync.Mutex
	active    map[string]*trackedProcess
	byUser    map[int64]map[string]*trackedProcess
	cancelled map[int64]bool
}

func NewProcessSupervisor(logger *slog.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{
		logger:    logger,
		active:    map[string]*trackedProcess{},
		byUser:    map[int64]map[string]*trackedProcess{},
		cancelled: map[int64]bool{},
	}
}

// register adds a process and clears the user's cancellation flag so the
// new run starts fresh.
func (t *ProcessSupervisor) register(proc *trackedProcess) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[proc.id] = proc
	if proc.userID != 0 {
		if t.byUser[proc.userID] == nil {
			t.byUser[proc.userID] = map[string]*trackedProcess{}
		}
		t.byUser[proc.userID][proc.id] = proc
		delete(t.cancelled, proc.userID)
	}
}

// unregister removes a finished process and, when the run ended without a
// pending cancellation, clears the user flag.
func (t *ProcessSupervisor) unregister(proc *trackedProcess) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, proc.id)
	if proc.userID != 0 {
		if procs := t.byUser[proc.userID]; procs != nil {
			delete(procs, proc.id)
			if len(procs) == 0 {
				delete(t.byUser, proc.userID)
			}
		}
		if !t.cancelled[proc.userID] {
			delete(t.cancelled, proc.userID)
		}
	}
}

// beginRun clears a stale cancellation flag at the start of a run. A
// cancel that found no live process to kill leaves the flag set; without
// this reset, back-ends that never register a process would abort every
// subsequent run for the user.
func (t *ProcessSupervisor) beginRun(userID int64) {
	if userID == 0 {
		return
	}
	t.mu.Lock()
	delete(t.cancelled, userID)
	t.mu.Unlock()
}

// isCancelled is the predicate stream readers poll between chunks.
func (t *ProcessSupervisor) isCancelled(userID int64) bool {
	if userID == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled[userID]
}

// cancelUser flags the user cancelled and escalates signals on all of
// their live processes.
func (t *ProcessSupervisor) CancelUser(userID int64) {
	t.mu.Lock()
	t.cancelled[userID] = true
	var procs []*trackedProcess
	for _, proc := range t.byUser[userID] {
		procs = append(procs, proc)
	}
	t.mu.Unlock()

	for _, proc := range procs {
		t.gracefulCancel(proc)
	}
}

// killAll cancels every active process. Used at shutdown.
func (t *ProcessSupervisor) KillAll() {
	t.mu.Lock()
	var procs []*trackedProcess
	for _, proc := range t.active {
		procs = append(procs, proc)
	}
	t.mu.Unlock()

	if len(procs) > 0 {
		t.logger.Info("terminating active agent processes", "count", len(procs))
	}
	for _, proc := range procs {
		t.gracefulCancel(proc)
	}
}

// activeCount returns the number of live processes.
func (t *ProcessSupervisor) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// gracefulCancel escalates interrupt → terminate → kill, skipping steps
// once the child exits. Every step tolerates "process already gone".
func (t *ProcessSupervisor) gracefulCancel(proc *trackedProcess) {
	if proc.exited() {
		return
	}

	if t.signalAndWait(proc, os.Interrupt, "SIGINT") {
		return
	}
	if t.signalAndWait(proc, syscall.SIGTERM, "SIGTERM") {
		return
	}
	if proc.exited() {
		return
	}
	t.logger.Warn("force killing agent process", "process_id", proc.id, "user_id", proc.userID)
	if err := proc.cmd.Process.Kill(); err != nil && !isProcessGone(err) {
		t.logger.Warn("failed to kill agent process", "process_id", proc.id, "error", err)
	}
	<-proc.done
}

// signalAndWait sends sig and waits one grace period. Returns true when
// the child exited (or was already gone).
func (t *ProcessSupervisor) signalAndWait(proc *trackedProcess, sig os.Signal, name string) bool {
	if proc.exited() {
		return true
	}
	t.logger.Debug("signalling agent process",
		"process_id", proc.id, "signal", name, "pid", proc.cmd.Process.Pid)
	if err := proc.cmd.Process.Signal(sig); err != nil {
		if isProcessGone(err) {
			return true
		}
		t.logger.Debug("signal failed", "process_id", proc.id, "signal", name, "error", err)
		return false
	}
	select {
	case <-proc.done:
		t.logger.Debug("agent process exited after signal", "process_id", proc.id, "signal", name)
		return true
	case <-time.After(signalGrace):
		return false
	}
}

func isProcessGone(err error) bool {
	return err == os.ErrProcessDone || err == syscall.ESRCH
}
