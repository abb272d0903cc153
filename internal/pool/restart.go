package pool

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/passenger-oss/appserver/internal/spawner"
)

const (
	restartFileName       = "restart.txt"
	alwaysRestartFileName = "always_restart.txt"
)

// restartState is the per-appRoot restart-file observation history,
// tracked independently of whether any instance currently exists for
// that appRoot.
type restartState struct {
	lastCheck time.Time
	seen      bool
	mtime     time.Time
}

// restartDirFor resolves the directory that restart.txt and
// always_restart.txt live under: <appRoot>/tmp by default, or
// <restartDir>/tmp when restartDir is set (absolute, or relative to
// appRoot). Grounded on the original pool's hard-coded "/tmp/restart.txt"
// suffix under appRoot.
func restartDirFor(appRoot string, restartDir string) string {
	base := appRoot
	if restartDir != "" {
		if filepath.IsAbs(restartDir) {
			base = restartDir
		} else {
			base = filepath.Join(appRoot, restartDir)
		}
	}
	return filepath.Join(base, "tmp")
}

// checkRestartFilesLocked implements the restart-file policy from
// §4.1: throttled stat of restart.txt/always_restart.txt, and on a
// trigger, destroys every instance for appRoot and asks the spawn
// server to discard any cached state for it. Must be called with p.mu
// held.
func (p *Pool) checkRestartFilesLocked(appRoot string, options *spawner.Options) {
	now := time.Now()
	st := p.restartState[appRoot]
	if st != nil && now.Sub(st.lastCheck) < p.statThrottleRate {
		return
	}

	dir := restartDirFor(appRoot, options.RestartDir)
	restartPath := filepath.Join(dir, restartFileName)
	alwaysPath := filepath.Join(dir, alwaysRestartFileName)

	triggered := false
	if _, err := os.Stat(alwaysPath); err == nil {
		triggered = true
	}

	var mtime time.Time
	var sawRestartFile bool
	if fi, err := os.Stat(restartPath); err == nil {
		sawRestartFile = true
		mtime = fi.ModTime()
		if st == nil || !st.seen || !st.mtime.Equal(mtime) {
			triggered = true
		}
	}

	if triggered {
		if ae, exists := p.apps[appRoot]; exists {
			p.destroyAppInstancesLocked(ae)
		}
		if err := p.spawnMgr.Reload(appRoot); err != nil {
			p.log.WithError(err).WithField("app_root", appRoot).Warn("spawn server reload failed")
		}
		if p.metrics != nil {
			p.metrics.RestartsTotal.Inc()
		}
		unlinkRestartFile(restartPath)
	}

	if p.restartState == nil {
		p.restartState = make(map[string]*restartState)
	}
	p.restartState[appRoot] = &restartState{lastCheck: now, seen: sawRestartFile, mtime: mtime}
}

// forgetRestartStateLocked discards restart-file history for an
// appRoot whose last instance was just removed, matching the
// original's "discard restartFileTimes entry" cleanup.
func (p *Pool) forgetRestartStateLocked(appRoot string) {
	delete(p.restartState, appRoot)
}

// destroyAppInstancesLocked shuts down and removes every instance
// belonging to ae, e.g. because restart.txt or always_restart.txt
// fired.
func (p *Pool) destroyAppInstancesLocked(ae *appEntry) {
	for e := ae.instances.Front(); e != nil; {
		next := e.Next()
		ie := e.Value.(*instanceEntry)
		p.removeInstanceLocked(ie)
		if err := ie.inst.Shutdown(); err != nil {
			p.log.WithError(err).WithField("app_root", ae.appRoot).Warn("error shutting down instance during restart")
		}
		e = next
	}
}

// unlinkRestartFile removes restart.txt after a triggered restart,
// retrying on EINTR/EAGAIN and ignoring ENOENT.
func unlinkRestartFile(path string) {
	for {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return
		}
		if pe, ok := err.(*os.PathError); ok && (pe.Err == syscall.EINTR || pe.Err == syscall.EAGAIN) {
			continue
		}
		return
	}
}
