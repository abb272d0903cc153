package pool

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/passenger-oss/appserver/internal/perrors"
	"github.com/passenger-oss/appserver/internal/spawner"
)

// normalizeAppRoot canonicalizes an appRoot so that two different
// spellings of the same directory (symlinks, relative paths) hash to
// the same pool entry.
func normalizeAppRoot(appRoot string) (string, error) {
	abs, err := filepath.Abs(appRoot)
	if err != nil {
		return "", &perrors.FileSystemError{Path: appRoot, Op: "abs", Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The appRoot may not exist yet in tests/mocks; fall back to the
		// absolute, unresolved path rather than failing Get outright.
		return abs, nil
	}
	return resolved, nil
}

// admitLocked implements steps 2-6 of Get: restart-file detection,
// head-instance reuse, spawn-when-quota-allows, and the
// wait-vs-global-eviction branch when quota is saturated. Must be
// called with p.mu held; may release and reacquire it while waiting.
func (p *Pool) admitLocked(ctx context.Context, appRoot string, options *spawner.Options) (*instanceEntry, error) {
	for {
		p.checkRestartFilesLocked(appRoot, options)

		ae, exists := p.apps[appRoot]

		// Step 3: reuse an idle head instance.
		if exists {
			if ie := p.headIdle(ae); ie != nil {
				ae.instances.MoveToBack(ie.appElem)
				p.removeFromIdleLocked(ie)
				return ie, nil
			}
		}

		perAppOK := p.maxPerApp == 0 || p.appCount[appRoot] < p.maxPerApp

		// Step 4: head busy (or no instances yet for a known appRoot),
		// but there's room to grow this app without hitting global cap.
		if exists && p.count < p.max && perAppOK {
			ie, err := p.spawnAndAppendLocked(appRoot, options)
			if err != nil {
				return nil, err
			}
			return ie, nil
		}

		// Step 5: known appRoot at quota.
		if exists && !(p.count < p.max && perAppOK) {
			if options.UseGlobalQueue {
				if err := p.waitLocked(ctx); err != nil {
					return nil, translateWaitErr(err, appRoot)
				}
				continue
			}
			// Fall through to step 6 (global eviction) when the global
			// queue is disabled.
		}

		// Step 6: appRoot absent, or present-but-queue-disabled falling
		// through from step 5.
		for !(p.count < p.max && perAppOK) {
			if p.count < p.max {
				// Under global cap but over per-app cap: nothing to evict
				// would help: wait for this app's own instances to free up.
				if err := p.waitLocked(ctx); err != nil {
					return nil, translateWaitErr(err, appRoot)
				}
				perAppOK = p.maxPerApp == 0 || p.appCount[appRoot] < p.maxPerApp
				continue
			}
			if p.idle.Len() == 0 {
				if err := p.waitLocked(ctx); err != nil {
					return nil, translateWaitErr(err, appRoot)
				}
				perAppOK = p.maxPerApp == 0 || p.appCount[appRoot] < p.maxPerApp
				continue
			}
			p.evictOneLocked()
			perAppOK = p.maxPerApp == 0 || p.appCount[appRoot] < p.maxPerApp
		}

		ie, err := p.spawnAndAppendLocked(appRoot, options)
		if err != nil {
			return nil, err
		}
		return ie, nil
	}
}

// spawnAndAppendLocked spawns a new instance for appRoot and appends
// it to the tail of its appEntry's list, creating the appEntry if
// necessary. Only bookkeeping is updated on success; the caller is
// responsible for connecting.
func (p *Pool) spawnAndAppendLocked(appRoot string, options *spawner.Options) (*instanceEntry, error) {
	spawnOpts := *options
	spawnOpts.AppRoot = appRoot

	inst, err := p.spawnMgr.Spawn(&spawnOpts)
	if err != nil {
		if p.metrics != nil {
			p.metrics.SpawnFailuresTotal.Inc()
		}
		return nil, err
	}

	ae, exists := p.apps[appRoot]
	if !exists {
		ae = newAppEntry(appRoot)
		p.apps[appRoot] = ae
	}
	ie := &instanceEntry{inst: inst, appRoot: appRoot}
	ie.appElem = ae.instances.PushBack(ie)

	p.count++
	p.appCount[appRoot]++
	if p.metrics != nil {
		p.metrics.SpawnsTotal.Inc()
	}
	p.updateMetricsLocked()
	return ie, nil
}

// evictOneLocked evicts the globally least-recently-freed idle
// instance, regardless of which appRoot it belongs to. This may evict
// an instance belonging to the very appRoot the caller is requesting,
// which the original pool design accepts: global capacity pressure
// always wins over per-app fairness.
func (p *Pool) evictOneLocked() {
	front := p.idle.Front()
	if front == nil {
		return
	}
	ie := front.Value.(*instanceEntry)
	p.removeInstanceLocked(ie)
	if err := ie.inst.Shutdown(); err != nil {
		p.log.WithError(err).WithField("app_root", ie.appRoot).Warn("error shutting down evicted instance")
	}
	if p.metrics != nil {
		p.metrics.EvictionsTotal.Inc()
	}
}

// waitLocked suspends the caller on the pool condition variable until
// either it is broadcast (a session closed or a tunable changed) or
// ctx's deadline passes. The waiting counter is maintained atomically
// so it can be read without taking the lock.
//
// The goroutine spawned here only translates ctx.Done into a
// Broadcast; sync.Cond has no native context-awareness.
func (p *Pool) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	p.cond.Wait()
	close(done)
	return ctx.Err()
}

func translateWaitErr(err error, appRoot string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &perrors.BusyError{AppRoot: appRoot}
}
