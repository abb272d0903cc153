package pool

import "time"

// reapLoop wakes every maxIdleTime+1 seconds (or sooner when
// maxIdleTime changes, via reaperCond) and evicts instances that have
// been idle longer than maxIdleTime. It exits once Close sets p.done.
func (p *Pool) reapLoop() {
	defer p.reaperWG.Done()

	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.done {
		sleepFor := p.maxIdleTime + time.Second

		timer := time.AfterFunc(sleepFor, func() {
			p.mu.Lock()
			p.reaperCond.Broadcast()
			p.mu.Unlock()
		})

		p.reaperCond.Wait()
		timer.Stop()

		if p.done {
			return
		}
		p.reapOnceLocked()
	}
}

// reapOnceLocked evicts every idle instance whose lastUsed is older
// than maxIdleTime. Must be called with p.mu held.
func (p *Pool) reapOnceLocked() {
	if p.maxIdleTime <= 0 {
		return
	}
	now := time.Now()

	var toEvict []*instanceEntry
	for e := p.idle.Front(); e != nil; e = e.Next() {
		ie := e.Value.(*instanceEntry)
		if now.Sub(ie.inst.LastUsed()) > p.maxIdleTime {
			toEvict = append(toEvict, ie)
		}
	}

	for _, ie := range toEvict {
		p.removeInstanceLocked(ie)
		if err := ie.inst.Shutdown(); err != nil {
			p.log.WithError(err).WithField("app_root", ie.appRoot).Warn("error shutting down reaped instance")
		}
	}
	if len(toEvict) > 0 {
		p.updateMetricsLocked()
		p.cond.Broadcast()
	}
}
