package pool

import (
	"container/list"

	"github.com/passenger-oss/appserver/internal/spawner"
)

// instanceEntry wraps one ApplicationInstance together with the list
// elements it occupies, so both removals are O(1).
type instanceEntry struct {
	inst     *spawner.ApplicationInstance
	appRoot  string
	appElem  *list.Element // always set: position within its appEntry's list
	idleElem *list.Element // set only while activeSessions == 0
}

// appEntry is the per-appRoot instance list.
type appEntry struct {
	appRoot   string
	instances *list.List // of *instanceEntry
}

func newAppEntry(appRoot string) *appEntry {
	return &appEntry{appRoot: appRoot, instances: list.New()}
}

// headIdle returns the front instanceEntry if it has zero active
// sessions, else nil.
func (p *Pool) headIdle(ae *appEntry) *instanceEntry {
	front := ae.instances.Front()
	if front == nil {
		return nil
	}
	ie := front.Value.(*instanceEntry)
	if ie.inst.ActiveSessions() == 0 {
		return ie
	}
	return nil
}

// removeFromIdleLocked drops ie from the global idle list, if present.
func (p *Pool) removeFromIdleLocked(ie *instanceEntry) {
	if ie.idleElem != nil {
		p.idle.Remove(ie.idleElem)
		ie.idleElem = nil
	}
}

// pushIdleLocked appends ie to the back of the global idle list (most
// recently freed).
func (p *Pool) pushIdleLocked(ie *instanceEntry) {
	if ie.idleElem != nil {
		return
	}
	ie.idleElem = p.idle.PushBack(ie)
}

// removeInstanceLocked fully detaches ie from both its appEntry and the
// idle list, dropping the appEntry if it becomes empty, and adjusts
// bookkeeping counters. It does not shut down the instance.
func (p *Pool) removeInstanceLocked(ie *instanceEntry) {
	p.removeFromIdleLocked(ie)
	if ae, ok := p.apps[ie.appRoot]; ok {
		ae.instances.Remove(ie.appElem)
		p.appCount[ie.appRoot]--
		if ae.instances.Len() == 0 {
			delete(p.apps, ie.appRoot)
			delete(p.appCount, ie.appRoot)
			p.forgetRestartStateLocked(ie.appRoot)
		}
	}
	p.count--
}
