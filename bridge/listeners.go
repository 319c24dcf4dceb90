package bridge

import (
	"sync"

	"go.arsenm.dev/wvbridge/internal/types"
)

// listener is a one-shot predicate over inbound messages. It
// returns true when it claimed the message.
type listener struct {
	match func(*types.Message) bool
}

// listenerRegistry holds the listeners waiting for responses
type listenerRegistry struct {
	mtx  sync.Mutex
	list []*listener
}

// add appends a listener and returns it so it can be removed later
func (r *listenerRegistry) add(match func(*types.Message) bool) *listener {
	l := &listener{match: match}

	r.mtx.Lock()
	r.list = append(r.list, l)
	r.mtx.Unlock()

	return l
}

// remove deletes the given listener, returning false if it
// was not registered
func (r *listenerRegistry) remove(l *listener) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for i, cur := range r.list {
		if cur == l {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return true
		}
	}
	return false
}

// len returns the amount of registered listeners
func (r *listenerRegistry) len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.list)
}

// dispatch offers msg to every listener, most recently added first,
// and removes the listeners that claim it. Listeners run without
// the lock held, so they may add or remove listeners themselves.
func (r *listenerRegistry) dispatch(msg *types.Message) (claimed int) {
	r.mtx.Lock()
	snapshot := make([]*listener, len(r.list))
	copy(snapshot, r.list)
	r.mtx.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		l := snapshot[i]
		if l.match(msg) {
			r.remove(l)
			claimed++
		}
	}

	return claimed
}
