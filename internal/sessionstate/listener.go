package sessionstate

import "sync"

// Listener is told when a record this member believed it owned was changed,
// removed, or taken over by another member.
type Listener interface {
	SessionExternallyModified(app string, local *Record)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(app string, local *Record)

// SessionExternallyModified calls f.
func (f ListenerFunc) SessionExternallyModified(app string, local *Record) { f(app, local) }

type subscription struct {
	id uint64
	l  Listener
}

type listenerSet struct {
	mu     sync.RWMutex
	nextID uint64
	byApp  map[string][]subscription
}

func newListenerSet() *listenerSet {
	return &listenerSet{byApp: make(map[string][]subscription)}
}

func (ls *listenerSet) add(app string, l Listener) uint64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.nextID++
	ls.byApp[app] = append(ls.byApp[app], subscription{id: ls.nextID, l: l})
	return ls.nextID
}

func (ls *listenerSet) remove(app string, id uint64) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	subs := ls.byApp[app]
	for i, s := range subs {
		if s.id == id {
			ls.byApp[app] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(ls.byApp[app]) == 0 {
		delete(ls.byApp, app)
	}
}

// forApp returns the listeners subscribed to app plus the wildcard ones.
func (ls *listenerSet) forApp(app string) []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	var out []Listener
	for _, s := range ls.byApp[app] {
		out = append(out, s.l)
	}
	if app != AllApps {
		for _, s := range ls.byApp[AllApps] {
			out = append(out, s.l)
		}
	}
	return out
}
