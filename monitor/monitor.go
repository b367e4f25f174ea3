// Package monitor implements the subtree observer (spec component D): it
// watches a folder and emits create/delete events for its descendants,
// deduplicating repeated reports the way spec §4.4 requires.
//
// Grounded on tree/tree.go's "walk the arena, track what's already known"
// shape (the same pattern tree/diff.go uses to avoid re-walking unchanged
// subtrees), adapted here from a one-shot diff to a live, restartable
// observer.
package monitor

import (
	"sync"

	"github.com/arn-go/arnd/link"
)

// EventKind distinguishes the four event shapes spec §4.4 names.
type EventKind byte

const (
	ChildFound EventKind = iota
	ChildDeleted
	ItemCreatedBelow
	ItemDeletedBelow
)

// Event is delivered to a Monitor's channel.
type Event struct {
	Kind EventKind
	Path string
}

// Monitor observes a folder link for child and descendant lifecycle
// events.
type Monitor struct {
	store  *link.Store
	folder *link.Link

	mu       sync.Mutex
	reported map[string]bool // already-reported immediate children, by full path
	events   chan Event

	sub    *link.Subscriber
	closed bool
}

// Open starts monitoring folder, reporting a ChildFound for every existing
// immediate child (spec §4.4: "once for every existing immediate child at
// start").
func Open(store *link.Store, folder *link.Link) *Monitor {
	m := &Monitor{
		store:    store,
		folder:   folder,
		reported: make(map[string]bool),
		events:   make(chan Event, 256),
	}
	m.sub = &link.Subscriber{Kind: link.SubscriberHandle, Deliver: make(chan link.Notification, 256)}
	store.Subscribe(folder, m.sub)
	go m.pump()
	m.reportExisting()
	return m
}

// Events returns the channel of observed events.
func (m *Monitor) Events() <-chan Event { return m.events }

func (m *Monitor) reportExisting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, child := range m.store.EnumerateChildren(m.folder) {
		name := child.Path()
		if !m.reported[name] {
			m.reported[name] = true
			m.emit(Event{Kind: ChildFound, Path: name})
		}
	}
}

// Restart clears the set of already-reported children and re-emits
// ChildFound for every current child (spec §4.4 restart()).
func (m *Monitor) Restart() {
	m.mu.Lock()
	m.reported = make(map[string]bool)
	m.mu.Unlock()
	m.reportExisting()
}

func (m *Monitor) pump() {
	for n := range m.sub.Deliver {
		switch n.Kind {
		case link.NotifyDestroyed:
			m.handleDelete(n.Path)
		case link.NotifyCreated:
			m.handleCreateLike(n.Path)
		default:
			// Value/mode changes are not existence events; a Monitor
			// only reports creation and deletion (spec §4.4).
		}
	}
}

func (m *Monitor) handleCreateLike(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isImmediateChild(m.folder.Path(), path) {
		if !m.reported[path] {
			m.reported[path] = true
			m.emit(Event{Kind: ChildFound, Path: path})
		}
		return
	}
	if isDescendant(m.folder.Path(), path) {
		m.emit(Event{Kind: ItemCreatedBelow, Path: path})
	}
}

func (m *Monitor) handleDelete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isImmediateChild(m.folder.Path(), path) {
		delete(m.reported, path)
		m.emit(Event{Kind: ChildDeleted, Path: path})
		return
	}
	if isDescendant(m.folder.Path(), path) {
		m.emit(Event{Kind: ItemDeletedBelow, Path: path})
	}
}

func (m *Monitor) emit(e Event) {
	select {
	case m.events <- e:
	default:
		// Consumer stalled; drop rather than block the delivering
		// goroutine, consistent with link.Store.notifyLocked's policy.
	}
}

// Close stops the monitor.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.store.Unsubscribe(m.folder, m.sub)
	close(m.sub.Deliver)
}

func isImmediateChild(folder, path string) bool {
	if folder == "/" {
		return len(path) > 1 && path[0] == '/' && indexByteAfter(path, 1, '/') == -1
	}
	if len(path) <= len(folder) || path[:len(folder)] != folder || path[len(folder)] != '/' {
		return false
	}
	return indexByteAfter(path, len(folder)+1, '/') == -1
}

func isDescendant(folder, path string) bool {
	if folder == "/" {
		return len(path) > 1
	}
	return len(path) > len(folder) && path[:len(folder)] == folder && path[len(folder)] == '/'
}

func indexByteAfter(s string, from int, b byte) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
