package link

import (
	"fmt"
	"strings"
	"sync"

	"github.com/arn-go/arnd/value"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Store is the process-wide tree (spec component A). It owns the arena of
// Links and serializes every mutation behind mu, playing the role
// `tree.Tree`/`tree.Store` play for muscle's node arena (grounded on
// tree/tree.go, tree/node.go).
type Store struct {
	mu       sync.Mutex
	nextID   ID
	byID     map[ID]*Link
	byPath   map[string]ID
	creating singleflight.Group

	root ID
}

// NewStore creates an empty tree with just the root folder at "/".
func NewStore() *Store {
	s := &Store{
		byID:   make(map[ID]*Link),
		byPath: make(map[string]ID),
	}
	root := &Link{id: s.allocID(), path: "/", kind: KindFolder, children: make(map[string]ID)}
	s.byID[root.id] = root
	s.byPath["/"] = root.id
	s.root = root.id
	return s
}

func (s *Store) allocID() ID {
	s.nextID++
	return s.nextID
}

// canonicalize normalizes a path per spec §3.1: "//" is shorthand for "/@/".
func canonicalize(path string) string {
	if strings.HasPrefix(path, "//") {
		return "/@/" + strings.TrimPrefix(path, "//")
	}
	return path
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Lookup returns the link at path, or nil if it does not exist. It never
// creates (spec §4.1).
func (s *Store) Lookup(path string) *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(canonicalize(path))
}

func (s *Store) lookupLocked(path string) *Link {
	id, ok := s.byPath[path]
	if !ok {
		return nil
	}
	return s.byID[id]
}

// GetOrCreate returns the link at path, materializing missing ancestor
// folders and the target itself if needed (spec §4.1). Concurrent callers
// racing to create the same path all observe the same resulting link: the
// singleflight group collapses concurrent creators the way spec §4.1
// requires ("only one creator wins per path").
func (s *Store) GetOrCreate(path string, kind Kind, initialMode Mode) (*Link, error) {
	path = canonicalize(path)
	v, err, _ := s.creating.Do(path, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.getOrCreateLocked(path, kind, initialMode)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Link), nil
}

func (s *Store) getOrCreateLocked(path string, kind Kind, initialMode Mode) (*Link, error) {
	if l := s.lookupLocked(path); l != nil {
		return l, nil
	}
	segs := segments(path)
	if len(segs) == 0 {
		return s.byID[s.root], nil
	}
	cur := s.byID[s.root]
	built := "/"
	for i, seg := range segs {
		last := i == len(segs)-1
		childKind := KindFolder
		childMode := Mode(0)
		if last {
			childKind, childMode = kind, initialMode
		}
		name := seg
		built = strings.TrimRight(built, "/") + "/" + name
		childID, ok := cur.children[name]
		var child *Link
		if ok {
			child = s.byID[childID]
		} else {
			if cur.kind != KindFolder {
				return nil, fmt.Errorf("link: %q is not a folder", cur.path)
			}
			child = &Link{
				id:       s.allocID(),
				path:     built,
				kind:     childKind,
				mode:     childMode,
				value:    value.Null(),
				parent:   cur.id,
				hasParent: true,
			}
			if childKind == KindFolder {
				child.children = make(map[string]ID)
			}
			cur.children[name] = child.id
			cur.order = append(cur.order, name)
			cur.refcount++
			s.byID[child.id] = child
			s.byPath[child.path] = child.id
			log.WithFields(log.Fields{"op": "create", "path": child.path}).Debug("link created")
			s.notifyLocked(child, Notification{LinkID: child.id, Path: child.path, Kind: NotifyCreated}, nil)
		}
		cur = child
	}
	return cur, nil
}

// AddTwin creates (idempotently) the twin of link, i.e. the other polarity
// of a BiDir pair, at the path obtained by flipping the trailing `!`
// marker of link's last segment (spec §3.2, invariant I2).
func (s *Store) AddTwin(l *Link, initialMode Mode) (*Link, error) {
	s.mu.Lock()
	if l.hasTwin {
		twin := s.byID[l.twin]
		s.mu.Unlock()
		return twin, nil
	}
	parentPath := "/"
	if idx := strings.LastIndexByte(strings.TrimRight(l.path, "/"), '/'); idx >= 0 {
		parentPath = l.path[:idx]
		if parentPath == "" {
			parentPath = "/"
		}
	}
	lastSeg := l.path[strings.LastIndexByte(l.path, '/')+1:]
	twinPath := strings.TrimRight(parentPath, "/") + "/" + TwinName(lastSeg)
	mode := l.mode | ModeBiDir | initialMode
	s.mu.Unlock()

	twin, err := s.GetOrCreate(twinPath, l.kind, mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l.mode |= ModeBiDir
	twin.mode = l.mode
	l.twin, l.hasTwin = twin.id, true
	twin.twin, twin.hasTwin = l.id, true
	return twin, nil
}

// EnumerateChildren returns the ordered (insertion order) list of a
// folder's children (spec §4.1).
func (s *Store) EnumerateChildren(folder *Link) []*Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Link, 0, len(folder.order))
	for _, name := range folder.order {
		if id, ok := folder.children[name]; ok {
			if child := s.byID[id]; child != nil && !child.destroyed {
				out = append(out, child)
			}
		}
	}
	return out
}

// AddMode asserts additional mode bits on l (spec §4.2). Setting Pipe
// implies setting BiDir. Setting Save on a path outside the persistence
// mount point fails silently per spec §4.2 ("fails silently (warning)").
func (s *Store) AddMode(l *Link, m Mode, underPersistMount func(path string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m&ModePipe != 0 {
		m |= ModeBiDir
	}
	if m&ModeSave != 0 && underPersistMount != nil && !underPersistMount(l.path) {
		log.WithField("path", l.path).Warn("cannot set Save mode outside persistence mount point")
		m &^= ModeSave
	}
	before := l.mode
	l.mode |= m
	if l.mode == before {
		return // no-op: already set, no spurious notification (spec §8 round-trip property)
	}
	if l.hasTwin {
		if twin := s.byID[l.twin]; twin != nil {
			twin.mode = l.mode
		}
	}
	s.notifyLocked(l, Notification{LinkID: l.id, Path: l.path, Kind: NotifyMode}, nil)
}

// Destroy removes l from the tree immediately, whatever its refcount (the
// force delete of spec §3.2 lifecycle). If isGlobal, the caller is expected to have already
// propagated a `del` frame through every active session (syncsrv's job);
// Destroy itself only updates local arena state and notifies subscribers.
func (s *Store) Destroy(l *Link, isGlobal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked(l)
}

func (s *Store) destroyLocked(l *Link) {
	if l.destroyed {
		return
	}
	l.destroyed = true
	if l.hasParent {
		if parent := s.byID[l.parent]; parent != nil {
			name := l.path[strings.LastIndexByte(l.path, '/')+1:]
			delete(parent.children, name)
			for i, n := range parent.order {
				if n == name {
					parent.order = append(parent.order[:i], parent.order[i+1:]...)
					break
				}
			}
		}
	}
	delete(s.byPath, l.path)
	s.notifyLocked(l, Notification{LinkID: l.id, Path: l.path, Kind: NotifyDestroyed}, nil)
	if l.hasTwin {
		if twin := s.byID[l.twin]; twin != nil && !twin.destroyed && twin.refcount == 0 && len(twin.children) == 0 {
			s.destroyLocked(twin)
		}
	}
}

// SetSyncMode records the local declaration of Master/AutoDestroy for l
// (spec §4.6.4: "Master is declared on the side setting it before open").
// It is process-local bookkeeping consulted when a session first
// replicates l (see syncsrv.Session.Announce's smode argument); it does
// not by itself notify any session.
func (s *Store) SetSyncMode(l *Link, m SyncMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.syncMode |= m
}

// SyncMode returns l's locally declared sync-mode bits.
func (s *Store) SyncMode(l *Link) SyncMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.syncMode
}

// Refcount returns the link's current reference count, as adjusted by
// Ref/Unref and by GetOrCreate's parent bookkeeping. A twin's hold is not
// counted here; Unref checks the twin separately.
func (s *Store) Refcount(l *Link) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.refcount
}

// Ref/Unref adjust the handle-held portion of refcount (spec invariant I4).
// Unref destroys the link immediately if the count reaches zero and it has
// no children and no live twin holding it.
func (s *Store) Ref(l *Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refcount++
}

func (s *Store) Unref(l *Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refcount--
	if l.refcount > 0 || len(l.children) != 0 {
		return
	}
	if l.hasTwin {
		if twin := s.byID[l.twin]; twin != nil && !twin.destroyed && (twin.refcount > 0 || len(twin.children) != 0) {
			return // the live twin still holds this link
		}
	}
	s.destroyLocked(l)
}
