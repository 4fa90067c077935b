package fs

import (
	"strings"

	"github.com/mfedel/safefs/internal/storage"
)

// TreeEvent is a node event translated to the consumer-visible path at the
// time the event occurs.
type TreeEvent struct {
	Path  string
	ObjId storage.ObjId
	Event storage.Event
}

// pendingMove holds the half of a cross-folder move that arrived first,
// keyed by move label until its counterpart shows up.
type pendingMove struct {
	newPath string
	hasPath bool
	objId   storage.ObjId
}

// objIdToPath maps watched objects to their paths relative to the watch
// root, absorbing renames and moves as events arrive. It is single-owner:
// one map per watch-tree subscription, mutated only by its router goroutine.
type objIdToPath struct {
	byId    map[storage.ObjId]string
	byPath  map[string]storage.ObjId
	pending map[string]pendingMove
}

func newObjIdToPath() *objIdToPath {
	return &objIdToPath{
		byId:    make(map[storage.ObjId]string),
		byPath:  make(map[string]storage.ObjId),
		pending: make(map[string]pendingMove),
	}
}

func (m *objIdToPath) insert(id storage.ObjId, path string) {
	if old, ok := m.byId[id]; ok {
		delete(m.byPath, old)
	}
	m.byId[id] = path
	m.byPath[path] = id
}

func (m *objIdToPath) removeSubtree(path string) {
	prefix := path + "/"
	for p, id := range m.byPath {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.byPath, p)
			delete(m.byId, id)
		}
	}
}

func (m *objIdToPath) remapSubtree(oldPath, newPath string) {
	prefix := oldPath + "/"
	type move struct {
		id       storage.ObjId
		from, to string
	}
	var moves []move
	for p, id := range m.byPath {
		if p == oldPath {
			moves = append(moves, move{id, p, newPath})
		} else if strings.HasPrefix(p, prefix) {
			moves = append(moves, move{id, p, newPath + p[len(oldPath):]})
		}
	}
	for _, mv := range moves {
		delete(m.byPath, mv.from)
	}
	for _, mv := range moves {
		m.byId[mv.id] = mv.to
		m.byPath[mv.to] = mv.id
	}
}

func childPath(parent, name string) string {
	if parent == "." {
		return name
	}
	return parent + "/" + name
}

// treeRouter corrects raw node events into path events for one watch-tree
// subscription.
type treeRouter struct {
	base     string
	m        *objIdToPath
	observer func(TreeEvent)
}

func (r *treeRouter) consumerPath(rel string) string {
	if rel == "." {
		if r.base == "" {
			return "/"
		}
		return r.base
	}
	if r.base == "" {
		return "/" + rel
	}
	return r.base + "/" + rel
}

func (r *treeRouter) emit(rel string, id storage.ObjId, ev storage.Event) {
	r.observer(TreeEvent{Path: r.consumerPath(rel), ObjId: id, Event: ev})
}

func (r *treeRouter) handle(ev storage.NodeEvent) {
	m := r.m
	path, known := m.byId[ev.ObjId]
	if known {
		switch ev.Event.Kind {
		case storage.EvRemoved:
			m.removeSubtree(path)
			r.emit(path, ev.ObjId, ev.Event)
		case storage.EvFileChange:
			r.emit(path, ev.ObjId, ev.Event)
		case storage.EvEntryRenamed:
			oldChild := childPath(path, ev.Event.Name)
			newChild := childPath(path, ev.Event.NewName)
			childId, ok := m.byPath[oldChild]
			if ok {
				m.remapSubtree(oldChild, newChild)
			}
			r.emit(newChild, childId, ev.Event)
		case storage.EvEntryRemoved:
			child := childPath(path, ev.Event.Name)
			childId, ok := m.byPath[child]
			if label := ev.Event.MoveLabel; label != "" {
				if pm, pok := m.pending[label]; pok && pm.hasPath {
					// The addition arrived first; the mapping converges now.
					delete(m.pending, label)
					if ok {
						m.remapSubtree(child, pm.newPath)
					}
				} else if ok {
					m.pending[label] = pendingMove{objId: childId}
				}
			} else if ok {
				m.removeSubtree(child)
			}
			r.emit(child, childId, ev.Event)
		case storage.EvEntryAdded:
			if ev.Event.Entry == nil {
				return
			}
			newChild := childPath(path, ev.Event.Entry.Name)
			if label := ev.Event.MoveLabel; label != "" {
				if pm, pok := m.pending[label]; pok && pm.objId != "" {
					delete(m.pending, label)
					if oldPath, ok := m.byId[pm.objId]; ok {
						m.remapSubtree(oldPath, newChild)
					} else {
						m.insert(pm.objId, newChild)
					}
				} else {
					m.pending[label] = pendingMove{newPath: newChild, hasPath: true}
				}
			} else if ev.Event.Entry.ObjId != "" {
				m.insert(ev.Event.Entry.ObjId, newChild)
			}
			r.emit(newChild, ev.Event.Entry.ObjId, ev.Event)
		}
		return
	}
	// A node we have not seen yet: place it under a known parent, except for
	// removals of the unknown.
	if parentPath, ok := m.byId[ev.ParentObjId]; ok && ev.Event.Kind != storage.EvRemoved && ev.Name != "" {
		rel := childPath(parentPath, ev.Name)
		m.insert(ev.ObjId, rel)
		r.emit(rel, ev.ObjId, ev.Event)
		return
	}
	// Not in the watched subtree.
}

// WatchTree observes the subtree rooted at path: every emitted event carries
// the consumer-visible path at the time it occurs, and a cross-folder move
// yields exactly one removal/addition pair sharing a move label. The returned
// detach is idempotent.
func (fs *FS) WatchTree(path string, observer func(TreeEvent)) (func(), error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	folder, err := fs.folderAt(path, false, false)
	if err != nil {
		return nil, withPath(err, path)
	}
	base := ""
	if parts := SplitPath(path); len(parts) > 0 {
		base = "/" + joinPath(parts...)
	}
	// Subscribe before snapshotting, so nothing slips between the snapshot
	// and the first routed event.
	ch, cancel := fs.hub.subscribe()
	m := newObjIdToPath()
	m.insert(folder.id, ".")
	if err := folder.snapshotTree("", func(rel string, id storage.ObjId, kind Kind) {
		m.insert(id, rel)
	}); err != nil {
		cancel()
		return nil, withPath(err, path)
	}
	router := &treeRouter{base: base, m: m, observer: observer}
	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				router.handle(ev)
			case <-fs.done:
				return
			}
		}
	}()
	return cancel, nil
}

// WatchFolder observes entry-level events of the folder at path.
func (fs *FS) WatchFolder(path string, observer func(storage.Event)) (func(), error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	folder, err := fs.folderAt(path, false, false)
	if err != nil {
		return nil, withPath(err, path)
	}
	return fs.watchNode(folder.id, observer, storage.EvEntryAdded, storage.EvEntryRemoved, storage.EvEntryRenamed, storage.EvRemoved)
}

// WatchFile observes change and removal events of the file at path.
func (fs *FS) WatchFile(path string, observer func(storage.Event)) (func(), error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	file, err := fs.fileAt(path, Flags{})
	if err != nil {
		return nil, err
	}
	return fs.watchNode(file.id, observer, storage.EvFileChange, storage.EvRemoved)
}

func (fs *FS) watchNode(id storage.ObjId, observer func(storage.Event), kinds ...storage.EventKind) (func(), error) {
	wanted := make(map[storage.EventKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	ch, cancel := fs.hub.subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.ObjId == id && wanted[ev.Event.Kind] {
					observer(ev.Event)
				}
			case <-fs.done:
				return
			}
		}
	}()
	return cancel, nil
}
