package fs

import (
	"sync"

	"github.com/mfedel/safefs/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Kind is the closed sum of node types. Once assigned it never changes.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindFolder
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	case KindLink:
		return "link"
	}
	return "unknown"
}

// Node is what every filesystem entity exposes regardless of kind.
type Node interface {
	ObjId() storage.ObjId
	Name() string
	Kind() Kind
	Version() uint64
	Attrs() CommonAttrs
	GetXAttr(name string) ([]byte, bool)
	ListXAttrs() []string
	UpdateXAttrs(ch *XAttrsChanges) (uint64, error)
}

// node carries the identity and versioned state common to files, folders and
// links. The change channel is the node's exclusive write lock: it is held
// from the start of a mutation until the new version has been handed to the
// store or abandoned. It must not be re-acquired on the same call chain;
// nested acquisition deadlocks and is a bug in the caller.
type node struct {
	fs       *FS
	id       storage.ObjId
	kind     Kind
	key      []byte
	change   chan struct{}

	mu       sync.Mutex
	parentId storage.ObjId
	name     string
	version  uint64
	attrs    CommonAttrs
	xattrs   XAttrs
}

func newNode(fs *FS, id, parentId storage.ObjId, name string, kind Kind, key []byte) node {
	return node{
		fs:       fs,
		id:       id,
		parentId: parentId,
		name:     name,
		kind:     kind,
		key:      key,
		change:   make(chan struct{}, 1),
	}
}

func (n *node) lockChange()   { n.change <- struct{}{} }
func (n *node) unlockChange() { <-n.change }

// doChange runs fn under the node's exclusive change lock.
func (n *node) doChange(fn func() error) error {
	n.lockChange()
	defer n.unlockChange()
	return fn()
}

func (n *node) ObjId() storage.ObjId { return n.id }
func (n *node) Kind() Kind           { return n.kind }

func (n *node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

func (n *node) ParentId() storage.ObjId {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parentId
}

func (n *node) Version() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

func (n *node) Attrs() CommonAttrs {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attrs
}

func (n *node) GetXAttr(name string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.xattrs[name]
	if !ok {
		return nil, false
	}
	dup := make([]byte, len(v))
	copy(dup, v)
	return dup, true
}

func (n *node) ListXAttrs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.xattrs.Names()
}

// paramsForUpdate computes the next version's parameters without touching the
// node's live state. Attrs get a fresh mtime; xattr changes apply to a copy.
func (n *node) paramsForUpdate(ch *XAttrsChanges) (version uint64, attrs CommonAttrs, xattrs XAttrs, err error) {
	n.mu.Lock()
	version = n.version + 1
	attrs = n.attrs
	xattrs, err = n.xattrs.apply(ch)
	n.mu.Unlock()
	if err != nil {
		return 0, CommonAttrs{}, nil, err
	}
	attrs.MTime = nowMillis()
	if attrs.CTime == 0 {
		attrs.CTime = attrs.MTime
	}
	return version, attrs, xattrs, nil
}

// setUpdated commits the persisted version into the live node.
func (n *node) setUpdated(version uint64, attrs CommonAttrs, xattrs XAttrs) {
	n.mu.Lock()
	n.version = version
	n.attrs = attrs
	n.xattrs = xattrs
	n.mu.Unlock()
	log.WithFields(log.Fields{
		"obj":     n.id,
		"kind":    n.kind.String(),
		"version": version,
	}).Debug("Node updated")
}

func (n *node) setLocation(parentId storage.ObjId, name string) {
	n.mu.Lock()
	n.parentId = parentId
	n.name = name
	n.mu.Unlock()
}

func (n *node) emit(ev storage.Event) {
	n.mu.Lock()
	ne := storage.NodeEvent{
		ObjId:       n.id,
		ParentObjId: n.parentId,
		Name:        n.name,
		Event:       ev,
	}
	n.mu.Unlock()
	n.fs.hub.publish(ne)
}
