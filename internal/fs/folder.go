package fs

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mfedel/safefs/internal/segbox"
	"github.com/mfedel/safefs/internal/storage"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// childRef is one folder-table entry. The key is the child's own symmetric
// key; a folder payload is self-describing and unlocks its whole subtree.
type childRef struct {
	ObjId    storage.ObjId `json:"objId"`
	Key      []byte        `json:"key"`
	IsFile   bool          `json:"isFile,omitempty"`
	IsFolder bool          `json:"isFolder,omitempty"`
	IsLink   bool          `json:"isLink,omitempty"`
}

func (c childRef) kind() Kind {
	switch {
	case c.IsFolder:
		return KindFolder
	case c.IsLink:
		return KindLink
	default:
		return KindFile
	}
}

func refForKind(kind Kind, id storage.ObjId, key []byte) childRef {
	ref := childRef{ObjId: id, Key: key}
	switch kind {
	case KindFolder:
		ref.IsFolder = true
	case KindLink:
		ref.IsLink = true
	default:
		ref.IsFile = true
	}
	return ref
}

type folderContent struct {
	Nodes map[string]childRef `json:"nodes"`
}

func newNodeKey() ([]byte, error) {
	key := make([]byte, segbox.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate node key")
	}
	return key, nil
}

// Folder is a directory node: an encrypted child table plus the event stream
// of its entry changes.
type Folder struct {
	node

	cmu     sync.Mutex
	entries map[string]childRef
	loaded  map[string]Node
}

var _ Node = (*Folder)(nil)

func newFolderNode(fs *FS, id, parentId storage.ObjId, name string, key []byte) *Folder {
	return &Folder{
		node:    newNode(fs, id, parentId, name, KindFolder, key),
		entries: make(map[string]childRef),
		loaded:  make(map[string]Node),
	}
}

// loadNode reads an object and builds the node of the given kind around it.
func (fs *FS) loadNode(parentId, id storage.ObjId, name string, kind Kind, key []byte) (Node, error) {
	obj, err := fs.store.GetObj(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fileErr(ENOENT, "")
	}
	if err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	p, err := readPayload(fs.crypt, key, id, obj)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindFolder:
		folder := newFolderNode(fs, id, parentId, name, key)
		content, err := p.Content()
		if err != nil {
			return nil, err
		}
		var table folderContent
		if err := json.Unmarshal(content, &table); err != nil {
			return nil, fileErrCause(EIO, "", err)
		}
		if table.Nodes != nil {
			folder.entries = table.Nodes
		}
		folder.version = p.version
		folder.attrs = p.meta.Attrs
		folder.xattrs = p.meta.XAttrs
		return folder, nil
	case KindLink:
		link := &Link{node: newNode(fs, id, parentId, name, KindLink, key)}
		content, err := p.Content()
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &link.params); err != nil {
			return nil, fileErrCause(EIO, "", err)
		}
		link.version = p.version
		link.attrs = p.meta.Attrs
		link.xattrs = p.meta.XAttrs
		return link, nil
	default:
		file := &File{node: newNode(fs, id, parentId, name, KindFile, key)}
		file.version = p.version
		file.attrs = p.meta.Attrs
		file.xattrs = p.meta.XAttrs
		file.size = p.ContentLen()
		return file, nil
	}
}

// tableContent serializes a child table for persistence.
func tableContent(entries map[string]childRef) ([]byte, error) {
	return json.Marshal(folderContent{Nodes: entries})
}

// persistTable seals and stores the folder with the given table. Callers hold
// the folder's change lock and commit the table only when this succeeds.
func (f *Folder) persistTable(version uint64, attrs CommonAttrs, xattrs XAttrs, entries map[string]childRef) error {
	content, err := tableContent(entries)
	if err != nil {
		return fileErrCause(EIO, "", err)
	}
	stream, err := sealWhole(f.fs.crypt, f.key, f.id, version, payloadMeta{Attrs: attrs, XAttrs: xattrs}, content)
	if err != nil {
		return fileErrCause(EIO, "", err)
	}
	if err := f.fs.store.SaveObj(f.id, version, stream); err != nil {
		return fileErrCause(EIO, "", err)
	}
	return nil
}

func (f *Folder) cloneEntries() map[string]childRef {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	out := make(map[string]childRef, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out
}

func (f *Folder) entry(name string) (childRef, bool) {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	ref, ok := f.entries[name]
	return ref, ok
}

func (f *Folder) childCount() int {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	return len(f.entries)
}

// child returns the named child, loading it from the store on first access.
func (f *Folder) child(name string) (Node, error) {
	f.cmu.Lock()
	if n, ok := f.loaded[name]; ok {
		f.cmu.Unlock()
		return n, nil
	}
	ref, ok := f.entries[name]
	f.cmu.Unlock()
	if !ok {
		return nil, fileErr(ENOENT, "")
	}
	n, err := f.fs.loadNode(f.id, ref.ObjId, name, ref.kind(), ref.Key)
	if err != nil {
		return nil, err
	}
	f.cmu.Lock()
	// Another reader may have loaded it meanwhile; keep the first one.
	if cached, ok := f.loaded[name]; ok {
		n = cached
	} else {
		f.loaded[name] = n
	}
	f.cmu.Unlock()
	return n, nil
}

// GetNode returns the named child of any kind.
func (f *Folder) GetNode(name string) (Node, error) {
	return f.child(name)
}

// GetFile returns the named child file. With nullOnMissing, a missing entry
// yields (nil, nil) instead of ENOENT.
func (f *Folder) GetFile(name string, nullOnMissing bool) (*File, error) {
	n, err := f.child(name)
	if errors.Is(err, ErrNotFound) && nullOnMissing {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	file, ok := n.(*File)
	if !ok {
		return nil, fileErr(ENOTFILE, "")
	}
	return file, nil
}

func (f *Folder) GetFolder(name string) (*Folder, error) {
	n, err := f.child(name)
	if err != nil {
		return nil, err
	}
	folder, ok := n.(*Folder)
	if !ok {
		return nil, fileErr(ENOTDIR, "")
	}
	return folder, nil
}

func (f *Folder) GetLink(name string) (*Link, error) {
	n, err := f.child(name)
	if err != nil {
		return nil, err
	}
	link, ok := n.(*Link)
	if !ok {
		return nil, fileErr(ENOTLINK, "")
	}
	return link, nil
}

// Entry is one row of a folder listing.
type Entry struct {
	Name     string
	IsFile   bool
	IsFolder bool
	IsLink   bool
}

// List snapshots the folder's entries and current version.
func (f *Folder) List() ([]Entry, uint64, error) {
	f.cmu.Lock()
	out := make([]Entry, 0, len(f.entries))
	for name, ref := range f.entries {
		out = append(out, Entry{
			Name:     name,
			IsFile:   ref.kind() == KindFile,
			IsFolder: ref.kind() == KindFolder,
			IsLink:   ref.kind() == KindLink,
		})
	}
	f.cmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, f.Version(), nil
}

// FolderInSubTree walks pathParts from this folder. An empty path returns the
// folder itself. With create, missing intermediate segments become folders;
// with create and exclusive, an existing leaf fails with EEXIST.
func (f *Folder) FolderInSubTree(pathParts []string, create, exclusive bool) (*Folder, error) {
	cur := f
	for i, seg := range pathParts {
		leaf := i == len(pathParts)-1
		n, err := cur.child(seg)
		switch {
		case err == nil:
			sub, ok := n.(*Folder)
			if !ok {
				return nil, fileErr(ENOTDIR, "")
			}
			if leaf && create && exclusive {
				return nil, fileErr(EEXIST, "")
			}
			cur = sub
		case errors.Is(err, ErrNotFound):
			if !create {
				return nil, fileErr(ENOENT, "")
			}
			sub, err := cur.CreateFolder(seg, leaf && exclusive)
			if err != nil {
				return nil, err
			}
			cur = sub
		default:
			return nil, err
		}
	}
	return cur, nil
}

// createChild persists a brand-new child object first, then the folder with
// its new entry. On a crash between the two the orphan child is unreachable
// but no folder holds a dangling reference.
func (f *Folder) createChild(name string, kind Kind, content []byte) (Node, error) {
	id, err := f.fs.store.NewObjId()
	if err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	key, err := newNodeKey()
	if err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	now := nowMillis()
	childAttrs := CommonAttrs{CTime: now, MTime: now}
	stream, err := sealWhole(f.fs.crypt, key, id, 1, payloadMeta{Attrs: childAttrs}, content)
	if err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	if err := f.fs.store.SaveObj(id, 1, stream); err != nil {
		return nil, fileErrCause(EIO, "", err)
	}

	version, attrs, xattrs, err := f.paramsForUpdate(nil)
	if err != nil {
		return nil, err
	}
	entries := f.cloneEntries()
	entries[name] = refForKind(kind, id, key)
	if err := f.persistTable(version, attrs, xattrs, entries); err != nil {
		return nil, err
	}

	var child Node
	switch kind {
	case KindFolder:
		folder := newFolderNode(f.fs, id, f.id, name, key)
		folder.version = 1
		folder.attrs = childAttrs
		child = folder
	case KindLink:
		link := &Link{node: newNode(f.fs, id, f.id, name, KindLink, key)}
		_ = json.Unmarshal(content, &link.params)
		link.version = 1
		link.attrs = childAttrs
		child = link
	default:
		file := &File{node: newNode(f.fs, id, f.id, name, KindFile, key)}
		file.version = 1
		file.attrs = childAttrs
		child = file
	}

	f.cmu.Lock()
	f.entries = entries
	f.loaded[name] = child
	f.cmu.Unlock()
	f.setUpdated(version, attrs, xattrs)
	f.emit(storage.Event{
		Kind:    storage.EvEntryAdded,
		Version: version,
		Entry: &storage.Entry{
			Name:     name,
			ObjId:    id,
			IsFile:   kind == KindFile,
			IsFolder: kind == KindFolder,
			IsLink:   kind == KindLink,
		},
	})
	return child, nil
}

// CreateFile allocates a new empty file under this folder. Without exclusive,
// an existing file of that name is returned as is.
func (f *Folder) CreateFile(name string, exclusive bool) (*File, error) {
	if !validName(name) {
		return nil, fileErr(EBADARG, name)
	}
	var file *File
	err := f.doChange(func() error {
		if _, ok := f.entry(name); ok {
			if exclusive {
				return fileErr(EEXIST, "")
			}
			existing, err := f.GetFile(name, false)
			if err != nil {
				return err
			}
			file = existing
			return nil
		}
		child, err := f.createChild(name, KindFile, nil)
		if err != nil {
			return err
		}
		file = child.(*File)
		return nil
	})
	return file, err
}

// CreateFolder allocates a new empty folder under this folder. Without
// exclusive, an existing folder of that name is returned as is.
func (f *Folder) CreateFolder(name string, exclusive bool) (*Folder, error) {
	if !validName(name) {
		return nil, fileErr(EBADARG, name)
	}
	var folder *Folder
	err := f.doChange(func() error {
		if _, ok := f.entry(name); ok {
			if exclusive {
				return fileErr(EEXIST, "")
			}
			existing, err := f.GetFolder(name)
			if err != nil {
				return err
			}
			folder = existing
			return nil
		}
		empty, err := tableContent(map[string]childRef{})
		if err != nil {
			return fileErrCause(EIO, "", err)
		}
		child, err := f.createChild(name, KindFolder, empty)
		if err != nil {
			return err
		}
		folder = child.(*Folder)
		return nil
	})
	return folder, err
}

// CreateLink installs a link entry whose payload is the serialized link
// parameters. Linking policy violations are invariant errors, not file
// exceptions.
func (f *Folder) CreateLink(name string, params *LinkParameters) (*Link, error) {
	if !validName(name) {
		return nil, fileErr(EBADARG, name)
	}
	target, ok := parseStorageType(params.StorageType)
	if !ok {
		return nil, errorf("Folder.CreateLink", "unknown storage type %q", params.StorageType)
	}
	if host := f.fs.store.Type(); !linkAllowed(host, target) {
		return nil, errorf("Folder.CreateLink", "%v storage cannot link into %v storage", host, target)
	}
	content, err := json.Marshal(params)
	if err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	var link *Link
	err = f.doChange(func() error {
		if _, ok := f.entry(name); ok {
			return fileErr(EEXIST, "")
		}
		child, err := f.createChild(name, KindLink, content)
		if err != nil {
			return err
		}
		link = child.(*Link)
		return nil
	})
	return link, err
}

// RemoveChild unlinks the named child. A non-empty folder needs recursive.
// The removal becomes durable with the folder write; the child objects are
// then archived best-effort (folders are authoritative, an orphan object is
// merely leaked).
func (f *Folder) RemoveChild(name string, recursive bool) error {
	return f.doChange(func() error {
		ref, ok := f.entry(name)
		if !ok {
			return fileErr(ENOENT, "")
		}
		var victim Node
		if ref.kind() == KindFolder {
			n, err := f.child(name)
			if err != nil {
				return err
			}
			sub := n.(*Folder)
			if sub.childCount() > 0 && !recursive {
				return fileErr(ENOTEMPTY, "")
			}
			victim = n
		}
		version, attrs, xattrs, err := f.paramsForUpdate(nil)
		if err != nil {
			return err
		}
		entries := f.cloneEntries()
		delete(entries, name)
		if err := f.persistTable(version, attrs, xattrs, entries); err != nil {
			return err
		}
		f.cmu.Lock()
		f.entries = entries
		delete(f.loaded, name)
		f.cmu.Unlock()
		f.setUpdated(version, attrs, xattrs)

		if sub, ok := victim.(*Folder); ok {
			sub.archiveSubtree()
		}
		if err := f.fs.store.RemoveObj(ref.ObjId); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithFields(log.Fields{
				"obj":   ref.ObjId,
				"cause": err.Error(),
			}).Warning("Could not archive removed object")
		}
		f.emit(storage.Event{Kind: storage.EvEntryRemoved, Version: version, Name: name})
		f.fs.hub.publish(storage.NodeEvent{
			ObjId:       ref.ObjId,
			ParentObjId: f.id,
			Name:        name,
			Event:       storage.Event{Kind: storage.EvRemoved},
		})
		return nil
	})
}

// archiveSubtree best-effort removes every object below the folder.
func (f *Folder) archiveSubtree() {
	for name, ref := range f.cloneEntries() {
		if ref.kind() == KindFolder {
			if n, err := f.child(name); err == nil {
				n.(*Folder).archiveSubtree()
			}
		}
		if err := f.fs.store.RemoveObj(ref.ObjId); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithFields(log.Fields{
				"obj":   ref.ObjId,
				"cause": err.Error(),
			}).Warning("Could not archive removed object")
		}
	}
}

// MoveChildTo renames oldName into dstFolder under newName. A same-folder
// move is a rename and emits entry-renaming; a cross-folder move takes both
// change locks in obj id order and emits a correlated removal/addition pair.
// The child keeps its obj id and key either way.
func (f *Folder) MoveChildTo(oldName string, dst *Folder, newName string) error {
	if !validName(newName) {
		return fileErr(EBADARG, newName)
	}
	if dst == nil || dst.id == f.id {
		return f.renameChild(oldName, newName)
	}

	first, second := f, dst
	if second.id < first.id {
		first, second = second, first
	}
	first.lockChange()
	defer first.unlockChange()
	second.lockChange()
	defer second.unlockChange()

	ref, ok := f.entry(oldName)
	if !ok {
		return fileErr(ENOENT, "")
	}
	if _, ok := dst.entry(newName); ok {
		return wrapDst(fileErr(EEXIST, ""))
	}

	label := uuid.NewString()

	dstVersion, dstAttrs, dstXattrs, err := dst.paramsForUpdate(nil)
	if err != nil {
		return wrapDst(err)
	}
	dstEntries := dst.cloneEntries()
	dstEntries[newName] = ref
	if err := dst.persistTable(dstVersion, dstAttrs, dstXattrs, dstEntries); err != nil {
		return wrapDst(err)
	}

	srcVersion, srcAttrs, srcXattrs, err := f.paramsForUpdate(nil)
	if err != nil {
		return err
	}
	srcEntries := f.cloneEntries()
	delete(srcEntries, oldName)
	if err := f.persistTable(srcVersion, srcAttrs, srcXattrs, srcEntries); err != nil {
		return err
	}

	f.cmu.Lock()
	moved := f.loaded[oldName]
	delete(f.loaded, oldName)
	f.entries = srcEntries
	f.cmu.Unlock()
	dst.cmu.Lock()
	dst.entries = dstEntries
	if moved != nil {
		dst.loaded[newName] = moved
	}
	dst.cmu.Unlock()
	if moved != nil {
		relocate(moved, dst.id, newName)
	}
	f.setUpdated(srcVersion, srcAttrs, srcXattrs)
	dst.setUpdated(dstVersion, dstAttrs, dstXattrs)

	f.emit(storage.Event{Kind: storage.EvEntryRemoved, Version: srcVersion, Name: oldName, MoveLabel: label})
	dst.emit(storage.Event{
		Kind:      storage.EvEntryAdded,
		Version:   dstVersion,
		MoveLabel: label,
		Entry: &storage.Entry{
			Name:     newName,
			ObjId:    ref.ObjId,
			IsFile:   ref.kind() == KindFile,
			IsFolder: ref.kind() == KindFolder,
			IsLink:   ref.kind() == KindLink,
		},
	})
	return nil
}

func (f *Folder) renameChild(oldName, newName string) error {
	return f.doChange(func() error {
		ref, ok := f.entry(oldName)
		if !ok {
			return fileErr(ENOENT, "")
		}
		if oldName == newName {
			return nil
		}
		if _, ok := f.entry(newName); ok {
			return wrapDst(fileErr(EEXIST, ""))
		}
		version, attrs, xattrs, err := f.paramsForUpdate(nil)
		if err != nil {
			return err
		}
		entries := f.cloneEntries()
		delete(entries, oldName)
		entries[newName] = ref
		if err := f.persistTable(version, attrs, xattrs, entries); err != nil {
			return err
		}
		f.cmu.Lock()
		f.entries = entries
		if n, ok := f.loaded[oldName]; ok {
			delete(f.loaded, oldName)
			f.loaded[newName] = n
			relocate(n, f.id, newName)
		}
		f.cmu.Unlock()
		f.setUpdated(version, attrs, xattrs)
		f.emit(storage.Event{Kind: storage.EvEntryRenamed, Version: version, Name: oldName, NewName: newName})
		return nil
	})
}

// dstSideError marks an error raised on the destination side of a move, so
// the outermost frame attaches the destination path instead of the source's.
type dstSideError struct{ error }

func (e dstSideError) Unwrap() error { return e.error }

func wrapDst(err error) error {
	if err == nil {
		return nil
	}
	return dstSideError{err}
}

func isDstSide(err error) bool {
	var d dstSideError
	return errors.As(err, &d)
}

func relocate(n Node, parentId storage.ObjId, name string) {
	switch t := n.(type) {
	case *File:
		t.setLocation(parentId, name)
	case *Folder:
		t.setLocation(parentId, name)
	case *Link:
		t.setLocation(parentId, name)
	}
}

// UpdateXAttrs applies one atomic batch of xattr changes to the folder node.
func (f *Folder) UpdateXAttrs(ch *XAttrsChanges) (uint64, error) {
	var newVersion uint64
	err := f.doChange(func() error {
		version, attrs, xattrs, err := f.paramsForUpdate(ch)
		if err != nil {
			return err
		}
		if err := f.persistTable(version, attrs, xattrs, f.cloneEntries()); err != nil {
			return err
		}
		f.setUpdated(version, attrs, xattrs)
		newVersion = version
		return nil
	})
	return newVersion, err
}

// LinkParams describes this folder for link creation.
func (f *Folder) LinkParams() (*LinkParameters, error) {
	t := f.fs.store.Type()
	if t != storage.Local && t != storage.Synced {
		return nil, errorf("Folder.LinkParams", "cannot link into a %v storage", t)
	}
	return &LinkParameters{
		StorageType: t.String(),
		IsFolder:    true,
		Params: LinkTarget{
			FolderName: f.Name(),
			ObjId:      f.id,
			FKey:       base64.StdEncoding.EncodeToString(f.key),
		},
	}, nil
}

// FolderJSONNode is the exported description of one child in the
// folder-in-JSON form used for message roots.
type FolderJSONNode struct {
	ObjId    storage.ObjId `json:"objId"`
	Name     string        `json:"name"`
	Key      string        `json:"key"`
	IsFile   bool          `json:"isFile,omitempty"`
	IsFolder bool          `json:"isFolder,omitempty"`
}

// FolderJSON is a folder exported as a standalone JSON value.
type FolderJSON struct {
	Nodes map[string]FolderJSONNode `json:"nodes"`
	CTime int64                     `json:"ctime"`
}

// ExportJSON renders the folder's children in the folder-in-JSON form. Each
// entry carries that child's own key, base64-encoded.
func (f *Folder) ExportJSON() *FolderJSON {
	out := &FolderJSON{
		Nodes: make(map[string]FolderJSONNode),
		CTime: f.Attrs().CTime,
	}
	for name, ref := range f.cloneEntries() {
		if ref.kind() == KindLink {
			continue
		}
		out.Nodes[name] = FolderJSONNode{
			ObjId:    ref.ObjId,
			Name:     name,
			Key:      base64.StdEncoding.EncodeToString(ref.Key),
			IsFile:   ref.kind() == KindFile,
			IsFolder: ref.kind() == KindFolder,
		}
	}
	return out
}

// snapshotTree visits every descendant entry depth-first, reporting paths
// relative to f. Only folders are recursion roots.
func (f *Folder) snapshotTree(prefix string, visit func(rel string, id storage.ObjId, kind Kind)) error {
	for name, ref := range f.cloneEntries() {
		rel := name
		if prefix != "" {
			rel = prefix + "/" + name
		}
		visit(rel, ref.ObjId, ref.kind())
		if ref.kind() != KindFolder {
			continue
		}
		n, err := f.child(name)
		if err != nil {
			return err
		}
		if err := n.(*Folder).snapshotTree(rel, visit); err != nil {
			return err
		}
	}
	return nil
}
