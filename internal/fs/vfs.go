package fs

import (
	"encoding/json"
	"sync"

	"github.com/mfedel/safefs/internal/segbox"
	"github.com/mfedel/safefs/internal/storage"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Flags control file resolution on write paths.
type Flags struct {
	Create    bool
	Exclusive bool
	Truncate  bool

	// CurrentVersion, when non-nil, is a precondition for streaming writes:
	// the write fails with version-mismatch unless the live version matches.
	CurrentVersion *uint64
}

// Stats is the metadata snapshot of a node.
type Stats struct {
	Name     string
	IsFile   bool
	IsFolder bool
	IsLink   bool
	Size     int64
	Version  uint64
	CTime    int64
	MTime    int64
}

// FS is one mounted view of an encrypted filesystem: a root folder, the
// storage it lives in, and the event plumbing for watchers. Sub-roots are FS
// values sharing storage and event hub with their parent.
type FS struct {
	store    storage.Storage
	crypt    segbox.Cryptor
	hub      *hub
	root     *Folder
	writable bool

	// owner marks the FS that created the hub; only it closes the hub and
	// forwards the store's external events.
	owner      bool
	parentDone <-chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*FS)

// WithCryptor swaps the default segmented-box cryptor.
func WithCryptor(c segbox.Cryptor) Option {
	return func(fs *FS) { fs.crypt = c }
}

// Readonly mounts the filesystem without write access.
func Readonly() Option {
	return func(fs *FS) { fs.writable = false }
}

// New mounts the filesystem rooted at the store's root object, creating an
// empty root folder (encrypted with rootKey) if the store has none.
func New(store storage.Storage, rootKey []byte, opts ...Option) (*FS, error) {
	fs := &FS{
		store:    store,
		crypt:    segbox.SecretBox{},
		hub:      newHub(),
		writable: true,
		owner:    true,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(fs)
	}
	root, err := fs.openRoot(rootKey)
	if err != nil {
		return nil, err
	}
	fs.root = root
	go fs.forwardStoreEvents()
	return fs, nil
}

func (fs *FS) openRoot(rootKey []byte) (*Folder, error) {
	n, err := fs.loadNode("", storage.RootObjId, "", KindFolder, rootKey)
	if err == nil {
		return n.(*Folder), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !fs.writable {
		return nil, withPath(err, "/")
	}
	log.Debug("No root object in store, creating one")
	root := newFolderNode(fs, storage.RootObjId, "", "", rootKey)
	now := nowMillis()
	attrs := CommonAttrs{CTime: now, MTime: now}
	content, err := tableContent(map[string]childRef{})
	if err != nil {
		return nil, fileErrCause(EIO, "/", err)
	}
	stream, err := sealWhole(fs.crypt, rootKey, storage.RootObjId, 1, payloadMeta{Attrs: attrs}, content)
	if err != nil {
		return nil, fileErrCause(EIO, "/", err)
	}
	if err := fs.store.SaveObj(storage.RootObjId, 1, stream); err != nil {
		return nil, fileErrCause(EIO, "/", err)
	}
	root.version = 1
	root.attrs = attrs
	return root, nil
}

func (fs *FS) forwardStoreEvents() {
	if !fs.owner {
		return
	}
	for {
		select {
		case ev, ok := <-fs.store.Events():
			if !ok {
				return
			}
			fs.hub.publish(ev)
		case <-fs.done:
			return
		}
	}
}

// guard fails with storage-closed once the FS (or an ancestor sub-root
// chain's owner) is closed.
func (fs *FS) guard(path string) error {
	select {
	case <-fs.done:
		return fileErr(ECLOSED, path)
	default:
	}
	if fs.parentDone != nil {
		select {
		case <-fs.parentDone:
			return fileErr(ECLOSED, path)
		default:
		}
	}
	return nil
}

func (fs *FS) guardWrite(path string) error {
	if err := fs.guard(path); err != nil {
		return err
	}
	if !fs.writable {
		return fileErr(EPERM, path)
	}
	return nil
}

// Close detaches every watcher of this FS and makes all subsequent operations
// fail with storage-closed. It does not close the underlying storage. Calling
// it again is a no-op.
func (fs *FS) Close() error {
	fs.closeOnce.Do(func() {
		close(fs.done)
		if fs.owner {
			fs.hub.close()
		}
	})
	return nil
}

func (fs *FS) Writable() bool { return fs.writable }

func (fs *FS) folderAt(path string, create, exclusive bool) (*Folder, error) {
	return fs.root.FolderInSubTree(SplitPath(path), create, exclusive)
}

// parentOf resolves the parent folder of path and the leaf name. The root
// itself has no parent and fails with bad-arg.
func (fs *FS) parentOf(path string, create bool) (*Folder, string, error) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return nil, "", fileErr(EBADARG, path)
	}
	parent, err := fs.root.FolderInSubTree(parts[:len(parts)-1], create, false)
	if err != nil {
		return nil, "", withPath(err, path)
	}
	return parent, parts[len(parts)-1], nil
}

func (fs *FS) nodeAt(path string) (Node, error) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return fs.root, nil
	}
	parent, err := fs.root.FolderInSubTree(parts[:len(parts)-1], false, false)
	if err != nil {
		return nil, withPath(err, path)
	}
	n, err := parent.GetNode(parts[len(parts)-1])
	return n, withPath(err, path)
}

// MakeFolder creates the folder at path, together with any missing
// intermediate folders. An existing folder is left alone.
func (fs *FS) MakeFolder(path string) error {
	if err := fs.guardWrite(path); err != nil {
		return err
	}
	_, err := fs.folderAt(path, true, false)
	return withPath(err, path)
}

// DeleteFolder removes the folder at path. A non-empty folder needs
// removeContent.
func (fs *FS) DeleteFolder(path string, removeContent bool) error {
	if err := fs.guardWrite(path); err != nil {
		return err
	}
	parent, leaf, err := fs.parentOf(path, false)
	if err != nil {
		return err
	}
	n, err := parent.GetNode(leaf)
	if err != nil {
		return withPath(err, path)
	}
	if _, ok := n.(*Folder); !ok {
		return fileErr(ENOTDIR, path)
	}
	return withPath(parent.RemoveChild(leaf, removeContent), path)
}

// DeleteFile removes the file at path.
func (fs *FS) DeleteFile(path string) error {
	if err := fs.guardWrite(path); err != nil {
		return err
	}
	parent, leaf, err := fs.parentOf(path, false)
	if err != nil {
		return err
	}
	n, err := parent.GetNode(leaf)
	if err != nil {
		return withPath(err, path)
	}
	if _, ok := n.(*File); !ok {
		return fileErr(ENOTFILE, path)
	}
	return withPath(parent.RemoveChild(leaf, false), path)
}

// DeleteLink removes the link at path.
func (fs *FS) DeleteLink(path string) error {
	if err := fs.guardWrite(path); err != nil {
		return err
	}
	parent, leaf, err := fs.parentOf(path, false)
	if err != nil {
		return err
	}
	n, err := parent.GetNode(leaf)
	if err != nil {
		return withPath(err, path)
	}
	if _, ok := n.(*Link); !ok {
		return fileErr(ENOTLINK, path)
	}
	return withPath(parent.RemoveChild(leaf, false), path)
}

// Move renames src to dst, across folders if need be. Errors from the source
// side carry the source path, destination-side errors the destination path.
func (fs *FS) Move(src, dst string) error {
	if err := fs.guardWrite(src); err != nil {
		return err
	}
	srcParent, oldName, err := fs.parentOf(src, false)
	if err != nil {
		return err
	}
	dstParent, newName, err := fs.parentOf(dst, false)
	if err != nil {
		return err
	}
	if err := srcParent.MoveChildTo(oldName, dstParent, newName); err != nil {
		if isDstSide(err) {
			return withPath(err, dst)
		}
		return withPath(err, src)
	}
	return nil
}

// Stat returns the metadata snapshot of the node at path.
func (fs *FS) Stat(path string) (*Stats, error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	n, err := fs.nodeAt(path)
	if err != nil {
		return nil, err
	}
	attrs := n.Attrs()
	st := &Stats{
		Name:    n.Name(),
		Version: n.Version(),
		CTime:   attrs.CTime,
		MTime:   attrs.MTime,
	}
	switch t := n.(type) {
	case *File:
		st.IsFile = true
		st.Size = t.Size()
	case *Folder:
		st.IsFolder = true
	case *Link:
		st.IsLink = true
	}
	return st, nil
}

// ListFolder snapshots the entries of the folder at path.
func (fs *FS) ListFolder(path string) ([]Entry, error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	folder, err := fs.folderAt(path, false, false)
	if err != nil {
		return nil, withPath(err, path)
	}
	entries, _, err := folder.List()
	return entries, withPath(err, path)
}

// fileAt resolves (or creates, per flags) the file at path.
func (fs *FS) fileAt(path string, flags Flags) (*File, error) {
	parent, leaf, err := fs.parentOf(path, flags.Create)
	if err != nil {
		return nil, err
	}
	file, err := parent.GetFile(leaf, true)
	if err != nil {
		return nil, withPath(err, path)
	}
	if file == nil {
		if !flags.Create {
			return nil, fileErr(ENOENT, path)
		}
		file, err = parent.CreateFile(leaf, flags.Exclusive)
		return file, withPath(err, path)
	}
	if flags.Create && flags.Exclusive {
		return nil, fileErr(EEXIST, path)
	}
	return file, nil
}

// ReadBytes returns the whole content of the file at path.
func (fs *FS) ReadBytes(path string) ([]byte, error) {
	b, _, err := fs.ReadBytesRange(path, 0, -1)
	return b, err
}

// ReadBytesRange returns content bytes in [start, min(end, size)) and the
// version observed. end < 0 reads to the end.
func (fs *FS) ReadBytesRange(path string, start, end int64) ([]byte, uint64, error) {
	if err := fs.guard(path); err != nil {
		return nil, 0, err
	}
	file, err := fs.fileAt(path, Flags{})
	if err != nil {
		return nil, 0, err
	}
	b, version, err := file.ReadBytes(start, end)
	return b, version, withPath(err, path)
}

// WriteBytes writes the complete content of the file at path.
func (fs *FS) WriteBytes(path string, b []byte, flags Flags) error {
	if err := fs.guardWrite(path); err != nil {
		return err
	}
	file, err := fs.fileAt(path, flags)
	if err != nil {
		return err
	}
	_, err = file.Save(b, nil)
	return withPath(err, path)
}

// GetByteSource returns a lazy reader over the file at path.
func (fs *FS) GetByteSource(path string) (*FileSource, uint64, error) {
	if err := fs.guard(path); err != nil {
		return nil, 0, err
	}
	file, err := fs.fileAt(path, Flags{})
	if err != nil {
		return nil, 0, err
	}
	src, version, err := file.Source()
	return src, version, withPath(err, path)
}

// GetByteSink opens a streaming write on the file at path. The new version is
// assigned and returned before any byte is written.
func (fs *FS) GetByteSink(path string, flags Flags) (*FileSink, uint64, error) {
	if err := fs.guardWrite(path); err != nil {
		return nil, 0, err
	}
	file, err := fs.fileAt(path, flags)
	if err != nil {
		return nil, 0, err
	}
	sink, version, err := file.WriteSink(flags.Truncate, flags.CurrentVersion, nil)
	return sink, version, withPath(err, path)
}

// ReadTextFile returns the file content as a string.
func (fs *FS) ReadTextFile(path string) (string, error) {
	b, err := fs.ReadBytes(path)
	return string(b), err
}

// WriteTextFile writes text as the whole file content.
func (fs *FS) WriteTextFile(path, text string, flags Flags) error {
	return fs.WriteBytes(path, []byte(text), flags)
}

// ReadJSONFile decodes the file content into v. Decoding failures surface as
// parsing-error with the decoder's error as cause.
func (fs *FS) ReadJSONFile(path string, v interface{}) error {
	b, err := fs.ReadBytes(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fileErrCause(EPARSE, path, err)
	}
	return nil
}

// WriteJSONFile encodes v as the whole file content.
func (fs *FS) WriteJSONFile(path string, v interface{}, flags Flags) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fileErrCause(EPARSE, path, err)
	}
	return fs.WriteBytes(path, b, flags)
}

// CheckFolderPresence reports whether a folder exists at path.
func (fs *FS) CheckFolderPresence(path string) (bool, error) {
	return fs.checkPresence(path, KindFolder)
}

// CheckFilePresence reports whether a file exists at path.
func (fs *FS) CheckFilePresence(path string) (bool, error) {
	return fs.checkPresence(path, KindFile)
}

// CheckLinkPresence reports whether a link exists at path.
func (fs *FS) CheckLinkPresence(path string) (bool, error) {
	return fs.checkPresence(path, KindLink)
}

func (fs *FS) checkPresence(path string, kind Kind) (bool, error) {
	if err := fs.guard(path); err != nil {
		return false, err
	}
	n, err := fs.nodeAt(path)
	switch {
	case err == nil:
		return n.Kind() == kind, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotDirectory):
		return false, nil
	default:
		return false, err
	}
}

// CopyFile copies the file at src to dst within this filesystem.
func (fs *FS) CopyFile(src, dst string) error {
	return fs.SaveFile(fs, src, dst)
}

// SaveFile imports a file from another filesystem view.
func (fs *FS) SaveFile(from *FS, fromPath, toPath string) error {
	if err := fs.guardWrite(toPath); err != nil {
		return err
	}
	b, err := from.ReadBytes(fromPath)
	if err != nil {
		return err
	}
	return fs.WriteBytes(toPath, b, Flags{Create: true, Truncate: true})
}

// CopyFolder copies the folder at src to dst within this filesystem. Without
// mergeAndOverwrite an existing destination fails with EEXIST.
func (fs *FS) CopyFolder(src, dst string, mergeAndOverwrite bool) error {
	return fs.SaveFolder(fs, src, dst, mergeAndOverwrite)
}

// SaveFolder imports a folder subtree from another filesystem view. Files of
// one folder are copied concurrently; folders recurse.
func (fs *FS) SaveFolder(from *FS, fromPath, toPath string, mergeAndOverwrite bool) error {
	if err := fs.guardWrite(toPath); err != nil {
		return err
	}
	if _, err := from.folderAt(fromPath, false, false); err != nil {
		return withPath(err, fromPath)
	}
	if !mergeAndOverwrite {
		present, err := fs.CheckFolderPresence(toPath)
		if err != nil {
			return err
		}
		if present {
			return fileErr(EEXIST, toPath)
		}
	}
	if err := fs.MakeFolder(toPath); err != nil {
		return err
	}
	entries, err := from.ListFolder(fromPath)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, e := range entries {
		e := e
		srcChild := fromPath + "/" + e.Name
		dstChild := toPath + "/" + e.Name
		switch {
		case e.IsFile:
			g.Go(func() error { return fs.SaveFile(from, srcChild, dstChild) })
		case e.IsFolder:
			if err := fs.SaveFolder(from, srcChild, dstChild, mergeAndOverwrite); err != nil {
				return err
			}
		case e.IsLink:
			g.Go(func() error { return fs.copyLink(from, srcChild, dstChild, mergeAndOverwrite) })
		}
	}
	return g.Wait()
}

func (fs *FS) copyLink(from *FS, fromPath, toPath string, overwrite bool) error {
	link, err := from.ReadLink(fromPath)
	if err != nil {
		return err
	}
	params := link.Target()
	parent, leaf, err := fs.parentOf(toPath, true)
	if err != nil {
		return err
	}
	if _, ok := parent.entry(leaf); ok {
		if !overwrite {
			return fileErr(EEXIST, toPath)
		}
		if err := parent.RemoveChild(leaf, false); err != nil {
			return withPath(err, toPath)
		}
	}
	_, err = parent.CreateLink(leaf, &params)
	return withPath(err, toPath)
}

// Linkable is any node a link can reference.
type Linkable interface {
	LinkParams() (*LinkParameters, error)
}

// Link installs a link at path referencing target.
func (fs *FS) Link(path string, target Linkable) error {
	if err := fs.guardWrite(path); err != nil {
		return err
	}
	params, err := target.LinkParams()
	if err != nil {
		return err
	}
	parent, leaf, err := fs.parentOf(path, false)
	if err != nil {
		return err
	}
	_, err = parent.CreateLink(leaf, params)
	return withPath(err, path)
}

// ReadLink returns the link node at path.
func (fs *FS) ReadLink(path string) (*Link, error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	parent, leaf, err := fs.parentOf(path, false)
	if err != nil {
		return nil, err
	}
	link, err := parent.GetLink(leaf)
	return link, withPath(err, path)
}

// GetLinkParams returns the link parameters describing the node at path.
func (fs *FS) GetLinkParams(path string) (*LinkParameters, error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	n, err := fs.nodeAt(path)
	if err != nil {
		return nil, err
	}
	linkable, ok := n.(Linkable)
	if !ok {
		return nil, fileErr(ENOTLINK, path)
	}
	return linkable.LinkParams()
}

// ReadonlySubRoot mounts the folder at path as the root of a read-only view.
func (fs *FS) ReadonlySubRoot(path string) (*FS, error) {
	if err := fs.guard(path); err != nil {
		return nil, err
	}
	folder, err := fs.folderAt(path, false, false)
	if err != nil {
		return nil, withPath(err, path)
	}
	return fs.subRoot(folder, false), nil
}

// WritableSubRoot mounts the folder at path as the root of a writable view,
// creating it first if flags say so.
func (fs *FS) WritableSubRoot(path string, flags Flags) (*FS, error) {
	if err := fs.guardWrite(path); err != nil {
		return nil, err
	}
	folder, err := fs.folderAt(path, flags.Create, flags.Create && flags.Exclusive)
	if err != nil {
		return nil, withPath(err, path)
	}
	return fs.subRoot(folder, true), nil
}

func (fs *FS) subRoot(folder *Folder, writable bool) *FS {
	parentDone := fs.parentDone
	if parentDone == nil {
		parentDone = fs.done
	}
	return &FS{
		store:      fs.store,
		crypt:      fs.crypt,
		hub:        fs.hub,
		root:       folder,
		writable:   writable && fs.writable,
		owner:      false,
		parentDone: parentDone,
		done:       make(chan struct{}),
	}
}
