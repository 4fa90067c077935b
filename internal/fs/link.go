package fs

import (
	"encoding/base64"
	"encoding/json"

	"github.com/mfedel/safefs/internal/storage"
)

// LinkTarget is the self-contained reference a link stores: enough to open
// the target node, keys included.
type LinkTarget struct {
	FileName   string        `json:"fileName,omitempty"`
	FolderName string        `json:"folderName,omitempty"`
	ObjId      storage.ObjId `json:"objId"`
	FKey       string        `json:"fKey"`
}

// LinkParameters is the persisted payload of a link node.
type LinkParameters struct {
	StorageType string     `json:"storageType"`
	ReadOnly    bool       `json:"readonly,omitempty"`
	IsFile      bool       `json:"isFile,omitempty"`
	IsFolder    bool       `json:"isFolder,omitempty"`
	Params      LinkTarget `json:"params"`
}

func (lp *LinkParameters) targetName() string {
	if lp.IsFolder {
		return lp.Params.FolderName
	}
	return lp.Params.FileName
}

// linkAllowed is the linking policy matrix: a link living in storage host may
// reference a node in storage target.
func linkAllowed(host, target storage.Type) bool {
	switch host {
	case storage.Local:
		return true
	case storage.Synced:
		return target == storage.Synced || target == storage.Share
	case storage.Share:
		return target == storage.Share
	}
	return false
}

func parseStorageType(s string) (storage.Type, bool) {
	switch s {
	case "local":
		return storage.Local, true
	case "synced":
		return storage.Synced, true
	case "share":
		return storage.Share, true
	}
	return 0, false
}

// Link is a symlink node; its payload is the serialized LinkParameters.
type Link struct {
	node
	params LinkParameters
}

var _ Node = (*Link)(nil)

func (l *Link) Target() LinkParameters { return l.params }

func (l *Link) ReadOnlyTarget() bool { return l.params.ReadOnly }

// Materialize opens the target node inside the same filesystem's storage.
// Cross-storage targets need the owning storage mounted; resolving those is
// the caller's business.
func (l *Link) Materialize() (Node, error) {
	host := l.fs.store.Type()
	target, ok := parseStorageType(l.params.StorageType)
	if !ok || target != host {
		return nil, errorf("Link.Materialize", "target lives in %q storage, this filesystem is %v", l.params.StorageType, host)
	}
	key, err := base64.StdEncoding.DecodeString(l.params.FKey())
	if err != nil {
		return nil, fileErrCause(EPARSE, "", err)
	}
	kind := KindFile
	if l.params.IsFolder {
		kind = KindFolder
	}
	// Materialized nodes have no parent: they are roots of their own
	// accessibility domain.
	return l.fs.loadNode("", l.params.Params.ObjId, l.params.targetName(), kind, key)
}

// FKey returns the base64 key field.
func (lp *LinkParameters) FKey() string { return lp.Params.FKey }

func (l *Link) payloadContent() ([]byte, error) {
	return json.Marshal(l.params)
}

// UpdateXAttrs applies xattr changes to the link node itself.
func (l *Link) UpdateXAttrs(ch *XAttrsChanges) (uint64, error) {
	var newVersion uint64
	err := l.doChange(func() error {
		version, attrs, xattrs, err := l.paramsForUpdate(ch)
		if err != nil {
			return err
		}
		content, err := l.payloadContent()
		if err != nil {
			return fileErrCause(EIO, "", err)
		}
		stream, err := sealWhole(l.fs.crypt, l.key, l.id, version, payloadMeta{Attrs: attrs, XAttrs: xattrs}, content)
		if err != nil {
			return fileErrCause(EIO, "", err)
		}
		if err := l.fs.store.SaveObj(l.id, version, stream); err != nil {
			return fileErrCause(EIO, "", err)
		}
		l.setUpdated(version, attrs, xattrs)
		newVersion = version
		l.emit(storage.Event{Kind: storage.EvFileChange, Version: version})
		return nil
	})
	return newVersion, err
}
