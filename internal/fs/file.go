package fs

import (
	"encoding/base64"
	"io"
	"sync"

	"github.com/mfedel/safefs/internal/segbox"
	"github.com/mfedel/safefs/internal/storage"
	"github.com/pkg/errors"
)

// File is a versioned byte-content node.
type File struct {
	node
	size int64 // guarded by node.mu
}

var _ Node = (*File)(nil)

func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *File) setSize(size int64) {
	f.mu.Lock()
	f.size = size
	f.mu.Unlock()
}

// open reads the file's current object. If the store has a newer version than
// the cached one, the cached attrs and size are refreshed from the payload.
func (f *File) open() (*payload, error) {
	obj, err := f.fs.store.GetObj(f.id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fileErr(ENOENT, "")
	}
	if err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	p, err := readPayload(f.fs.crypt, f.key, f.id, obj)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if p.version != f.version {
		f.version = p.version
		f.attrs = p.meta.Attrs
		f.xattrs = p.meta.XAttrs
		f.size = p.ContentLen()
	}
	f.mu.Unlock()
	return p, nil
}

// FileSource is a lazy byte source over one observed version of the file.
type FileSource struct {
	p   *payload
	pos int64
}

func (s *FileSource) Len() int64      { return s.p.ContentLen() }
func (s *FileSource) Version() uint64 { return s.p.version }

func (s *FileSource) Read(p []byte) (int, error) {
	b, err := s.p.ReadContent(s.pos, s.pos+int64(len(p)))
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b)
	s.pos += int64(n)
	return n, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fileErr(EBADARG, "")
	}
	b, err := s.p.ReadContent(off, off+int64(len(p)))
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Source returns a lazy reader over the current content and the version it
// observes.
func (f *File) Source() (*FileSource, uint64, error) {
	p, err := f.open()
	if err != nil {
		return nil, 0, err
	}
	return &FileSource{p: p}, p.version, nil
}

// ReadBytes returns the subrange [start, min(end, size)) of the content along
// with the version observed. end < 0 reads to the end; start at or past the
// size yields empty bytes, not an error.
func (f *File) ReadBytes(start, end int64) ([]byte, uint64, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, 0, fileErr(EBADARG, "")
	}
	p, err := f.open()
	if err != nil {
		return nil, 0, err
	}
	b, err := p.ReadContent(start, end)
	if err != nil {
		return nil, 0, err
	}
	return b, p.version, nil
}

// Save is the one-shot write of a complete content payload.
func (f *File) Save(content []byte, ch *XAttrsChanges) (uint64, error) {
	var newVersion uint64
	err := f.doChange(func() error {
		version, attrs, xattrs, err := f.paramsForUpdate(ch)
		if err != nil {
			return err
		}
		stream, err := sealWhole(f.fs.crypt, f.key, f.id, version, payloadMeta{Attrs: attrs, XAttrs: xattrs}, content)
		if err != nil {
			return fileErrCause(EIO, "", err)
		}
		if err := f.fs.store.SaveObj(f.id, version, stream); err != nil {
			return fileErrCause(EIO, "", err)
		}
		f.setUpdated(version, attrs, xattrs)
		f.setSize(int64(len(content)))
		newVersion = version
		f.emit(storage.Event{Kind: storage.EvFileChange, Version: version})
		return nil
	})
	return newVersion, err
}

// FileSink is the streaming write handle. The file's change lock is held from
// WriteSink until Done, so no concurrent writer can race the stream.
type FileSink struct {
	f          *File
	buf        *segbox.Buffer
	contentOff int64
	version    uint64
	attrs      CommonAttrs
	xattrs     XAttrs

	once sync.Once
	err  error
}

// Size is the content size written so far.
func (s *FileSink) Size() int64 {
	return s.buf.Len() - s.contentOff
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// WriteAt writes content bytes at a content-relative offset.
func (s *FileSink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fileErr(EBADARG, "")
	}
	return s.buf.WriteAt(p, s.contentOff+off)
}

// Truncate resizes the content written so far.
func (s *FileSink) Truncate(size int64) error {
	if size < 0 {
		return fileErr(EBADARG, "")
	}
	return s.buf.Truncate(s.contentOff + size)
}

// Done completes the write. With a nil argument the sealed object is handed
// to the store and the new version committed before Done returns; with a
// non-nil argument the write is abandoned and the node's live version is left
// unchanged. Only the first call has any effect.
func (s *FileSink) Done(cause error) error {
	s.once.Do(func() {
		defer s.f.unlockChange()
		if cause != nil {
			s.err = nil
			return
		}
		stream, err := s.f.fs.crypt.Seal(s.f.key, s.f.id, s.version, s.buf)
		if err != nil {
			s.err = fileErrCause(EIO, "", err)
			return
		}
		if err := s.f.fs.store.SaveObj(s.f.id, s.version, stream); err != nil {
			s.err = fileErrCause(EIO, "", err)
			return
		}
		s.f.setUpdated(s.version, s.attrs, s.xattrs)
		s.f.setSize(s.Size())
		s.f.emit(storage.Event{Kind: storage.EvFileChange, Version: s.version})
	})
	return s.err
}

// WriteSink starts a streaming write. The returned version is assigned before
// any byte is written. When truncate is false and the file has content, the
// sink starts out holding the current content as its base. A non-nil
// currentVersion is a precondition: a mismatch with the live version fails
// with version-mismatch before any byte is written.
func (f *File) WriteSink(truncate bool, currentVersion *uint64, ch *XAttrsChanges) (*FileSink, uint64, error) {
	f.lockChange()
	ok := false
	defer func() {
		if !ok {
			f.unlockChange()
		}
	}()
	if currentVersion != nil {
		if live := f.Version(); live != *currentVersion {
			return nil, 0, fileErr(EVERSION, "")
		}
	}
	version, attrs, xattrs, err := f.paramsForUpdate(ch)
	if err != nil {
		return nil, 0, err
	}
	var base *payload
	if !truncate && f.Version() > 0 {
		base, err = f.open()
		if err != nil {
			return nil, 0, err
		}
	}
	buf, contentOff, err := newPayloadBuffer(payloadMeta{Attrs: attrs, XAttrs: xattrs}, base)
	if err != nil {
		return nil, 0, fileErrCause(EIO, "", err)
	}
	sink := &FileSink{
		f:          f,
		buf:        buf,
		contentOff: contentOff,
		version:    version,
		attrs:      attrs,
		xattrs:     xattrs,
	}
	ok = true
	return sink, version, nil
}

// UpdateXAttrs applies one atomic batch of xattr changes: removals, then
// sets, inside a single version bump. Returns the new version.
func (f *File) UpdateXAttrs(ch *XAttrsChanges) (uint64, error) {
	var newVersion uint64
	err := f.doChange(func() error {
		version, attrs, xattrs, err := f.paramsForUpdate(ch)
		if err != nil {
			return err
		}
		var content []byte
		if f.Version() > 0 {
			p, err := f.open()
			if err != nil {
				return err
			}
			if content, err = p.Content(); err != nil {
				return err
			}
		}
		stream, err := sealWhole(f.fs.crypt, f.key, f.id, version, payloadMeta{Attrs: attrs, XAttrs: xattrs}, content)
		if err != nil {
			return fileErrCause(EIO, "", err)
		}
		if err := f.fs.store.SaveObj(f.id, version, stream); err != nil {
			return fileErrCause(EIO, "", err)
		}
		f.setUpdated(version, attrs, xattrs)
		newVersion = version
		f.emit(storage.Event{Kind: storage.EvFileChange, Version: version})
		return nil
	})
	return newVersion, err
}

// LinkParams describes this file for link creation. Only nodes in local and
// synced storages can be referenced by links.
func (f *File) LinkParams() (*LinkParameters, error) {
	t := f.fs.store.Type()
	if t != storage.Local && t != storage.Synced {
		return nil, errorf("File.LinkParams", "cannot link into a %v storage", t)
	}
	return &LinkParameters{
		StorageType: t.String(),
		IsFile:      true,
		Params: LinkTarget{
			FileName: f.Name(),
			ObjId:    f.id,
			FKey:     base64.StdEncoding.EncodeToString(f.key),
		},
	}, nil
}
