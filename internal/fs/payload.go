package fs

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/mfedel/safefs/internal/segbox"
	"github.com/mfedel/safefs/internal/storage"
)

// A node payload is framed as a 4-byte little-endian meta length, the JSON
// meta (attrs and xattrs), then the content bytes: folder table JSON for
// folders, link parameters JSON for links, raw file bytes for files. The
// frame travels inside the segmented-box object, so attrs are as private as
// the content.

const metaFrameLen = 4

type payloadMeta struct {
	Attrs  CommonAttrs `json:"attrs"`
	XAttrs XAttrs      `json:"xattrs,omitempty"`
}

// payload is the decoded handle over one stored version of a node.
type payload struct {
	meta       payloadMeta
	version    uint64
	r          *segbox.Reader
	contentOff int64
}

// readPayload decrypts and frames an object read back from the store.
func readPayload(cr segbox.Cryptor, key []byte, id storage.ObjId, obj *storage.ObjSource) (*payload, error) {
	r, err := cr.Open(key, id, obj)
	if err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	var hdr [metaFrameLen]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	metaLen := int64(binary.LittleEndian.Uint32(hdr[:]))
	if metaFrameLen+metaLen > r.Len() {
		return nil, fileErrCause(EIO, "", errorf("readPayload", "meta frame of %d bytes exceeds payload of %d", metaLen, r.Len()))
	}
	metaBytes := make([]byte, metaLen)
	if metaLen > 0 {
		if _, err := r.ReadAt(metaBytes, metaFrameLen); err != nil && err != io.EOF {
			return nil, fileErrCause(EIO, "", err)
		}
	}
	p := &payload{version: r.Version(), r: r, contentOff: metaFrameLen + metaLen}
	if err := json.Unmarshal(metaBytes, &p.meta); err != nil {
		return nil, fileErrCause(EIO, "", err)
	}
	return p, nil
}

func (p *payload) ContentLen() int64 {
	return p.r.Len() - p.contentOff
}

// ReadContent returns content bytes in [start, min(end, len)). end < 0 means
// read to the end. start at or past the content length yields empty bytes.
func (p *payload) ReadContent(start, end int64) ([]byte, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, fileErr(EBADARG, "")
	}
	size := p.ContentLen()
	if start >= size {
		return nil, nil
	}
	if end < 0 || end > size {
		end = size
	}
	out := make([]byte, end-start)
	if len(out) == 0 {
		return out, nil
	}
	if _, err := p.r.ReadAt(out, p.contentOff+start); err != nil && err != io.EOF {
		return nil, fileErrCause(EIO, "", err)
	}
	return out, nil
}

func (p *payload) Content() ([]byte, error) {
	return p.ReadContent(0, -1)
}

// encodeFrame builds the meta frame for a payload buffer. The returned slice
// is the frame prefix to place before the content.
func encodeFrame(meta payloadMeta) ([]byte, error) {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	out := make([]byte, metaFrameLen+len(metaBytes))
	binary.LittleEndian.PutUint32(out, uint32(len(metaBytes)))
	copy(out[metaFrameLen:], metaBytes)
	return out, nil
}

// sealWhole produces the encrypted object stream for a payload that fits in
// memory.
func sealWhole(cr segbox.Cryptor, key []byte, id storage.ObjId, version uint64, meta payloadMeta, content []byte) (io.ReadCloser, error) {
	frame, err := encodeFrame(meta)
	if err != nil {
		return nil, err
	}
	buf := segbox.NewBuffer(segbox.DefaultSegSize)
	if _, err := buf.WriteAt(frame, 0); err != nil {
		return nil, err
	}
	if len(content) > 0 {
		if _, err := buf.WriteAt(content, int64(len(frame))); err != nil {
			return nil, err
		}
	}
	return cr.Seal(key, id, version, buf)
}

// newPayloadBuffer prepares the buffer for a streaming write: the meta frame,
// optionally followed by the base object's content. It returns the buffer and
// the offset where content starts.
func newPayloadBuffer(meta payloadMeta, base *payload) (*segbox.Buffer, int64, error) {
	frame, err := encodeFrame(meta)
	if err != nil {
		return nil, 0, err
	}
	buf := segbox.NewBuffer(segbox.DefaultSegSize)
	if _, err := buf.WriteAt(frame, 0); err != nil {
		return nil, 0, err
	}
	off := int64(len(frame))
	if base != nil {
		content, err := base.Content()
		if err != nil {
			return nil, 0, err
		}
		if len(content) > 0 {
			if _, err := buf.WriteAt(content, off); err != nil {
				return nil, 0, err
			}
		}
	}
	return buf, off, nil
}
