// Package segbox implements the segmented-box scheme the filesystem encrypts
// object payloads with. An object is a sealed header followed by
// independently sealed segments, so content can be decrypted with random
// access. All nonces derive deterministically from the object id: the header
// nonce is a pure function of the id, segment nonces mix in the object
// version and segment index.
package segbox

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mfedel/safefs/internal/storage"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize        = 32
	NonceSize      = 24
	Overhead       = secretbox.Overhead
	DefaultSegSize = 64 * 1024

	headerPlainLen  = 24
	headerSealedLen = headerPlainLen + Overhead
)

var headerMagic = [4]byte{'s', 'g', 'b', '1'}

// Cryptor is the segmented encryption port the filesystem consumes.
type Cryptor interface {
	// Seal produces the encrypted object byte stream for one version of the
	// object's content.
	Seal(key []byte, id storage.ObjId, version uint64, content *Buffer) (io.ReadCloser, error)

	// Open verifies and unwraps a stored object, giving random access to its
	// cleartext.
	Open(key []byte, id storage.ObjId, obj *storage.ObjSource) (*Reader, error)
}

// SecretBox is the default Cryptor: XSalsa20-Poly1305 per segment.
type SecretBox struct{}

var _ Cryptor = SecretBox{}

// HeaderNonce derives the object's header nonce. It depends only on the id,
// so every version of an object carries a verifiably identical header nonce.
func HeaderNonce(id storage.ObjId) [NonceSize]byte {
	sum := blake2b.Sum256([]byte(id))
	var nonce [NonceSize]byte
	copy(nonce[:], sum[:NonceSize])
	return nonce
}

func segNonce(id storage.ObjId, version uint64, index uint32) [NonceSize]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	hn := HeaderNonce(id)
	h.Write(hn[:])
	var tail [12]byte
	binary.LittleEndian.PutUint64(tail[:8], version)
	binary.LittleEndian.PutUint32(tail[8:], index)
	h.Write(tail[:])
	var nonce [NonceSize]byte
	copy(nonce[:], h.Sum(nil)[:NonceSize])
	return nonce
}

func checkKey(key []byte) (k [KeySize]byte, err error) {
	if len(key) != KeySize {
		return k, fmt.Errorf("segbox: key must be %d bytes, got %d", KeySize, len(key))
	}
	copy(k[:], key)
	return k, nil
}

func (SecretBox) Seal(key []byte, id storage.ObjId, version uint64, content *Buffer) (io.ReadCloser, error) {
	k, err := checkKey(key)
	if err != nil {
		return nil, err
	}
	header := make([]byte, headerPlainLen)
	copy(header, headerMagic[:])
	binary.LittleEndian.PutUint32(header[4:], uint32(content.SegSize()))
	binary.LittleEndian.PutUint64(header[8:], uint64(content.Len()))
	binary.LittleEndian.PutUint64(header[16:], version)
	hn := HeaderNonce(id)

	pr, pw := io.Pipe()
	go func() {
		sealed := secretbox.Seal(nil, header, &hn, &k)
		if _, err := pw.Write(sealed); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		for i := 0; i < content.segments(); i++ {
			nonce := segNonce(id, version, uint32(i))
			sealed = secretbox.Seal(sealed[:0], content.segment(i), &nonce, &k)
			if _, err := pw.Write(sealed); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		_ = pw.Close()
	}()
	return pr, nil
}

// SealBytes is the whole-payload convenience around Seal.
func SealBytes(c Cryptor, key []byte, id storage.ObjId, version uint64, payload []byte) (io.ReadCloser, error) {
	buf := NewBuffer(DefaultSegSize)
	if len(payload) > 0 {
		if _, err := buf.WriteAt(payload, 0); err != nil {
			return nil, err
		}
	}
	return c.Seal(key, id, version, buf)
}

// Reader gives random access to a sealed object's cleartext. Segments are
// decrypted on demand and not cached; callers that need the whole content use
// ReadAll once.
type Reader struct {
	key     [KeySize]byte
	id      storage.ObjId
	version uint64
	segSize int
	length  int64
	body    []byte // sealed segments, header stripped
}

func (SecretBox) Open(key []byte, id storage.ObjId, obj *storage.ObjSource) (*Reader, error) {
	k, err := checkKey(key)
	if err != nil {
		return nil, err
	}
	if len(obj.Bytes) < headerSealedLen {
		return nil, fmt.Errorf("segbox: object %q too short for a header", id)
	}
	hn := HeaderNonce(id)
	header, ok := secretbox.Open(nil, obj.Bytes[:headerSealedLen], &hn, &k)
	if !ok {
		return nil, fmt.Errorf("segbox: header of %q does not verify", id)
	}
	if [4]byte(header[:4]) != headerMagic {
		return nil, fmt.Errorf("segbox: object %q has unrecognized magic", id)
	}
	segSize := int(binary.LittleEndian.Uint32(header[4:]))
	length := int64(binary.LittleEndian.Uint64(header[8:]))
	version := binary.LittleEndian.Uint64(header[16:])
	if obj.Version != storage.VersionUnknown && obj.Version != version {
		return nil, fmt.Errorf("segbox: object %q header claims version %d, store says %d", id, version, obj.Version)
	}
	if segSize <= 0 {
		return nil, fmt.Errorf("segbox: object %q has invalid segment size %d", id, segSize)
	}
	r := &Reader{
		key:     k,
		id:      id,
		version: version,
		segSize: segSize,
		length:  length,
		body:    obj.Bytes[headerSealedLen:],
	}
	if want := r.sealedBodyLen(); int64(len(r.body)) != want {
		return nil, fmt.Errorf("segbox: object %q body is %d bytes, want %d", id, len(r.body), want)
	}
	return r, nil
}

func (r *Reader) Len() int64      { return r.length }
func (r *Reader) Version() uint64 { return r.version }

func (r *Reader) sealedBodyLen() int64 {
	nseg := (r.length + int64(r.segSize) - 1) / int64(r.segSize)
	return r.length + nseg*Overhead
}

func (r *Reader) openSegment(i int) ([]byte, error) {
	segPlain := int64(r.segSize)
	start := int64(i) * (segPlain + Overhead)
	plainLen := segPlain
	if rest := r.length - int64(i)*segPlain; rest < plainLen {
		plainLen = rest
	}
	end := start + plainLen + Overhead
	nonce := segNonce(r.id, r.version, uint32(i))
	clear, ok := secretbox.Open(nil, r.body[start:end], &nonce, &r.key)
	if !ok {
		return nil, fmt.Errorf("segbox: segment %d of %q does not verify", i, r.id)
	}
	return clear, nil
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("segbox.Reader.ReadAt: negative offset %d", off)
	}
	if off >= r.length {
		return 0, io.EOF
	}
	want := int64(len(p))
	if rest := r.length - off; want > rest {
		want = rest
	}
	n := 0
	for int64(n) < want {
		i := int(off / int64(r.segSize))
		so := int(off % int64(r.segSize))
		seg, err := r.openSegment(i)
		if err != nil {
			return n, err
		}
		c := copy(p[n:want], seg[so:])
		n += c
		off += int64(c)
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// ReadAll decrypts and returns the whole cleartext.
func (r *Reader) ReadAll() ([]byte, error) {
	out := make([]byte, r.length)
	if r.length == 0 {
		return out, nil
	}
	if _, err := r.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Unseal copies the reader's content into a Buffer, e.g. to seed a new
// version's sink from the current object.
func (r *Reader) Unseal() (*Buffer, error) {
	buf := NewBuffer(r.segSize)
	content, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(content) > 0 {
		if _, err := buf.WriteAt(content, 0); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
