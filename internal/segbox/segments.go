package segbox

import (
	"fmt"
	"io"
)

// Buffer accumulates cleartext content in fixed-capacity segments. File sinks
// write into one before sealing; the segment boundaries here are the ones the
// sealed object keeps.
type Buffer struct {
	segSize int
	segs    [][]byte
	length  int64
}

func NewBuffer(segSize int) *Buffer {
	if segSize <= 0 {
		segSize = DefaultSegSize
	}
	return &Buffer{segSize: segSize}
}

func (b *Buffer) Len() int64 { return b.length }

func (b *Buffer) SegSize() int { return b.segSize }

// Truncate grows (zero-filling) or shrinks the buffer to size.
func (b *Buffer) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("segbox.Buffer.Truncate: negative size %d", size)
	}
	if size > b.length {
		b.ensure(size)
		b.length = size
		return nil
	}
	// Zero the cut tail so stale bytes don't outlive the truncation, then
	// drop whole segments past the end.
	for off := size; off < b.length; {
		si := int(off / int64(b.segSize))
		so := int(off % int64(b.segSize))
		seg := b.segs[si]
		for i := so; i < len(seg); i++ {
			seg[i] = 0
		}
		off += int64(len(seg) - so)
	}
	b.length = size
	keep := int((size + int64(b.segSize) - 1) / int64(b.segSize))
	b.segs = b.segs[:keep]
	return nil
}

// WriteAt copies p at off, zero-extending any gap before it.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("segbox.Buffer.WriteAt: negative offset %d", off)
	}
	end := off + int64(len(p))
	b.ensure(end)
	if end > b.length {
		b.length = end
	}
	n := 0
	for n < len(p) {
		si := int(off / int64(b.segSize))
		so := int(off % int64(b.segSize))
		c := copy(b.segs[si][so:], p[n:])
		n += c
		off += int64(c)
	}
	return n, nil
}

// Write appends p at the current end.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.WriteAt(p, b.length)
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("segbox.Buffer.ReadAt: negative offset %d", off)
	}
	if off >= b.length {
		return 0, io.EOF
	}
	want := int64(len(p))
	if rest := b.length - off; want > rest {
		want = rest
	}
	n := 0
	for int64(n) < want {
		si := int(off / int64(b.segSize))
		so := int(off % int64(b.segSize))
		c := copy(p[n:want], b.segs[si][so:])
		n += c
		off += int64(c)
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes returns a copy of the whole content.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.length)
	if b.length > 0 {
		_, _ = b.ReadAt(out, 0)
	}
	return out
}

// segment returns the cleartext of segment i, trimmed to the buffer length.
func (b *Buffer) segment(i int) []byte {
	start := int64(i) * int64(b.segSize)
	end := start + int64(b.segSize)
	if end > b.length {
		end = b.length
	}
	if start >= end {
		return nil
	}
	return b.segs[i][:end-start]
}

func (b *Buffer) segments() int {
	return int((b.length + int64(b.segSize) - 1) / int64(b.segSize))
}

func (b *Buffer) ensure(size int64) {
	need := int((size + int64(b.segSize) - 1) / int64(b.segSize))
	for len(b.segs) < need {
		b.segs = append(b.segs, make([]byte, b.segSize))
	}
}
