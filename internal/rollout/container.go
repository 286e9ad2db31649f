// Package rollout decodes self-play rollout files into named tensor batches.
// Two wire formats are supported: a tagged container of named arrays and a
// record-oriented episode stream. Both are little-endian and identified by a
// four-byte magic.
package rollout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

var (
	magicContainer = [4]byte{'D', 'D', 'K', 'T'}
	magicStream    = [4]byte{'D', 'D', 'K', 'S'}
)

// ErrUnknownFormat reports a file whose magic matches neither wire format.
var ErrUnknownFormat = errors.New("rollout: unknown format magic")

// FormatError reports a structurally invalid rollout payload. Files failing
// with a FormatError cannot be retried.
type FormatError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("rollout: invalid payload at byte %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("rollout: invalid payload in %s at byte %d: %s", e.Path, e.Offset, e.Reason)
}

const (
	maxNameLen    = 1 << 12
	maxEntryCount = 1 << 20
	maxRank       = 16
	maxByteLen    = 1 << 31
)

// DType identifies the element type of a stored array.
type DType uint8

const (
	U8   DType = 0
	I8   DType = 1
	I16  DType = 2
	I32  DType = 3
	I64  DType = 4
	F16  DType = 5
	F32  DType = 6
	F64  DType = 7
	Bool DType = 11
	BF16 DType = 15
)

// Size returns the width of one element in bytes.
func (t DType) Size() int {
	switch t {
	case U8, I8, Bool:
		return 1
	case I16, F16, BF16:
		return 2
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	}
	return 0
}

func (t DType) String() string {
	switch t {
	case U8:
		return "u8"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F16:
		return "f16"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Bool:
		return "bool"
	case BF16:
		return "bf16"
	}
	return fmt.Sprintf("dtype(%d)", uint8(t))
}

// Entry is one named array inside a tagged container.
type Entry struct {
	Name  string
	DType DType
	Shape []int64
	Raw   []byte
}

// Elems returns the element count implied by the shape.
func (e Entry) Elems() int {
	n := 1
	for _, d := range e.Shape {
		n *= int(d)
	}
	return n
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readI32(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readF32(r io.Reader) (float32, error) {
	v, err := readU32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func readName(r io.Reader, path string, at int64) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n == 0 || n > maxNameLen {
		return "", &FormatError{Path: path, Offset: at, Reason: fmt.Sprintf("name length %d out of range", n)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeI32(w io.Writer, v int32) error { return writeU32(w, uint32(v)) }
func writeI64(w io.Writer, v int64) error { return writeU64(w, uint64(v)) }

func writeF32(w io.Writer, v float32) error { return writeU32(w, math.Float32bits(v)) }

func writeName(w io.Writer, name string) error {
	if err := writeU32(w, uint32(len(name))); err != nil {
		return err
	}
	_, err := io.WriteString(w, name)
	return err
}

// ReadContainer parses a tagged container from r. The magic must already be
// verified by the caller; r is positioned immediately after it. Trailing
// bytes past the declared entries are ignored.
func ReadContainer(r *countingReader, path string) ([]Entry, error) {
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read entry count: %w", err)
	}
	if count > maxEntryCount {
		return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("entry count %d out of range", count)}
	}
	entries := make([]Entry, 0, count)
	for i := 0; i < int(count); i++ {
		at := r.n
		name, err := readName(r, path, at)
		if err != nil {
			return nil, fmt.Errorf("read entry %d name: %w", i, err)
		}
		dt, err := readU8(r)
		if err != nil {
			return nil, fmt.Errorf("read entry %q dtype: %w", name, err)
		}
		dtype := DType(dt)
		if dtype.Size() == 0 {
			return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("entry %q: unknown dtype code %d", name, dt)}
		}
		rank, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("read entry %q rank: %w", name, err)
		}
		if rank > maxRank {
			return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("entry %q: rank %d out of range", name, rank)}
		}
		shape := make([]int64, rank)
		elems := int64(1)
		for d := range shape {
			ext, err := readI64(r)
			if err != nil {
				return nil, fmt.Errorf("read entry %q extent %d: %w", name, d, err)
			}
			if ext <= 0 {
				return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("entry %q: non-positive extent %d on axis %d", name, ext, d)}
			}
			shape[d] = ext
			elems *= ext
		}
		byteLen, err := readI64(r)
		if err != nil {
			return nil, fmt.Errorf("read entry %q byte length: %w", name, err)
		}
		if byteLen < 0 || byteLen > maxByteLen {
			return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("entry %q: byte length %d out of range", name, byteLen)}
		}
		if want := elems * int64(dtype.Size()); byteLen != want {
			return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("entry %q: byte length %d does not match shape (want %d)", name, byteLen, want)}
		}
		raw := make([]byte, byteLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read entry %q payload: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, DType: dtype, Shape: shape, Raw: raw})
	}
	return entries, nil
}

// WriteContainer serializes entries as a tagged container, magic included.
func WriteContainer(w io.Writer, entries []Entry) error {
	if _, err := w.Write(magicContainer[:]); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if e.DType.Size() == 0 {
			return fmt.Errorf("entry %q: unknown dtype", e.Name)
		}
		if want := e.Elems() * e.DType.Size(); want != len(e.Raw) {
			return fmt.Errorf("entry %q: raw length %d does not match shape (want %d)", e.Name, len(e.Raw), want)
		}
		if err := writeName(w, e.Name); err != nil {
			return err
		}
		if err := writeU8(w, uint8(e.DType)); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(e.Shape))); err != nil {
			return err
		}
		for _, ext := range e.Shape {
			if err := writeI64(w, ext); err != nil {
				return err
			}
		}
		if err := writeI64(w, int64(len(e.Raw))); err != nil {
			return err
		}
		if _, err := w.Write(e.Raw); err != nil {
			return err
		}
	}
	return nil
}

// WriteContainerFile writes entries to path through a temporary sibling file
// renamed into place, so readers never observe a partial container.
func WriteContainerFile(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := WriteContainer(f, entries); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadContainerFile reads a tagged container from disk, verifying the magic.
func ReadContainerFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cr := &countingReader{r: f}
	var magic [4]byte
	if _, err := io.ReadFull(cr, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != magicContainer {
		return nil, ErrUnknownFormat
	}
	return ReadContainer(cr, path)
}
