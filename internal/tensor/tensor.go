// Package tensor provides strided float32 tensors for time-major trajectory
// data. Views share backing storage with their parent; Clone materializes a
// contiguous copy.
package tensor

import "fmt"

type Dense struct {
	data    []float32
	shape   []int
	strides []int
	offset  int
}

// New allocates a zero-filled contiguous tensor.
func New(shape ...int) *Dense {
	if len(shape) == 0 {
		panic("tensor: shape is required")
	}
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: invalid dimension %d", dim))
		}
		size *= dim
	}
	return &Dense{
		data:    make([]float32, size),
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
	}
}

// FromSlice wraps data without copying. The backing slice length must match
// the shape product exactly.
func FromSlice(data []float32, shape ...int) (*Dense, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("tensor: shape is required")
	}
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("tensor: invalid dimension %d", dim)
		}
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("tensor: data length mismatch: got=%d want=%d", len(data), size)
	}
	return &Dense{
		data:    data,
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
	}, nil
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		strides[axis] = acc
		acc *= shape[axis]
	}
	return strides
}

// Shape returns a copy of the dimensions.
func (d *Dense) Shape() []int {
	return append([]int(nil), d.shape...)
}

func (d *Dense) Rank() int {
	return len(d.shape)
}

// Dim returns the extent along axis.
func (d *Dense) Dim(axis int) int {
	if axis < 0 || axis >= len(d.shape) {
		panic(fmt.Sprintf("tensor: axis %d out of range for rank %d", axis, len(d.shape)))
	}
	return d.shape[axis]
}

// Len returns the number of elements addressed by the view.
func (d *Dense) Len() int {
	size := 1
	for _, dim := range d.shape {
		size *= dim
	}
	return size
}

func (d *Dense) indexOf(indices []int) int {
	if len(indices) != len(d.shape) {
		panic(fmt.Sprintf("tensor: got %d indices for rank %d", len(indices), len(d.shape)))
	}
	pos := d.offset
	for axis, idx := range indices {
		if idx < 0 || idx >= d.shape[axis] {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d) on axis %d", idx, d.shape[axis], axis))
		}
		pos += idx * d.strides[axis]
	}
	return pos
}

func (d *Dense) At(indices ...int) float32 {
	return d.data[d.indexOf(indices)]
}

func (d *Dense) Set(value float32, indices ...int) {
	d.data[d.indexOf(indices)] = value
}

// Narrow returns a view restricted to [start, start+length) along axis. The
// view shares storage with the receiver.
func (d *Dense) Narrow(axis, start, length int) (*Dense, error) {
	if axis < 0 || axis >= len(d.shape) {
		return nil, fmt.Errorf("tensor: axis %d out of range for rank %d", axis, len(d.shape))
	}
	if start < 0 || length <= 0 || start+length > d.shape[axis] {
		return nil, fmt.Errorf("tensor: narrow [%d,%d) out of range on axis %d with extent %d", start, start+length, axis, d.shape[axis])
	}
	shape := append([]int(nil), d.shape...)
	shape[axis] = length
	return &Dense{
		data:    d.data,
		shape:   shape,
		strides: append([]int(nil), d.strides...),
		offset:  d.offset + start*d.strides[axis],
	}, nil
}

// Select returns a view with axis removed at the given index, dropping the
// rank by one. The view shares storage with the receiver.
func (d *Dense) Select(axis, index int) (*Dense, error) {
	if axis < 0 || axis >= len(d.shape) {
		return nil, fmt.Errorf("tensor: axis %d out of range for rank %d", axis, len(d.shape))
	}
	if len(d.shape) == 1 {
		return nil, fmt.Errorf("tensor: cannot select from rank-1 tensor")
	}
	if index < 0 || index >= d.shape[axis] {
		return nil, fmt.Errorf("tensor: index %d out of range [0,%d) on axis %d", index, d.shape[axis], axis)
	}
	shape := make([]int, 0, len(d.shape)-1)
	strides := make([]int, 0, len(d.strides)-1)
	for a := range d.shape {
		if a == axis {
			continue
		}
		shape = append(shape, d.shape[a])
		strides = append(strides, d.strides[a])
	}
	return &Dense{
		data:    d.data,
		shape:   shape,
		strides: strides,
		offset:  d.offset + index*d.strides[axis],
	}, nil
}

// IsContiguous reports whether the view addresses a dense row-major block.
func (d *Dense) IsContiguous() bool {
	want := contiguousStrides(d.shape)
	for axis := range want {
		if d.shape[axis] != 1 && d.strides[axis] != want[axis] {
			return false
		}
	}
	return true
}

// Clone materializes the view into a fresh contiguous tensor.
func (d *Dense) Clone() *Dense {
	out := New(d.shape...)
	copyInto(out.data, d)
	return out
}

// Float32s returns the contiguous backing slice. A strided view is first
// materialized, so mutations through the result are only visible in the
// receiver when the view was already contiguous.
func (d *Dense) Float32s() []float32 {
	if d.IsContiguous() {
		return d.data[d.offset : d.offset+d.Len()]
	}
	return d.Clone().data
}

func (d *Dense) Fill(value float32) {
	if d.IsContiguous() {
		block := d.data[d.offset : d.offset+d.Len()]
		for i := range block {
			block[i] = value
		}
		return
	}
	idx := make([]int, len(d.shape))
	for {
		d.data[d.indexOf(idx)] = value
		if !advance(idx, d.shape) {
			return
		}
	}
}

// copyInto walks the view in row-major order writing into dst.
func copyInto(dst []float32, src *Dense) {
	if src.IsContiguous() {
		copy(dst, src.data[src.offset:src.offset+src.Len()])
		return
	}
	idx := make([]int, len(src.shape))
	pos := 0
	for {
		dst[pos] = src.data[src.indexOf(idx)]
		pos++
		if !advance(idx, src.shape) {
			return
		}
	}
}

// advance increments a row-major index vector; it reports false after the
// last position.
func advance(idx, shape []int) bool {
	for axis := len(shape) - 1; axis >= 0; axis-- {
		idx[axis]++
		if idx[axis] < shape[axis] {
			return true
		}
		idx[axis] = 0
	}
	return false
}

// Concat concatenates tensors along axis 0. All trailing dimensions must
// match. The result is contiguous.
func Concat(tensors ...*Dense) (*Dense, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("tensor: concat of zero tensors")
	}
	first := tensors[0]
	total := 0
	for i, t := range tensors {
		if t.Rank() != first.Rank() {
			return nil, fmt.Errorf("tensor: concat rank mismatch at %d: got=%d want=%d", i, t.Rank(), first.Rank())
		}
		for axis := 1; axis < first.Rank(); axis++ {
			if t.shape[axis] != first.shape[axis] {
				return nil, fmt.Errorf("tensor: concat shape mismatch at %d on axis %d: got=%d want=%d", i, axis, t.shape[axis], first.shape[axis])
			}
		}
		total += t.shape[0]
	}
	shape := first.Shape()
	shape[0] = total
	out := New(shape...)
	stepSize := out.Len() / total
	pos := 0
	for _, t := range tensors {
		block := out.data[pos : pos+t.Len()]
		copyInto(block, t)
		pos += t.shape[0] * stepSize
	}
	return out, nil
}

// Stack joins tensors of identical shape along a new leading axis. The
// result is contiguous.
func Stack(tensors ...*Dense) (*Dense, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("tensor: stack of zero tensors")
	}
	first := tensors[0]
	for i, t := range tensors {
		if t.Rank() != first.Rank() {
			return nil, fmt.Errorf("tensor: stack rank mismatch at %d: got=%d want=%d", i, t.Rank(), first.Rank())
		}
		for axis := range first.shape {
			if t.shape[axis] != first.shape[axis] {
				return nil, fmt.Errorf("tensor: stack shape mismatch at %d on axis %d: got=%d want=%d", i, axis, t.shape[axis], first.shape[axis])
			}
		}
	}
	shape := append([]int{len(tensors)}, first.shape...)
	out := New(shape...)
	step := first.Len()
	for i, t := range tensors {
		copyInto(out.data[i*step:(i+1)*step], t)
	}
	return out, nil
}

// Equal reports elementwise equality of shape and values.
func Equal(a, b *Dense) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for axis := range a.shape {
		if a.shape[axis] != b.shape[axis] {
			return false
		}
	}
	av := a.Float32s()
	bv := b.Float32s()
	for i := range av {
		if av[i] != bv[i] {
			return false
		}
	}
	return true
}
