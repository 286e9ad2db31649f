package rollout

import (
	"encoding/binary"
	"fmt"
	"math"
)

// decodeFloats widens an entry's raw payload to float32 regardless of the
// stored element type.
func decodeFloats(e Entry) ([]float32, error) {
	n := e.Elems()
	out := make([]float32, n)
	raw := e.Raw
	switch e.DType {
	case U8:
		for i := 0; i < n; i++ {
			out[i] = float32(raw[i])
		}
	case I8:
		for i := 0; i < n; i++ {
			out[i] = float32(int8(raw[i]))
		}
	case Bool:
		for i := 0; i < n; i++ {
			if raw[i] != 0 {
				out[i] = 1
			}
		}
	case I16:
		for i := 0; i < n; i++ {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
	case I32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case I64:
		for i := 0; i < n; i++ {
			out[i] = float32(int64(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	case F16:
		for i := 0; i < n; i++ {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	case BF16:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16)
		}
	case F32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case F64:
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	default:
		return nil, fmt.Errorf("entry %q: unknown dtype %s", e.Name, e.DType)
	}
	return out, nil
}

// encodeFloats narrows float32 values into the target element type. Integer
// targets truncate toward zero; bool targets store nonzero as one.
func encodeFloats(dtype DType, values []float32) ([]byte, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("unknown dtype %s", dtype)
	}
	raw := make([]byte, len(values)*size)
	switch dtype {
	case U8:
		for i, v := range values {
			raw[i] = uint8(v)
		}
	case I8:
		for i, v := range values {
			raw[i] = uint8(int8(v))
		}
	case Bool:
		for i, v := range values {
			if v != 0 {
				raw[i] = 1
			}
		}
	case I16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(v)))
		}
	case I32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(raw[4*i:], uint32(int32(v)))
		}
	case I64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(int64(v)))
		}
	case F16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[2*i:], f32ToF16(v))
		}
	case BF16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[2*i:], uint16(math.Float32bits(v)>>16))
		}
	case F32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	case F64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(float64(v)))
		}
	}
	return raw, nil
}

// f16ToF32 expands an IEEE 754 binary16 value, covering subnormals, inf and
// NaN.
func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	var bits uint32
	switch {
	case exp == 0 && frac == 0:
		bits = sign << 31
	case exp == 0:
		// Subnormal: renormalize the fraction.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		bits = sign<<31 | e<<23 | frac<<13
	case exp == 0x1f:
		bits = sign<<31 | 0xff<<23 | frac<<13
	default:
		bits = sign<<31 | (exp-15+127)<<23 | frac<<13
	}
	return math.Float32frombits(bits)
}

// f32ToF16 narrows to IEEE 754 binary16 with round-to-nearest-even.
func f32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	frac := bits & 0x7fffff
	switch {
	case exp >= 0x1f:
		if bits&0x7fffffff > 0x7f800000 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := frac >> shift
		rem := frac & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	default:
		half := uint32(exp)<<10 | frac>>13
		rem := frac & 0x1fff
		if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}
}
