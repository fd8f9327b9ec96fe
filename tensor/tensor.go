package tensor

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

type DType int

const (
	Invalid DType = iota
	Float32
	Float64
	Int32
	Int64
	UInt8
)

var dtypeNames = map[DType]string{
	Float32: "float32",
	Float64: "float64",
	Int32:   "int32",
	Int64:   "int64",
	UInt8:   "uint8",
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case UInt8:
		return 1
	}
	return 0
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

func ParseDType(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "float", "float32", "f32":
		return Float32, nil
	case "double", "float64", "f64":
		return Float64, nil
	}
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

func (d DType) MarshalText() ([]byte, error) {
	if d.Size() == 0 {
		return nil, fmt.Errorf("cannot marshal %s", d)
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Shape is an ordered list of dimension sizes. A dimension of -1 is only
// meaningful in signatures, where it matches any size.
type Shape []int64

func (s Shape) NumElements() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Matches reports whether the concrete shape o satisfies s, treating -1 in s
// as a wildcard dimension.
func (s Shape) Matches(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] == -1 && o[i] > 0 {
			continue
		}
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Concrete() bool {
	for _, d := range s {
		if d <= 0 {
			return false
		}
	}
	return len(s) > 0
}

func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Tensor is a named, typed, shaped buffer. Data holds the elements in
// row-major order with native byte order.
type Tensor struct {
	Name  string
	DType DType
	Shape Shape
	Data  []byte
}

var ErrBufferSize = errors.New("tensor: buffer length does not match shape")

// New allocates a zeroed tensor. The backing array is 8-byte aligned so the
// typed views below are safe for every supported dtype.
func New(name string, dtype DType, shape Shape) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("tensor: unsupported dtype %s", dtype)
	}
	if !shape.Concrete() {
		return nil, fmt.Errorf("tensor: shape %s is not concrete", shape)
	}
	size := int(shape.NumElements()) * dtype.Size()
	words := make([]uint64, (size+7)/8)
	var data []byte
	if size > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &Tensor{Name: name, DType: dtype, Shape: shape.Clone(), Data: data}, nil
}

// FromBytes builds a tensor over a copy of data.
func FromBytes(name string, dtype DType, shape Shape, data []byte) (*Tensor, error) {
	t, err := New(name, dtype, shape)
	if err != nil {
		return nil, err
	}
	if len(data) != len(t.Data) {
		return nil, fmt.Errorf("%w: %s%s wants %d bytes, got %d", ErrBufferSize, dtype, shape, len(t.Data), len(data))
	}
	copy(t.Data, data)
	return t, nil
}

func FromFloat32s(name string, shape Shape, values []float32) (*Tensor, error) {
	t, err := New(name, Float32, shape)
	if err != nil {
		return nil, err
	}
	if len(values) != t.Len() {
		return nil, fmt.Errorf("%w: %s wants %d values, got %d", ErrBufferSize, shape, t.Len(), len(values))
	}
	copy(t.Float32s(), values)
	return t, nil
}

func (t *Tensor) Validate() error {
	if t.DType.Size() == 0 {
		return fmt.Errorf("tensor %q: unsupported dtype %s", t.Name, t.DType)
	}
	if !t.Shape.Concrete() {
		return fmt.Errorf("tensor %q: shape %s is not concrete", t.Name, t.Shape)
	}
	if want := int(t.Shape.NumElements()) * t.DType.Size(); len(t.Data) != want {
		return fmt.Errorf("%w: tensor %q %s%s wants %d bytes, got %d", ErrBufferSize, t.Name, t.DType, t.Shape, want, len(t.Data))
	}
	return nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	if t.DType.Size() == 0 {
		return 0
	}
	return len(t.Data) / t.DType.Size()
}

func (t *Tensor) Float32s() []float32 {
	if t.DType != Float32 || len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.Data[0])), len(t.Data)/4)
}

func (t *Tensor) Float64s() []float64 {
	if t.DType != Float64 || len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&t.Data[0])), len(t.Data)/8)
}

func (t *Tensor) Int32s() []int32 {
	if t.DType != Int32 || len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&t.Data[0])), len(t.Data)/4)
}

func (t *Tensor) Int64s() []int64 {
	if t.DType != Int64 || len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&t.Data[0])), len(t.Data)/8)
}

func (t *Tensor) Uint8s() []uint8 {
	if t.DType != UInt8 {
		return nil
	}
	return t.Data
}

// At returns element i converted to float64, whatever the dtype.
func (t *Tensor) At(i int) float64 {
	switch t.DType {
	case Float32:
		return float64(t.Float32s()[i])
	case Float64:
		return t.Float64s()[i]
	case Int32:
		return float64(t.Int32s()[i])
	case Int64:
		return float64(t.Int64s()[i])
	case UInt8:
		return float64(t.Data[i])
	}
	return 0
}

// Values converts every element to float64. The tensor itself is untouched.
func (t *Tensor) Values() []float64 {
	values := make([]float64, t.Len())
	for i := range values {
		values[i] = t.At(i)
	}
	return values
}
