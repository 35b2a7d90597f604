package gpu

import (
	"reflect"
	"unsafe"
)

// Element is a numeric type WGSL storage arrays can hold.
type Element interface {
	~float32 | ~int32 | ~uint32
}

// ElementSize is the byte width of one T.
func ElementSize[T Element]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// ElementType is the WGSL scalar name for T: "f32", "i32" or "u32".
func ElementType[T Element]() string {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Float32:
		return "f32"
	case reflect.Int32:
		return "i32"
	default:
		return "u32"
	}
}
