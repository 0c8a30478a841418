// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package allocator holds the unsafe-pointer plumbing used by package
// ring: checking that a type is safe to copy
// byte-for-byte into shared memory, and keeping values backing an unsafe
// pointer alive across the call that uses it.
package allocator

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

// ByteSliceData returns a pointer to the backing array of slice.
func ByteSliceData(slice []byte) unsafe.Pointer {
	if len(slice) == 0 {
		return nil
	}
	return unsafe.Pointer(&slice[0])
}

// AdvancePointer returns p shifted forward by shift bytes.
func AdvancePointer(p unsafe.Pointer, shift uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + shift)
}

// CheckObjectReferences reports an error if T's values cannot be safely
// copied byte-for-byte between two processes that share the same memory
// but not the same address space: a pointer or slice header written by
// one process and read raw by another would reference garbage, so T must
// be built entirely from fixed-size numeric fields and arrays of them.
// This is the check package ring's New runs once per type, not per call.
func CheckObjectReferences[T any]() error {
	var zero T
	return checkType(reflect.TypeOf(zero), 0)
}

func checkType(t reflect.Type, depth int) error {
	if t == nil {
		return fmt.Errorf("unsupported nil type")
	}
	switch t.Kind() {
	case reflect.Array:
		return checkType(t.Elem(), depth+1)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if err := checkType(field.Type, depth+1); err != nil {
				return fmt.Errorf("field %s: %v", field.Name, err)
			}
		}
		return nil
	default:
		return checkNumericType(t.Kind())
	}
}

func checkNumericType(kind reflect.Kind) error {
	if kind >= reflect.Bool && kind <= reflect.Complex128 {
		return nil
	}
	return fmt.Errorf("unsupported type %q: contains a reference that cannot cross address spaces", kind.String())
}

// Use keeps p's referent alive until the point it is called, the way
// runtime.KeepAlive does for an ordinary Go value. It matters here
// because the pointers package ring hands around are built from
// unsafe.Pointer arithmetic over an mmap'd region, not from the
// reference itself, so the compiler has nothing to hold onto without
// this.
func Use(p unsafe.Pointer) {
	runtime.KeepAlive(p)
}
