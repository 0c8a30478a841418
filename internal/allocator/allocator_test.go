// Copyright 2015 Aleksandr Demakin. All rights reserved.

package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type validStruct struct {
	a, b int
	u    uintptr
	s    struct {
		arr [3]int
	}
}

type invalidStructPtr struct {
	a, b *int
}

type invalidStructSlice struct {
	a, b []int
}

type invalidStructString struct {
	s string
}

func TestCheckObjectReferences(t *testing.T) {
	assert.NoError(t, CheckObjectReferences[int]())
	assert.NoError(t, CheckObjectReferences[complex128]())
	assert.NoError(t, CheckObjectReferences[[3]int]())
	assert.NoError(t, CheckObjectReferences[validStruct]())

	assert.Error(t, CheckObjectReferences[invalidStructPtr]())
	assert.Error(t, CheckObjectReferences[invalidStructSlice]())
	assert.Error(t, CheckObjectReferences[invalidStructString]())
	assert.Error(t, CheckObjectReferences[[]int]())
	assert.Error(t, CheckObjectReferences[map[int]int]())
}

func TestByteSliceData(t *testing.T) {
	b := []byte{1, 2, 3}
	assert.NotNil(t, ByteSliceData(b))
	assert.Nil(t, ByteSliceData(nil))
}
