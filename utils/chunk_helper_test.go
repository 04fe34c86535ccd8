package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestChunkHelper(t *testing.T) {
	t.Run("test ChunkCount", testChunkCount)
	t.Run("test ChunkRange", testChunkRange)
	t.Run("test Fits", testFits)
	t.Run("test SplitConcat", testSplitConcat)
}

func testChunkCount(t *testing.T) {
	testChunkSize := 10000

	helper := NewChunkHelper(testChunkSize)

	assert.Equal(t, 0, helper.GetChunkCount(0))
	assert.Equal(t, 1, helper.GetChunkCount(1))
	assert.Equal(t, 1, helper.GetChunkCount(int64(testChunkSize)))
	assert.Equal(t, 2, helper.GetChunkCount(int64(testChunkSize+1)))
	assert.Equal(t, 7, helper.GetChunkCount(int64(testChunkSize*7)))
}

func testChunkRange(t *testing.T) {
	testChunkSize := 10000

	helper := NewChunkHelper(testChunkSize)

	size := int64(testChunkSize*2 + 500)

	offset1, len1 := helper.GetChunkRange(0, size)
	assert.Equal(t, int64(0), offset1)
	assert.Equal(t, testChunkSize, len1)

	offset2, len2 := helper.GetChunkRange(2, size)
	assert.Equal(t, int64(testChunkSize*2), offset2)
	assert.Equal(t, 500, len2)

	_, len3 := helper.GetChunkRange(3, size)
	assert.Equal(t, 0, len3)

	assert.Equal(t, 2, helper.GetChunkIDForOffset(int64(testChunkSize*2+1)))
}

func testFits(t *testing.T) {
	testChunkSize := 100

	helper := NewChunkHelper(testChunkSize)

	assert.True(t, helper.Fits(1000, 10))
	assert.False(t, helper.Fits(1001, 10))
}

func testSplitConcat(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunkSize := rapid.IntRange(1, 64).Draw(rt, "chunkSize")
		data := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(rt, "data")

		helper := NewChunkHelper(chunkSize)
		chunks := helper.Split(data)

		if len(chunks) != helper.GetChunkCount(int64(len(data))) {
			rt.Fatalf("expected %d chunks, got %d", helper.GetChunkCount(int64(len(data))), len(chunks))
		}

		joined := bytes.Join(chunks, nil)
		if !bytes.Equal(data, joined) {
			rt.Fatalf("joined chunks do not match the payload")
		}

		for _, chunk := range chunks {
			if len(chunk) > chunkSize {
				rt.Fatalf("chunk of %d bytes exceeds chunk size %d", len(chunk), chunkSize)
			}
		}
	})
}
