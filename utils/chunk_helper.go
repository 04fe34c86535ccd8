package utils

// ChunkHelper helps chunk/offset related calculation for payloads split across stored objects
type ChunkHelper struct {
	chunkSize int
}

// NewChunkHelper creates a new ChunkHelper
func NewChunkHelper(chunkSize int) *ChunkHelper {
	return &ChunkHelper{
		chunkSize: chunkSize,
	}
}

// Min returns min value between val1 and val2
func (helper *ChunkHelper) Min(val1 int64, val2 int64) int64 {
	if val1 <= val2 {
		return val1
	}
	return val2
}

// GetChunkSize returns chunk size
func (helper *ChunkHelper) GetChunkSize() int {
	return helper.chunkSize
}

// GetChunkCount returns the number of chunks needed to store the given size
func (helper *ChunkHelper) GetChunkCount(size int64) int {
	if size <= 0 {
		return 0
	}

	count := size / int64(helper.chunkSize)
	if size%int64(helper.chunkSize) != 0 {
		count++
	}
	return int(count)
}

// GetChunkIDForOffset returns chunk index
func (helper *ChunkHelper) GetChunkIDForOffset(offset int64) int {
	return int(offset / int64(helper.chunkSize))
}

// GetChunkRange returns offset and length of the given chunk for the payload size
func (helper *ChunkHelper) GetChunkRange(chunkID int, size int64) (int64, int) {
	chunkStartOffset := int64(chunkID) * int64(helper.chunkSize)
	if chunkID < 0 || chunkStartOffset >= size {
		// nothing
		return 0, 0
	}

	endOffset := helper.Min(chunkStartOffset+int64(helper.chunkSize), size)
	return chunkStartOffset, int(endOffset - chunkStartOffset)
}

// Fits checks if the size can be stored in at most maxChunks chunks
func (helper *ChunkHelper) Fits(size int64, maxChunks int) bool {
	return size <= int64(helper.chunkSize)*int64(maxChunks)
}

// Split splits data into chunks, the returned slices share data's backing array
func (helper *ChunkHelper) Split(data []byte) [][]byte {
	count := helper.GetChunkCount(int64(len(data)))
	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		offset, length := helper.GetChunkRange(i, int64(len(data)))
		chunks = append(chunks, data[offset:offset+int64(length)])
	}
	return chunks
}
