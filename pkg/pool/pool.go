// Object pools for the ingestion and notification hot paths
//
// Provides reusable buffers for:
// - Read chunks (fixed-size byte slices handed to the ingestor)
// - Line carry-over (growable byte buffers)
// - Parse batches (command slices copied into the store)
// - Status maps (websocket notification payloads)
//
// Usage:
//
//	chunks := pool.NewChunkPool(64 << 10)
//	buf := chunks.Get()
//	defer chunks.Put(buf)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"sync/atomic"

	"gcode-sim/pkg/gcode"
)

// ChunkPool hands out byte slices of one fixed size.
type ChunkPool struct {
	size int
	pool sync.Pool

	gets   atomic.Uint64
	allocs atomic.Uint64
}

// NewChunkPool creates a pool of size-byte chunks.
func NewChunkPool(size int) *ChunkPool {
	p := &ChunkPool{size: size}
	p.pool.New = func() any {
		p.allocs.Add(1)
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the chunk size.
func (p *ChunkPool) Size() int {
	return p.size
}

// Get returns a chunk of full length.
func (p *ChunkPool) Get() *[]byte {
	p.gets.Add(1)
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:p.size]
	return b
}

// Put returns a chunk. Chunks of another size are dropped.
func (p *ChunkPool) Put(b *[]byte) {
	if b == nil || cap(*b) != p.size {
		return
	}
	p.pool.Put(b)
}

// Stats returns gets and fresh allocations.
func (p *ChunkPool) Stats() PoolStats {
	return PoolStats{Gets: p.gets.Load(), Allocs: p.allocs.Load()}
}

// ByteBuffer pool - for partial-line carry-over between chunks
type ByteBuffer struct {
	buf []byte
}

// Carry-over rarely exceeds one long line; larger buffers are not pooled.
const maxPooledBuffer = 64 << 10

var byteBufferPool = sync.Pool{
	New: func() any {
		return &ByteBuffer{
			buf: make([]byte, 0, 256), // Typical G-code line
		}
	},
}

// GetByteBuffer gets a byte buffer from the pool
func GetByteBuffer() *ByteBuffer {
	b := byteBufferPool.Get().(*ByteBuffer)
	b.buf = b.buf[:0] // Reset length but keep capacity
	return b
}

// PutByteBuffer returns a byte buffer to the pool
func PutByteBuffer(b *ByteBuffer) {
	if b == nil {
		return
	}
	if cap(b.buf) > maxPooledBuffer {
		return
	}
	byteBufferPool.Put(b)
}

// Bytes returns the buffer's byte slice
func (b *ByteBuffer) Bytes() []byte {
	return b.buf
}

// Write appends bytes to the buffer
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte
func (b *ByteBuffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// WriteString appends a string
func (b *ByteBuffer) WriteString(s string) (int, error) {
	b.buf = append(b.buf, s...)
	return len(s), nil
}

// Len returns the buffer length
func (b *ByteBuffer) Len() int {
	return len(b.buf)
}

// Cap returns the buffer capacity
func (b *ByteBuffer) Cap() int {
	return cap(b.buf)
}

// Reset clears the buffer
func (b *ByteBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Grow ensures the buffer has capacity for n more bytes
func (b *ByteBuffer) Grow(n int) {
	if cap(b.buf)-len(b.buf) < n {
		newCap := cap(b.buf)*2 + n
		newBuf := make([]byte, len(b.buf), newCap)
		copy(newBuf, b.buf)
		b.buf = newBuf
	}
}

// Command slice pool - for parse batches. The store copies commands into
// its pages, so a batch slice can be reused once appended.
var commandSlicePool = sync.Pool{
	New: func() any {
		s := make([]gcode.Command, 0, 1024)
		return &s
	},
}

// GetCommandSlice gets an empty command slice from the pool
func GetCommandSlice() *[]gcode.Command {
	s := commandSlicePool.Get().(*[]gcode.Command)
	*s = (*s)[:0]
	return s
}

// PutCommandSlice returns a command slice to the pool
func PutCommandSlice(s *[]gcode.Command) {
	if s == nil || cap(*s) > 1<<16 {
		return
	}
	// Clear to allow GC of raw line strings
	clear(*s)
	*s = (*s)[:0]
	commandSlicePool.Put(s)
}

// StatusMap pool - for notification payloads
var statusMapPool = sync.Pool{
	New: func() any {
		return make(map[string]any, 16)
	},
}

// GetStatusMap gets a status map from the pool
func GetStatusMap() map[string]any {
	return statusMapPool.Get().(map[string]any)
}

// PutStatusMap returns a status map to the pool
func PutStatusMap(m map[string]any) {
	if m == nil {
		return
	}
	clear(m)
	statusMapPool.Put(m)
}

// PoolStats holds usage counters for a ChunkPool
type PoolStats struct {
	Gets   uint64
	Allocs uint64
}
