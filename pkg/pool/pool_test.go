// Unit tests for object pools
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"testing"

	"gcode-sim/pkg/gcode"
)

func TestChunkPool(t *testing.T) {
	p := NewChunkPool(128)
	if p.Size() != 128 {
		t.Fatalf("expected size 128, got %d", p.Size())
	}

	b := p.Get()
	if len(*b) != 128 {
		t.Errorf("expected chunk length 128, got %d", len(*b))
	}

	// Shortened chunks come back at full length
	*b = (*b)[:10]
	p.Put(b)
	b2 := p.Get()
	if len(*b2) != 128 {
		t.Errorf("expected reset length 128, got %d", len(*b2))
	}
	p.Put(b2)

	if st := p.Stats(); st.Gets != 2 || st.Allocs < 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestChunkPoolRejectsForeignSize(t *testing.T) {
	p := NewChunkPool(64)
	other := make([]byte, 32)
	// Should not panic, and must not be handed out later
	p.Put(&other)
	p.Put(nil)

	for i := 0; i < 4; i++ {
		b := p.Get()
		if cap(*b) != 64 {
			t.Fatalf("got chunk with cap %d", cap(*b))
		}
	}
}

func TestByteBuffer(t *testing.T) {
	b := GetByteBuffer()
	if b == nil {
		t.Fatal("GetByteBuffer returned nil")
	}

	// Write some data
	b.WriteString("G1 X1")
	b.WriteByte(' ')
	b.Write([]byte("Y2"))

	if b.Len() != 8 {
		t.Errorf("expected length 8, got %d", b.Len())
	}

	if string(b.Bytes()) != "G1 X1 Y2" {
		t.Errorf("unexpected content: %s", string(b.Bytes()))
	}

	// Return to pool
	PutByteBuffer(b)

	// Get again - should be reset
	b2 := GetByteBuffer()
	if b2.Len() != 0 {
		t.Errorf("pooled buffer should be empty, got length %d", b2.Len())
	}
	PutByteBuffer(b2)
}

func TestByteBufferGrow(t *testing.T) {
	b := GetByteBuffer()

	// Grow and write
	b.Grow(1000)
	if b.Cap() < 1000 {
		t.Errorf("capacity should be at least 1000, got %d", b.Cap())
	}

	for i := 0; i < 2000; i++ {
		b.WriteByte(byte(i % 256))
	}

	if b.Len() != 2000 {
		t.Errorf("expected length 2000, got %d", b.Len())
	}

	PutByteBuffer(b)
}

func TestByteBufferReset(t *testing.T) {
	b := GetByteBuffer()
	b.WriteString("partial li")
	b.Reset()

	if b.Len() != 0 {
		t.Errorf("after Reset, length should be 0, got %d", b.Len())
	}

	PutByteBuffer(b)
}

func TestByteBufferNil(t *testing.T) {
	// Should not panic
	PutByteBuffer(nil)
}

func TestCommandSlicePool(t *testing.T) {
	s := GetCommandSlice()
	*s = append(*s, gcode.Command{Mnemonic: gcode.G1, Line: 1, Raw: "G1"})
	PutCommandSlice(s)

	s2 := GetCommandSlice()
	if len(*s2) != 0 {
		t.Errorf("pooled slice should be empty, got %d entries", len(*s2))
	}
	if cap(*s2) > 0 && (*s2)[:1][0].Raw != "" {
		t.Errorf("pooled slice kept a stale command")
	}
	PutCommandSlice(s2)
	PutCommandSlice(nil)
}

func TestStatusMapPool(t *testing.T) {
	m := GetStatusMap()
	if m == nil {
		t.Fatal("GetStatusMap returned nil")
	}

	m["position"] = []float64{1, 2, 3}
	m["hotend_temp"] = 200.5
	m["state"] = "running"

	PutStatusMap(m)

	m2 := GetStatusMap()
	if len(m2) != 0 {
		t.Errorf("pooled map should be empty, got %d entries", len(m2))
	}
	PutStatusMap(m2)
}

func TestStatusMapPoolNil(t *testing.T) {
	// Should not panic
	PutStatusMap(nil)
}

// Concurrent tests

func TestChunkPoolConcurrent(t *testing.T) {
	p := NewChunkPool(1024)
	var wg sync.WaitGroup
	iterations := 1000
	goroutines := 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				b := p.Get()
				(*b)[0] = 'G'
				p.Put(b)
			}
		}()
	}

	wg.Wait()
	if st := p.Stats(); st.Gets != uint64(iterations*goroutines) {
		t.Errorf("expected %d gets, got %d", iterations*goroutines, st.Gets)
	}
}

func TestByteBufferPoolConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	iterations := 1000
	goroutines := 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				b := GetByteBuffer()
				b.WriteString("G1 X")
				PutByteBuffer(b)
			}
		}()
	}

	wg.Wait()
}

// Benchmarks

func BenchmarkChunkPool(b *testing.B) {
	p := NewChunkPool(64 << 10)
	for i := 0; i < b.N; i++ {
		buf := p.Get()
		(*buf)[0] = 1
		p.Put(buf)
	}
}

func BenchmarkChunkNoPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 64<<10)
		buf[0] = 1
		_ = buf
	}
}

func BenchmarkByteBufferPool(b *testing.B) {
	data := []byte("G1 X10.25 Y31.5 E0.0412 F1800")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf := GetByteBuffer()
		buf.Write(data)
		PutByteBuffer(buf)
	}
}

func BenchmarkStatusMapPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		m := GetStatusMap()
		m["position"] = []float64{1, 2, 3}
		m["hotend_temp"] = 200.5
		m["state"] = "running"
		PutStatusMap(m)
	}
}
