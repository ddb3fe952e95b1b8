package tensor

import (
	"sync"
	"sync/atomic"
)

// Buffer pooling keeps large volumetric buffers out of the garbage
// collector's steady-state workload. Pools are keyed by exact element
// count; training workloads allocate the same handful of shapes every
// batch, so exact keys hit almost always.
type bufferPool struct {
	mu       sync.Mutex
	float32s map[int]*sync.Pool
	int32s   map[int]*sync.Pool

	allocations uint64
	reuses      uint64
}

var globalPool = &bufferPool{
	float32s: make(map[int]*sync.Pool),
	int32s:   make(map[int]*sync.Pool),
}

// PoolStats reports allocation behavior of the shared buffer pool.
type PoolStats struct {
	Allocations uint64
	Reuses      uint64
}

// Stats returns a snapshot of the shared pool counters.
func Stats() PoolStats {
	return PoolStats{
		Allocations: atomic.LoadUint64(&globalPool.allocations),
		Reuses:      atomic.LoadUint64(&globalPool.reuses),
	}
}

func getFloat32Buffer(n int) []float32 {
	globalPool.mu.Lock()
	p, ok := globalPool.float32s[n]
	if !ok {
		p = &sync.Pool{}
		globalPool.float32s[n] = p
	}
	globalPool.mu.Unlock()

	if buf := p.Get(); buf != nil {
		atomic.AddUint64(&globalPool.reuses, 1)
		b := buf.([]float32)
		for i := range b {
			b[i] = 0
		}
		return b
	}
	atomic.AddUint64(&globalPool.allocations, 1)
	return make([]float32, n)
}

func getInt32Buffer(n int) []int32 {
	globalPool.mu.Lock()
	p, ok := globalPool.int32s[n]
	if !ok {
		p = &sync.Pool{}
		globalPool.int32s[n] = p
	}
	globalPool.mu.Unlock()

	if buf := p.Get(); buf != nil {
		atomic.AddUint64(&globalPool.reuses, 1)
		b := buf.([]int32)
		for i := range b {
			b[i] = 0
		}
		return b
	}
	atomic.AddUint64(&globalPool.allocations, 1)
	return make([]int32, n)
}

func returnBuffer(data interface{}) {
	switch d := data.(type) {
	case []float32:
		globalPool.mu.Lock()
		p, ok := globalPool.float32s[len(d)]
		globalPool.mu.Unlock()
		if ok {
			p.Put(d)
		}
	case []int32:
		globalPool.mu.Lock()
		p, ok := globalPool.int32s[len(d)]
		globalPool.mu.Unlock()
		if ok {
			p.Put(d)
		}
	}
}
