package queue

import (
	"sync"

	"github.com/cuemby/relay/pkg/rerrors"
)

var errQueueFull = rerrors.Queue(rerrors.CodePubFailed, "memory queue full and no disk backing configured")

// MemQueue is a bounded in-memory ring implemented over a buffered channel,
// giving the "try memory first" tier of spec §4.1's two-tier storage.
type MemQueue struct {
	ch chan []byte
}

// NewMemQueue creates a memory ring of the given capacity.
func NewMemQueue(capacity int) *MemQueue {
	return &MemQueue{ch: make(chan []byte, capacity)}
}

// TryPut attempts a non-blocking enqueue, returning false if the ring is
// full (the caller should then fall back to disk).
func (m *MemQueue) TryPut(data []byte) bool {
	select {
	case m.ch <- data:
		return true
	default:
		return false
	}
}

// TryGet attempts a non-blocking dequeue.
func (m *MemQueue) TryGet() ([]byte, bool) {
	select {
	case data := <-m.ch:
		return data, true
	default:
		return nil, false
	}
}

// Depth returns the number of items currently buffered in memory.
func (m *MemQueue) Depth() int { return len(m.ch) }

// Backend is the combined memory+disk queue described in spec §4.1: Put
// tries memory first and falls back to disk on a full ring; Get drains
// memory first, then disk. A Backend with no disk component fails Put once
// memory is full (the "queue-error kind" failure of spec §4.1).
type Backend struct {
	mu   sync.Mutex
	mem  *MemQueue
	disk *DiskQueue // nil when there is no disk backing configured
}

// NewBackend builds a two-tier queue. disk may be nil to run memory-only
// (Put fails once the memory ring is full).
func NewBackend(memCapacity int, disk *DiskQueue) *Backend {
	return &Backend{mem: NewMemQueue(memCapacity), disk: disk}
}

// Put enqueues data, preferring the memory ring and spilling to disk when
// it is full. Returns an error only when memory is full and there is no
// disk backing, or the disk write itself fails.
func (b *Backend) Put(data []byte) error {
	if b.mem.TryPut(data) {
		return nil
	}
	if b.disk == nil {
		return errQueueFull
	}
	return b.disk.Put(data)
}

// Get dequeues the next record, draining memory before disk.
func (b *Backend) Get() ([]byte, error) {
	if data, ok := b.mem.TryGet(); ok {
		return data, nil
	}
	if b.disk == nil {
		return nil, nil
	}
	return b.disk.Get()
}

// Depth returns the combined memory+disk backlog.
func (b *Backend) Depth() int64 {
	d := int64(b.mem.Depth())
	if b.disk != nil {
		d += b.disk.Depth()
	}
	return d
}

// BackendDepth returns just the on-disk backlog, as reported separately in
// /stats (spec §6 "backend_depth").
func (b *Backend) BackendDepth() int64 {
	if b.disk == nil {
		return 0
	}
	return b.disk.Depth()
}

// Close releases the disk segment handles, if any.
func (b *Backend) Close() error {
	if b.disk == nil {
		return nil
	}
	return b.disk.Close()
}
