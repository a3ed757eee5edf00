// Package memory implements an nbd.Backend backed by process memory, for
// ramdisks and tests.
package memory

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rclone/gonbdloop/nbd"
	"golang.org/x/net/context"
)

// Backend implements nbd.Backend
type Backend struct {
	mu   sync.RWMutex
	mem  []byte
	size uint64
}

// NewSized makes a ramdisk backend of the given size in bytes.
func NewSized(size uint64) *Backend {
	return &Backend{
		mem:  make([]byte, size),
		size: size,
	}
}

// WriteAt implements Backend.WriteAt
func (mb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return copy(mb.mem[offset:], b), nil
}

// ReadAt implements Backend.ReadAt
func (mb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return copy(b, mb.mem[offset:]), nil
}

// TrimAt implements Backend.TrimAt by zeroing the range
func (mb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	end := offset + int64(length)
	if end > int64(len(mb.mem)) {
		end = int64(len(mb.mem))
	}
	for i := offset; i < end; i++ {
		mb.mem[i] = 0
	}
	return length, nil
}

// Flush implements Backend.Flush
func (mb *Backend) Flush(ctx context.Context) error {
	return nil
}

// Close implements Backend.Close
func (mb *Backend) Close(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.mem = nil
	return nil
}

// Geometry implements Backend.Geometry
func (mb *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, uint64, error) {
	return mb.size, 512, 4096, nbd.MaxCommandSize, nil
}

// HasFua implements Backend.HasFua
func (mb *Backend) HasFua(ctx context.Context) bool {
	return true
}

// HasFlush implements Backend.HasFlush
func (mb *Backend) HasFlush(ctx context.Context) bool {
	return true
}

// New generates a new memory backend
func New(ctx context.Context, d *nbd.DeviceConfig) (nbd.Backend, error) {
	size, err := strconv.ParseUint(d.DriverParameters["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad size parameter: %w", err)
	}
	if size == 0 {
		return nil, fmt.Errorf("size parameter must be non-zero")
	}
	return NewSized(size), nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("memory", New)
}
