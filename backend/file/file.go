// Package file implements an nbd.Backend serving from a local file. The
// file is created and grown to the configured size on demand, trim
// punches holes so unused ranges give their space back, and the flush
// and FUA behaviour can be forced off per device for benchmarking.
package file

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/net/context"
	"golang.org/x/sys/unix"

	"github.com/rclone/gonbdloop/nbd"
)

// Backend implements nbd.Backend
type Backend struct {
	file      *os.File
	size      uint64
	blockSize uint64
	sparse    bool
	hasFua    bool
	hasFlush  bool
}

// WriteAt implements Backend.WriteAt. FUA needs the data bytes on stable
// storage but not the metadata, so it is a data sync rather than a full
// sync.
func (fb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	n, err := fb.file.WriteAt(b, offset)
	if err != nil || !fua || !fb.hasFua {
		return n, err
	}
	if err = unix.Fdatasync(int(fb.file.Fd())); err != nil {
		return 0, err
	}
	return n, nil
}

// ReadAt implements Backend.ReadAt
func (fb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	return fb.file.ReadAt(b, offset)
}

// TrimAt implements Backend.TrimAt by punching a hole, so the trimmed
// range reads back as zeroes and the blocks go back to the filesystem.
// Filesystems without hole support get the zeroes written out instead.
func (fb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	if !fb.sparse {
		return length, nil
	}
	err := unix.Fallocate(int(fb.file.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, int64(length))
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return fb.file.WriteAt(make([]byte, length), offset)
	}
	if err != nil {
		return 0, err
	}
	return length, nil
}

// Flush implements Backend.Flush
func (fb *Backend) Flush(ctx context.Context) error {
	if !fb.hasFlush {
		return nil
	}
	return fb.file.Sync()
}

// Close implements Backend.Close
func (fb *Backend) Close(ctx context.Context) error {
	return fb.file.Close()
}

// Geometry implements Backend.Geometry
func (fb *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, uint64, error) {
	maxBS := fb.blockSize * 256
	if maxBS > nbd.MaxCommandSize {
		maxBS = nbd.MaxCommandSize
	}
	return fb.size, 512, fb.blockSize, maxBS, nil
}

// HasFua implements Backend.HasFua
func (fb *Backend) HasFua(ctx context.Context) bool {
	return fb.hasFua
}

// HasFlush implements Backend.HasFlush
func (fb *Backend) HasFlush(ctx context.Context) bool {
	return fb.hasFlush
}

// New generates a new file backend. Parameters:
//
//	path    backing file (required)
//	size    device size in bytes; the file is created and grown to this,
//	        absent means serve the file at its current size
//	sync    "true" opens the file O_SYNC
//	sparse  "false" stops trim from punching holes
//	flush   "false" turns flush into a no-op
//	fua     "false" ignores the FUA flag on writes
func New(ctx context.Context, d *nbd.DeviceConfig) (nbd.Backend, error) {
	path := d.DriverParameters["path"]
	if path == "" {
		return nil, fmt.Errorf("file driver needs a path parameter")
	}
	perms := os.O_RDWR
	if d.ReadOnly {
		perms = os.O_RDONLY
	}
	if s, err := nbd.IsTrue(d.DriverParameters["sync"]); err != nil {
		return nil, err
	} else if s {
		perms |= os.O_SYNC
	}
	_, noSparse, err := nbd.IsTrueFalse(d.DriverParameters["sparse"])
	if err != nil {
		return nil, err
	}
	_, noFlush, err := nbd.IsTrueFalse(d.DriverParameters["flush"])
	if err != nil {
		return nil, err
	}
	_, noFua, err := nbd.IsTrueFalse(d.DriverParameters["fua"])
	if err != nil {
		return nil, err
	}

	var size uint64
	if sizeStr := d.DriverParameters["size"]; sizeStr != "" {
		size, err = strconv.ParseUint(sizeStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad size parameter: %w", err)
		}
		if !d.ReadOnly {
			perms |= os.O_CREATE
		}
	}
	file, err := os.OpenFile(path, perms, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	switch {
	case size == 0:
		size = uint64(stat.Size())
		if size == 0 {
			_ = file.Close()
			return nil, fmt.Errorf("file %q is empty and no size parameter was given", path)
		}
	case uint64(stat.Size()) < size && d.ReadOnly:
		_ = file.Close()
		return nil, fmt.Errorf("file %q is smaller than the configured size %d", path, size)
	case uint64(stat.Size()) < size:
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	blockSize := uint64(4096)
	if d.BlockSize != 0 {
		blockSize = uint64(d.BlockSize)
	}
	return &Backend{
		file:      file,
		size:      size,
		blockSize: blockSize,
		sparse:    !noSparse,
		hasFua:    !noFua,
		hasFlush:  !noFlush,
	}, nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("file", New)
}
