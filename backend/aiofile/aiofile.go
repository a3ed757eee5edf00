// Package aiofile implements an nbd.Backend for serving from a file using
// Linux kernel AIO, so many commands can be against the disk at once.
package aiofile

import (
	"os"

	"github.com/rclone/gonbdloop/nbd"
	"github.com/traetox/goaio"
	"golang.org/x/net/context"
)

// Backend implements nbd.Backend
type Backend struct {
	aio *goaio.AIO
	// syncFile is a second descriptor on the same file; fsync on it
	// covers the AIO writes for FUA and flush.
	syncFile *os.File
	size     uint64
}

// WriteAt implements Backend.WriteAt
func (ab *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	id, err := ab.aio.WriteAt(b, offset)
	if err != nil {
		return 0, err
	}
	n, err := ab.aio.WaitFor(id)
	if err != nil {
		return n, err
	}
	if fua {
		if err = ab.syncFile.Sync(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// ReadAt implements Backend.ReadAt
func (ab *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	id, err := ab.aio.ReadAt(b, offset)
	if err != nil {
		return 0, err
	}
	return ab.aio.WaitFor(id)
}

// TrimAt implements Backend.TrimAt
func (ab *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return length, nil
}

// Flush implements Backend.Flush
func (ab *Backend) Flush(ctx context.Context) error {
	if err := ab.aio.Flush(); err != nil {
		return err
	}
	return ab.syncFile.Sync()
}

// Close implements Backend.Close
func (ab *Backend) Close(ctx context.Context) error {
	err := ab.aio.Close()
	if cerr := ab.syncFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Geometry implements Backend.Geometry
func (ab *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, uint64, error) {
	return ab.size, 512, 4096, nbd.MaxCommandSize, nil
}

// HasFua implements Backend.HasFua
func (ab *Backend) HasFua(ctx context.Context) bool {
	return true
}

// HasFlush implements Backend.HasFlush
func (ab *Backend) HasFlush(ctx context.Context) bool {
	return true
}

// New generates a new aio file backend
func New(ctx context.Context, d *nbd.DeviceConfig) (nbd.Backend, error) {
	path := d.DriverParameters["path"]
	perms := os.O_RDWR
	if d.ReadOnly {
		perms = os.O_RDONLY
	}
	aio, err := goaio.NewAIO(path, perms, 0666)
	if err != nil {
		return nil, err
	}
	syncFile, err := os.OpenFile(path, perms, 0666)
	if err != nil {
		_ = aio.Close()
		return nil, err
	}
	stat, err := syncFile.Stat()
	if err != nil {
		_ = aio.Close()
		_ = syncFile.Close()
		return nil, err
	}
	return &Backend{
		aio:      aio,
		syncFile: syncFile,
		size:     uint64(stat.Size()),
	}, nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("aiofile", New)
}
