// Package badgerdb implements an nbd.Backend storing device blocks in an
// embedded BadgerDB key-value store. Blocks that were never written read
// back as zeroes, so the device is thin provisioned: only written blocks
// take space, and trimmed blocks give it back.
package badgerdb

import (
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rclone/gonbdloop/nbd"
	"golang.org/x/net/context"
)

const defaultBlockSize = 4096

// Backend implements nbd.Backend
type Backend struct {
	db        *badger.DB
	size      uint64
	blockSize uint64
}

// blockKey is the key of the numbered device block.
func blockKey(n uint64) []byte {
	return []byte(fmt.Sprintf("blk/%016x", n))
}

// readBlock fetches one block into out (len = blockSize), zero filling
// blocks that have never been written.
func (bb *Backend) readBlock(txn *badger.Txn, n uint64, out []byte) error {
	item, err := txn.Get(blockKey(n))
	if err == badger.ErrKeyNotFound {
		for i := range out {
			out[i] = 0
		}
		return nil
	}
	if err != nil {
		return err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	copy(out, v)
	for i := len(v); i < len(out); i++ {
		out[i] = 0
	}
	return nil
}

// ReadAt implements Backend.ReadAt
func (bb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	err := bb.db.View(func(txn *badger.Txn) error {
		block := make([]byte, bb.blockSize)
		pos := uint64(offset)
		out := b
		for len(out) > 0 {
			n := pos / bb.blockSize
			in := pos % bb.blockSize
			if err := bb.readBlock(txn, n, block); err != nil {
				return err
			}
			c := copy(out, block[in:])
			out = out[c:]
			pos += uint64(c)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteAt implements Backend.WriteAt
func (bb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	err := bb.db.Update(func(txn *badger.Txn) error {
		block := make([]byte, bb.blockSize)
		pos := uint64(offset)
		in := b
		for len(in) > 0 {
			n := pos / bb.blockSize
			off := pos % bb.blockSize
			var c int
			if off == 0 && uint64(len(in)) >= bb.blockSize {
				c = copy(block, in[:bb.blockSize])
			} else {
				// Partial block, read-modify-write.
				if err := bb.readBlock(txn, n, block); err != nil {
					return err
				}
				c = copy(block[off:], in)
			}
			val := make([]byte, bb.blockSize)
			copy(val, block)
			if err := txn.Set(blockKey(n), val); err != nil {
				return err
			}
			in = in[c:]
			pos += uint64(c)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if fua {
		if err := bb.db.Sync(); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// TrimAt implements Backend.TrimAt. Whole covered blocks are deleted;
// partial blocks at the edges are zeroed in place.
func (bb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	start := uint64(offset)
	end := start + uint64(length)
	err := bb.db.Update(func(txn *badger.Txn) error {
		block := make([]byte, bb.blockSize)
		pos := start
		for pos < end {
			n := pos / bb.blockSize
			off := pos % bb.blockSize
			rest := end - pos
			if off == 0 && rest >= bb.blockSize {
				if err := txn.Delete(blockKey(n)); err != nil {
					return err
				}
				pos += bb.blockSize
				continue
			}
			if err := bb.readBlock(txn, n, block); err != nil {
				return err
			}
			c := bb.blockSize - off
			if uint64(c) > rest {
				c = rest
			}
			for i := uint64(0); i < c; i++ {
				block[off+i] = 0
			}
			val := make([]byte, bb.blockSize)
			copy(val, block)
			if err := txn.Set(blockKey(n), val); err != nil {
				return err
			}
			pos += c
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

// Flush implements Backend.Flush
func (bb *Backend) Flush(ctx context.Context) error {
	return bb.db.Sync()
}

// Close implements Backend.Close
func (bb *Backend) Close(ctx context.Context) error {
	return bb.db.Close()
}

// Geometry implements Backend.Geometry
func (bb *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, uint64, error) {
	return bb.size, 512, uint64(bb.blockSize), nbd.MaxCommandSize, nil
}

// HasFua implements Backend.HasFua
func (bb *Backend) HasFua(ctx context.Context) bool {
	return true
}

// HasFlush implements Backend.HasFlush
func (bb *Backend) HasFlush(ctx context.Context) bool {
	return true
}

// New generates a new badger backend
func New(ctx context.Context, d *nbd.DeviceConfig) (nbd.Backend, error) {
	path := d.DriverParameters["path"]
	if path == "" {
		return nil, fmt.Errorf("badger driver needs a path parameter")
	}
	size, err := strconv.ParseUint(d.DriverParameters["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad size parameter: %w", err)
	}
	blockSize := uint64(defaultBlockSize)
	if d.BlockSize != 0 {
		blockSize = uint64(d.BlockSize)
	}
	opts := badger.DefaultOptions(path)
	opts = opts.WithLogger(nil)
	if d.ReadOnly {
		opts = opts.WithReadOnly(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Backend{
		db:        db,
		size:      size,
		blockSize: blockSize,
	}, nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("badger", New)
}
