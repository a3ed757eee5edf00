package nbd

import (
	"errors"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/net/context"
)

// Params is the configuration bundle a Server is constructed with.
//
// Read, Write, Flush and Trim are asynchronous: each receives the backend
// argument and the command, and must eventually set cmd.RetErr and call
// cmd.Complete(), from any goroutine or on the caller's stack. A backend
// that accepts a command must complete it, or teardown will wait forever.
// Disconnect is optional and synchronous, invoked once when the client
// sends a disconnect command.
type Params struct {
	// Block device attributes
	BlockSize uint32 // power of two, 512..65536
	NumBlocks uint64

	// Arg is passed to every callback.
	Arg any

	// Data buffer allocator pair (sync). AllocDataMem returning nil is a
	// fatal allocation failure and shuts the connection down.
	AllocDataMem func(size uint32) []byte
	FreeDataMem  func(b []byte)

	Read       func(arg any, cmd *Cmd)
	Write      func(arg any, cmd *Cmd)
	Flush      func(arg any, cmd *Cmd)
	Trim       func(arg any, cmd *Cmd)
	Disconnect func(arg any, cmd *Cmd)
}

// ErrBadBlockSize is returned for a block size that is not a power of two
// in 512..65536.
var ErrBadBlockSize = errors.New("block size must be a power of two between 512 and 65536")

// Validate checks the parts of the bundle the engine depends on.
func (p *Params) Validate() error {
	bs := p.BlockSize
	if bs&(bs-1) != 0 || bs < 512 || bs > 65536 {
		return ErrBadBlockSize
	}
	if p.AllocDataMem == nil || p.FreeDataMem == nil {
		return errors.New("data memory allocator pair is required")
	}
	if p.Read == nil || p.Write == nil || p.Flush == nil || p.Trim == nil {
		return errors.New("read, write, flush and trim callbacks are required")
	}
	return nil
}

// Backend is an interface implemented by the various backend drivers
type Backend interface {
	WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) // write data b at offset, with force unit access optional
	ReadAt(ctx context.Context, b []byte, offset int64) (int, error)            // read to b at offset
	TrimAt(ctx context.Context, length int, offset int64) (int, error)          // trim
	Flush(ctx context.Context) error                                            // flush
	Close(ctx context.Context) error                                            // close
	Geometry(ctx context.Context) (uint64, uint64, uint64, uint64, error)       // size, minimum BS, preferred BS, maximum BS
	HasFua(ctx context.Context) bool                                            // does the driver support FUA?
	HasFlush(ctx context.Context) bool                                          // does the driver support flush?
}

// BackendGenFn makes backends from config
type BackendGenFn func(ctx context.Context, d *DeviceConfig) (Backend, error)

// BackendMap is a map between backends and the generator function for them
var BackendMap = make(map[string]BackendGenFn)

// RegisterBackend should be called to register a backend driver
func RegisterBackend(name string, generator BackendGenFn) {
	BackendMap[name] = generator
}

// GetBackendNames returns a list of all known Backends
func GetBackendNames() []string {
	b := make([]string, len(BackendMap))
	i := 0
	for k := range BackendMap {
		b[i] = k
		i++
	}
	sort.Strings(b)
	return b
}

// NewBackend looks up and constructs the named driver.
func NewBackend(ctx context.Context, d *DeviceConfig) (Backend, error) {
	gen, ok := BackendMap[strings.ToLower(d.Driver)]
	if !ok {
		return nil, errors.New("no such driver " + d.Driver)
	}
	return gen(ctx, d)
}

// errorToNbd translates an error returned by a backend into an NBD error
func errorToNbd(err error) uint32 {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return ENOSPC
	case errors.Is(err, syscall.EPERM):
		return EPERM
	case errors.Is(err, syscall.EINVAL):
		return EINVAL
	}
	return EIO
}

// roundUpToNextPowerOfTwo rounds a uint64 up to the next power of two
func roundUpToNextPowerOfTwo(x uint64) uint64 {
	var r uint64 = 1
	for i := 0; i < 64; i++ {
		if x <= r {
			return r
		}
		r = r << 1
	}
	return 0 // won't fit in uint64 :-(
}

// AsyncParams wraps a synchronous Backend into the asynchronous callback
// bundle a Server consumes. Each callback runs the backend call on its own
// goroutine and completes the command when it returns, so completions
// arrive out of submission order whenever the backend does. Requests
// reaching past the end of the device complete with ENOSPC.
//
// The backend's Close is not called here; whoever created the backend
// still owns its lifetime.
func AsyncParams(ctx context.Context, backend Backend, readonly bool) (Params, error) {
	size, minBS, prefBS, _, err := backend.Geometry(ctx)
	if err != nil {
		return Params{}, err
	}
	bs := roundUpToNextPowerOfTwo(prefBS)
	if bs < 512 {
		bs = 512
	}
	if bs > 65536 {
		bs = 65536
	}
	if m := roundUpToNextPowerOfTwo(minBS); m > bs && m <= 65536 {
		bs = m
	}
	size = size & ^(bs - 1)
	devSize := size

	inRange := func(cmd *Cmd) bool {
		return cmd.Offset+uint64(cmd.Length) <= devSize
	}
	finish := func(cmd *Cmd, errno uint32) {
		cmd.RetErr = errno
		cmd.Complete()
	}

	p := Params{
		BlockSize: uint32(bs),
		NumBlocks: size / bs,
		AllocDataMem: func(size uint32) []byte {
			return make([]byte, size)
		},
		FreeDataMem: func(b []byte) {},
		Read: func(arg any, cmd *Cmd) {
			go func() {
				if !inRange(cmd) {
					finish(cmd, ENOSPC)
					return
				}
				if _, err := backend.ReadAt(ctx, cmd.Data[:cmd.Length], int64(cmd.Offset)); err != nil {
					finish(cmd, errorToNbd(err))
					return
				}
				finish(cmd, 0)
			}()
		},
		Write: func(arg any, cmd *Cmd) {
			go func() {
				if readonly {
					finish(cmd, EPERM)
					return
				}
				if !inRange(cmd) {
					finish(cmd, ENOSPC)
					return
				}
				if _, err := backend.WriteAt(ctx, cmd.Data[:cmd.Length], int64(cmd.Offset), cmd.FUA()); err != nil {
					finish(cmd, errorToNbd(err))
					return
				}
				finish(cmd, 0)
			}()
		},
		Flush: func(arg any, cmd *Cmd) {
			go func() {
				if err := backend.Flush(ctx); err != nil {
					finish(cmd, errorToNbd(err))
					return
				}
				finish(cmd, 0)
			}()
		},
		Trim: func(arg any, cmd *Cmd) {
			go func() {
				if readonly {
					finish(cmd, EPERM)
					return
				}
				if !inRange(cmd) {
					finish(cmd, ENOSPC)
					return
				}
				if _, err := backend.TrimAt(ctx, int(cmd.Length), int64(cmd.Offset)); err != nil {
					finish(cmd, errorToNbd(err))
					return
				}
				finish(cmd, 0)
			}()
		},
		Disconnect: func(arg any, cmd *Cmd) {
			_ = backend.Flush(ctx)
		},
	}
	return p, nil
}
