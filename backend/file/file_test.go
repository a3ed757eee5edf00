package file

import (
	"bytes"
	"os"
	"path"
	"testing"

	"github.com/rclone/gonbdloop/nbd"
	"golang.org/x/net/context"
)

func newTestBackend(t *testing.T, params nbd.DriverParametersConfig, readonly bool) nbd.Backend {
	t.Helper()
	ctx := context.Background()
	b, err := New(ctx, &nbd.DeviceConfig{
		Name:             "test",
		Driver:           "file",
		ReadOnly:         readonly,
		DriverParameters: params,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(ctx) })
	return b
}

func TestCreateAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := path.Join(t.TempDir(), "nbd.img")
	b := newTestBackend(t, nbd.DriverParametersConfig{"path": p, "size": "1048576"}, false)

	if stat, err := os.Stat(p); err != nil || stat.Size() != 1048576 {
		t.Fatalf("backing file not grown to configured size: %v", err)
	}
	size, _, _, _, err := b.Geometry(ctx)
	if err != nil || size != 1048576 {
		t.Fatalf("Geometry size = %d, %v", size, err)
	}

	payload := bytes.Repeat([]byte{0xA5}, 4096)
	if n, err := b.WriteAt(ctx, payload, 8192, false); err != nil || n != 4096 {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	got := make([]byte, 4096)
	if n, err := b.ReadAt(ctx, got, 8192); err != nil || n != 4096 {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read returned different data to that written")
	}
}

func TestExistingFileSize(t *testing.T) {
	ctx := context.Background()
	p := path.Join(t.TempDir(), "nbd.img")
	if err := os.WriteFile(p, make([]byte, 8192), 0666); err != nil {
		t.Fatalf("could not write backing file: %v", err)
	}
	b := newTestBackend(t, nbd.DriverParametersConfig{"path": p}, false)
	size, _, _, _, err := b.Geometry(ctx)
	if err != nil || size != 8192 {
		t.Fatalf("Geometry size = %d, %v, expected the file's own size", size, err)
	}
}

func TestFuaWrite(t *testing.T) {
	ctx := context.Background()
	p := path.Join(t.TempDir(), "nbd.img")
	b := newTestBackend(t, nbd.DriverParametersConfig{"path": p, "size": "65536"}, false)

	if n, err := b.WriteAt(ctx, bytes.Repeat([]byte{1}, 512), 0, true); err != nil || n != 512 {
		t.Fatalf("WriteAt with fua = %d, %v", n, err)
	}
	if !b.HasFua(ctx) || !b.HasFlush(ctx) {
		t.Fatalf("fua and flush must default to supported")
	}
}

func TestTrimReadsZero(t *testing.T) {
	ctx := context.Background()
	p := path.Join(t.TempDir(), "nbd.img")
	b := newTestBackend(t, nbd.DriverParametersConfig{"path": p, "size": "65536"}, false)

	payload := bytes.Repeat([]byte{0xFF}, 16384)
	if _, err := b.WriteAt(ctx, payload, 0, false); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n, err := b.TrimAt(ctx, 4096, 4096); err != nil || n != 4096 {
		t.Fatalf("TrimAt = %d, %v", n, err)
	}
	got := make([]byte, 16384)
	if _, err := b.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := 0; i < 4096; i++ {
		if got[i] != 0xFF {
			t.Fatalf("byte %d trimmed, expected untouched", i)
		}
	}
	for i := 4096; i < 8192; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d not zeroed by trim", i)
		}
	}
	for i := 8192; i < 16384; i++ {
		if got[i] != 0xFF {
			t.Fatalf("byte %d trimmed, expected untouched", i)
		}
	}
}

func TestNoSparseTrimIsNoop(t *testing.T) {
	ctx := context.Background()
	p := path.Join(t.TempDir(), "nbd.img")
	b := newTestBackend(t, nbd.DriverParametersConfig{"path": p, "size": "65536", "sparse": "false"}, false)

	payload := bytes.Repeat([]byte{0xFF}, 4096)
	if _, err := b.WriteAt(ctx, payload, 0, false); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := b.TrimAt(ctx, 4096, 0); err != nil {
		t.Fatalf("TrimAt: %v", err)
	}
	got := make([]byte, 4096)
	if _, err := b.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("trim with sparse=false touched the data")
	}
}

func TestForcedOffFlushAndFua(t *testing.T) {
	ctx := context.Background()
	p := path.Join(t.TempDir(), "nbd.img")
	b := newTestBackend(t, nbd.DriverParametersConfig{
		"path": p, "size": "65536", "flush": "false", "fua": "false",
	}, false)

	if b.HasFua(ctx) || b.HasFlush(ctx) {
		t.Fatalf("fua/flush forced off but still reported supported")
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("disabled Flush: %v", err)
	}
	if _, err := b.WriteAt(ctx, make([]byte, 512), 0, true); err != nil {
		t.Fatalf("write with ignored fua: %v", err)
	}
}

func TestGeometryBlockSize(t *testing.T) {
	ctx := context.Background()
	p := path.Join(t.TempDir(), "nbd.img")
	b, err := New(ctx, &nbd.DeviceConfig{
		Name:             "test",
		Driver:           "file",
		BlockSize:        512,
		DriverParameters: nbd.DriverParametersConfig{"path": p, "size": "1048576"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = b.Close(ctx) }()
	_, minBS, prefBS, maxBS, err := b.Geometry(ctx)
	if err != nil {
		t.Fatalf("Geometry: %v", err)
	}
	if minBS != 512 || prefBS != 512 {
		t.Fatalf("block sizes %d/%d, expected the configured 512", minBS, prefBS)
	}
	if maxBS != 512*256 {
		t.Fatalf("max block size %d, expected %d", maxBS, 512*256)
	}
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := path.Join(dir, "nbd.img")
	if err := os.WriteFile(p, make([]byte, 65536), 0666); err != nil {
		t.Fatalf("could not write backing file: %v", err)
	}
	b := newTestBackend(t, nbd.DriverParametersConfig{"path": p}, true)
	if _, err := b.WriteAt(ctx, make([]byte, 512), 0, false); err == nil {
		t.Fatalf("write to a readonly backend succeeded")
	}
}

func TestBadParams(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	empty := path.Join(dir, "empty.img")
	if err := os.WriteFile(empty, nil, 0666); err != nil {
		t.Fatalf("could not write backing file: %v", err)
	}
	cases := []nbd.DriverParametersConfig{
		{},                          // no path
		{"path": empty},             // empty file, no size
		{"path": empty, "size": "banana"},
		{"path": empty, "size": "65536", "sync": "maybe"},
		{"path": empty, "size": "65536", "flush": "maybe"},
		{"path": empty, "size": "65536", "fua": "maybe"},
		{"path": empty, "size": "65536", "sparse": "maybe"},
	}
	for _, params := range cases {
		if _, err := New(ctx, &nbd.DeviceConfig{Name: "test", Driver: "file", DriverParameters: params}); err == nil {
			t.Fatalf("expected an error for parameters %v", params)
		}
	}
}
