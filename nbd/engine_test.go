package nbd

import (
	"bytes"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// testBackend is an in-memory disk speaking the asynchronous callback
// contract. With hold set, accepted commands are parked until release so
// tests can drive completion order; otherwise commands complete on the
// dispatching stack.
type testBackend struct {
	mu          sync.Mutex
	mem         []byte
	hold        bool
	held        []*Cmd
	flushes     int
	trims       int
	disconnects int
	lastFua     bool
}

func newTestBackend(size int) *testBackend {
	return &testBackend{mem: make([]byte, size)}
}

func (b *testBackend) accept(cmd *Cmd) {
	b.mu.Lock()
	if b.hold {
		b.held = append(b.held, cmd)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.finish(cmd)
}

func (b *testBackend) finish(cmd *Cmd) {
	b.mu.Lock()
	end := cmd.Offset + uint64(cmd.Length)
	switch cmd.Op() {
	case CmdRead:
		if end > uint64(len(b.mem)) {
			cmd.RetErr = ENOSPC
		} else {
			copy(cmd.Data[:cmd.Length], b.mem[cmd.Offset:])
		}
	case CmdWrite:
		b.lastFua = cmd.FUA()
		if end > uint64(len(b.mem)) {
			cmd.RetErr = ENOSPC
		} else {
			copy(b.mem[cmd.Offset:], cmd.Data[:cmd.Length])
		}
	case CmdFlush:
		b.flushes++
	case CmdTrim:
		b.trims++
	}
	b.mu.Unlock()
	cmd.Complete()
}

// heldCount returns how many commands are parked.
func (b *testBackend) heldCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

// release completes all parked commands in the given order of indexes.
func (b *testBackend) release(order ...int) {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.hold = false
	b.mu.Unlock()
	for _, i := range order {
		b.finish(held[i])
	}
}

func (b *testBackend) params() Params {
	return Params{
		BlockSize:    4096,
		NumBlocks:    uint64(len(b.mem)) / 4096,
		Arg:          b,
		AllocDataMem: func(size uint32) []byte { return make([]byte, size) },
		FreeDataMem:  func(buf []byte) {},
		Read:         func(arg any, cmd *Cmd) { arg.(*testBackend).accept(cmd) },
		Write:        func(arg any, cmd *Cmd) { arg.(*testBackend).accept(cmd) },
		Flush:        func(arg any, cmd *Cmd) { arg.(*testBackend).accept(cmd) },
		Trim:         func(arg any, cmd *Cmd) { arg.(*testBackend).accept(cmd) },
		Disconnect: func(arg any, cmd *Cmd) {
			be := arg.(*testBackend)
			be.mu.Lock()
			be.disconnects++
			be.mu.Unlock()
		},
	}
}

// testEngine runs a Server over a socketpair with a polling goroutine,
// with the far end exposed as a blocking file for the test to speak the
// wire protocol on.
type testEngine struct {
	t    *testing.T
	s    *Server
	conn *os.File
	quit chan struct{}
	wg   sync.WaitGroup
}

func startEngine(t *testing.T, params Params) *testEngine {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	s, err := NewServer(fds[0], params, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	e := &testEngine{
		t:    t,
		s:    s,
		conn: os.NewFile(uintptr(fds[1]), "nbd-client"),
		quit: make(chan struct{}),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.quit:
				return
			default:
				s.DataPoll()
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()
	t.Cleanup(e.Close)
	return e
}

// stopPolling stops the polling goroutine and destroys the engine. Safe
// to call more than once.
func (e *testEngine) stopPolling() {
	select {
	case <-e.quit:
	default:
		close(e.quit)
		e.wg.Wait()
		e.s.Close()
	}
}

func (e *testEngine) Close() {
	e.stopPolling()
	_ = e.conn.Close()
}

func (e *testEngine) sendRequest(req Request) {
	e.t.Helper()
	b := EncodeRequest(req)
	if _, err := e.conn.Write(b[:]); err != nil {
		e.t.Fatalf("could not send request: %v", err)
	}
}

func (e *testEngine) sendPayload(p []byte) {
	e.t.Helper()
	if _, err := e.conn.Write(p); err != nil {
		e.t.Fatalf("could not send payload: %v", err)
	}
}

func (e *testEngine) readReply() Reply {
	e.t.Helper()
	var b [ReplyHeaderLen]byte
	if _, err := io.ReadFull(e.conn, b[:]); err != nil {
		e.t.Fatalf("could not read reply: %v", err)
	}
	rep := DecodeReply(&b)
	if rep.Magic != ReplyMagic {
		e.t.Fatalf("reply had bad magic 0x%08x", rep.Magic)
	}
	return rep
}

func (e *testEngine) readPayload(n uint32) []byte {
	e.t.Helper()
	p := make([]byte, n)
	if _, err := io.ReadFull(e.conn, p); err != nil {
		e.t.Fatalf("could not read payload: %v", err)
	}
	return p
}

func (e *testEngine) expectReply(handle uint64, errno uint32) Reply {
	e.t.Helper()
	rep := e.readReply()
	if rep.Handle != handle {
		e.t.Fatalf("reply handle 0x%016x, expected 0x%016x", rep.Handle, handle)
	}
	if rep.Error != errno {
		e.t.Fatalf("reply error %d, expected %d", rep.Error, errno)
	}
	return rep
}

func (e *testEngine) waitShutdown(wantReason string) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if shut, reason := e.s.CheckShutdown(); shut {
			if reason != wantReason {
				e.t.Fatalf("shutdown reason %q, expected %q", reason, wantReason)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	e.t.Fatalf("engine did not shut down, expected reason %q", wantReason)
}

func TestWriteThenRead(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	payload := bytes.Repeat([]byte{0xAA}, 4096)
	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdWrite, Handle: 0x1111, Offset: 0, Length: 4096})
	e.sendPayload(payload)
	e.expectReply(0x1111, 0)

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdRead, Handle: 0x2222, Offset: 0, Length: 4096})
	e.expectReply(0x2222, 0)
	got := e.readPayload(4096)
	if !bytes.Equal(got, payload) {
		t.Fatalf("read returned different data to that written")
	}
}

func TestWriteFua(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandFlags: CmdFlagFua, CommandType: CmdWrite, Handle: 1, Offset: 4096, Length: 512})
	e.sendPayload(make([]byte, 512))
	e.expectReply(1, 0)
	be.mu.Lock()
	defer be.mu.Unlock()
	if !be.lastFua {
		t.Fatalf("FUA flag was not seen by the backend")
	}
}

func TestReadPastEnd(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdRead, Handle: 3, Offset: 1 << 20, Length: 4096})
	e.expectReply(3, ENOSPC)

	// The connection stays up.
	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdFlush, Handle: 4})
	e.expectReply(4, 0)
}

func TestFlushAndTrim(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdFlush, Handle: 5})
	e.expectReply(5, 0)
	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdTrim, Handle: 6, Offset: 0, Length: 8192})
	e.expectReply(6, 0)

	be.mu.Lock()
	defer be.mu.Unlock()
	if be.flushes != 1 || be.trims != 1 {
		t.Fatalf("backend saw %d flushes and %d trims, expected 1 and 1", be.flushes, be.trims)
	}
}

func TestZeroLengthRead(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdRead, Handle: 7, Offset: 0, Length: 0})
	e.expectReply(7, EINVAL)

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdFlush, Handle: 8})
	e.expectReply(8, 0)
}

func TestOversizedRead(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdRead, Handle: 9, Offset: 0, Length: MaxCommandSize + 1})
	e.expectReply(9, EINVAL)

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdFlush, Handle: 10})
	e.expectReply(10, 0)
}

func TestCorruptMagic(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: 0xDEADBEEF, CommandType: CmdRead, Handle: 11, Offset: 0, Length: 4096})
	e.waitShutdown("invalid cmd received")

	// No reply was emitted: teardown closes the socket and the client
	// sees a clean EOF with nothing buffered.
	e.stopPolling()
	var b [1]byte
	if n, err := e.conn.Read(b[:]); err != io.EOF {
		t.Fatalf("expected EOF and no reply bytes, got n=%d err=%v", n, err)
	}
}

func TestBadOpcode(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: 99, Handle: 12})
	e.waitShutdown("invalid cmd received")
}

func TestDisconnect(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdDisc, Handle: 13})
	e.waitShutdown("disconnect received")

	be.mu.Lock()
	disconnects := be.disconnects
	be.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnect callback ran %d times, expected 1", disconnects)
	}

	// Stop the poller, after which nothing is in flight and the engine
	// must report itself reapable.
	close(e.quit)
	e.wg.Wait()
	deadline := time.Now().Add(5 * time.Second)
	for !e.s.IsDeleteReady() {
		if time.Now().After(deadline) {
			t.Fatalf("IsDeleteReady never became true")
		}
		time.Sleep(time.Millisecond)
	}

	// The first shutdown reason survives destruction.
	e.s.Close()
	if _, reason := e.s.CheckShutdown(); reason != "disconnect received" {
		t.Fatalf("shutdown reason %q after Close, expected the first to win", reason)
	}
}

// A header delivered in pieces must be reassembled.
func TestShortHeaderReassembly(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	b := EncodeRequest(Request{Magic: RequestMagic, CommandType: CmdFlush, Handle: 14})
	for _, chunk := range [][]byte{b[:5], b[5:17], b[17:]} {
		e.sendPayload(chunk)
		time.Sleep(5 * time.Millisecond)
	}
	e.expectReply(14, 0)
}

// A write payload delivered in pieces must be reassembled too.
func TestShortPayloadReassembly(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	payload := bytes.Repeat([]byte{0x5A}, 1024)
	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdWrite, Handle: 15, Offset: 0, Length: 1024})
	for _, chunk := range [][]byte{payload[:100], payload[100:700], payload[700:]} {
		e.sendPayload(chunk)
		time.Sleep(5 * time.Millisecond)
	}
	e.expectReply(15, 0)

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdRead, Handle: 16, Offset: 0, Length: 1024})
	e.expectReply(16, 0)
	if got := e.readPayload(1024); !bytes.Equal(got, payload) {
		t.Fatalf("reassembled write did not store the right bytes")
	}
}

// Replies go out in completion order, not submission order; the handles
// let the kernel correlate.
func TestOutOfOrderCompletion(t *testing.T) {
	be := newTestBackend(1 << 20)
	be.hold = true
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdRead, Handle: 21, Offset: 0, Length: 512})
	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdRead, Handle: 22, Offset: 512, Length: 512})

	deadline := time.Now().Add(5 * time.Second)
	for be.heldCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("backend only ever held %d commands", be.heldCount())
		}
		time.Sleep(time.Millisecond)
	}

	// Complete the second submission first.
	be.release(1, 0)

	e.expectReply(22, 0)
	e.readPayload(512)
	e.expectReply(21, 0)
	e.readPayload(512)
}

func TestConfigPollSameSecond(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	now := time.Now()
	if !e.s.ConfigPoll(now) {
		t.Fatalf("ConfigPoll returned false on a live engine")
	}
	if !e.s.ConfigPoll(now) {
		t.Fatalf("repeated ConfigPoll returned false on a live engine")
	}
	if e.s.lastConfigRun != now.Unix() {
		t.Fatalf("lastConfigRun %d, expected %d", e.s.lastConfigRun, now.Unix())
	}
}

func TestDataPollAfterShutdown(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdDisc, Handle: 23})
	e.waitShutdown("disconnect received")
	if e.s.DataPoll() {
		t.Fatalf("DataPoll returned true on a shut down engine")
	}
	if e.s.ConfigPoll(time.Now()) {
		t.Fatalf("ConfigPoll returned true on a shut down engine")
	}
}

func TestStats(t *testing.T) {
	be := newTestBackend(1 << 20)
	e := startEngine(t, be.params())

	e.sendRequest(Request{Magic: RequestMagic, CommandType: CmdFlush, Handle: 24})
	e.expectReply(24, 0)

	stats := e.s.Stats()
	if stats.CmdsReceived.Load() != 1 {
		t.Fatalf("CmdsReceived = %d, expected 1", stats.CmdsReceived.Load())
	}
	deadline := time.Now().Add(5 * time.Second)
	for stats.CmdsCompleted.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("CmdsCompleted = %d, expected 1", stats.CmdsCompleted.Load())
		}
		time.Sleep(time.Millisecond)
	}
}
