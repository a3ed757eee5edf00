package nbd

import (
	"encoding/binary"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Server is the per-connection engine. It owns one end of the socket pair
// the kernel is bound to, a cache of command objects, the set of commands
// out with the backend, and the queue of replies ready to send.
//
// Any number of threads may call DataPoll and ConfigPoll concurrently; a
// try-gate per pipeline lets one of them in and the rest skip. The gates
// are not mutexes and callers never queue on them.
type Server struct {
	// Single-owner gates for the three poll pipelines.
	rcvRunning    atomic.Bool
	sendRunning   atomic.Bool
	configRunning atomic.Bool

	// lock guards the send queue, the pending set, the command cache and
	// the shutdown reason. rcvCmd and sendCmd are only touched by their
	// serialized pipelines and need no locking of their own.
	lock     sync.Mutex
	cmdCache *Cache[Cmd]
	rcvCmd   *Cmd
	sendCmd  *Cmd
	sendCmds List[Cmd]
	pending  List[Cmd]

	fd     int
	params Params
	logger *log.Logger

	shutdown       atomic.Bool
	shutdownReason string

	// lastConfigRun is only touched under the configRunning gate.
	lastConfigRun int64

	stats ServerStats
}

// ServerStats carries engine counters. All fields are atomics so the
// embedding host can read them while the engine runs.
type ServerStats struct {
	CmdsReceived  atomic.Uint64
	CmdsCompleted atomic.Uint64
	BytesRead     atomic.Uint64
	BytesWritten  atomic.Uint64
}

// NewServer creates an engine over fd, which must be a connected stream
// socket (normally one end of a socketpair whose other end was handed to
// the kernel). The fd is switched to non-blocking mode; on failure the OS
// error is returned and no engine is produced. The engine takes ownership
// of fd. params is copied.
func NewServer(fd int, params Params, logger *log.Logger) (*Server, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s := &Server{
		fd:     fd,
		params: params,
		logger: logger,
	}
	s.sendCmds = NewList(cmdLink)
	s.pending = NewList(cmdLink)
	s.cmdCache = NewCache(cmdLink, func() *Cmd {
		cmd := &Cmd{Arg: params.Arg}
		binary.BigEndian.PutUint32(cmd.reply[0:4], ReplyMagic)
		return cmd
	}, nil)
	return s, nil
}

// Stats returns the engine counters.
func (s *Server) Stats() *ServerStats {
	return &s.stats
}

// completeCmd is the completion hook target. It may run on the dispatching
// stack or on a backend goroutine; dispatch guarantees the command is
// already in the pending set either way.
func (s *Server) completeCmd(cmd *Cmd) {
	// Reply magic is in place already.
	binary.BigEndian.PutUint32(cmd.reply[4:8], cmd.RetErr)
	copy(cmd.reply[8:16], cmd.req[8:16])
	cmd.state = StateSendReply
	cmd.cur = cmd.reply[:]
	s.lock.Lock()
	s.pending.Remove(cmd)
	s.sendCmds.PushBack(cmd)
	s.lock.Unlock()
}

// CheckShutdown reports whether the engine has shut down, and why.
func (s *Server) CheckShutdown() (bool, string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.shutdown.Load(), s.shutdownReason
}

// IsDeleteReady reports whether Close would not block: the engine is shut
// down, no poll pipeline is in flight and the backend holds no commands.
func (s *Server) IsDeleteReady() bool {
	if !s.shutdown.Load() || s.rcvRunning.Load() || s.sendRunning.Load() || s.configRunning.Load() {
		return false
	}
	s.lock.Lock()
	n := s.pending.Len()
	s.lock.Unlock()
	return n == 0
}

// markShutdown quiesces the engine. The first reason wins.
func (s *Server) markShutdown(reason string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.shutdown.Load() {
		return
	}
	s.shutdownReason = reason
	s.shutdown.Store(true)
	s.logger.Printf("[INFO] Server shutting down: %s", reason)
}

// DataPoll attempts to make progress on the receive pipeline and then on
// the send pipeline. Safe to call from many threads at once; a pipeline
// already being polled elsewhere is skipped, not waited for. Returns false
// once the engine has shut down (check CheckShutdown for the reason).
func (s *Server) DataPoll() bool {
	if s.shutdown.Load() {
		return false
	}
	if !s.shutdown.Load() && s.rcvRunning.CompareAndSwap(false, true) {
		s.pollRecv()
		s.rcvRunning.Store(false)
	}
	if !s.shutdown.Load() && s.sendRunning.CompareAndSwap(false, true) {
		s.pollSend()
		s.sendRunning.Store(false)
	}
	return !s.shutdown.Load()
}

// ConfigPoll runs the periodic housekeeping. Call it at roughly one second
// intervals with the current time; calls within a second already serviced
// do nothing. Returns false once the engine has shut down.
func (s *Server) ConfigPoll(t time.Time) bool {
	if s.shutdown.Load() {
		return false
	}
	if s.configRunning.CompareAndSwap(false, true) {
		if sec := t.Unix(); sec > s.lastConfigRun {
			s.lastConfigRun = sec
			s.lock.Lock()
			s.cmdCache.HouseKeeping(&s.lock, sec)
			s.lock.Unlock()
		}
		s.configRunning.Store(false)
	}
	return !s.shutdown.Load()
}

// pollRecv advances the receive pipeline by at most one non-blocking read.
// Runs under the rcvRunning gate.
func (s *Server) pollRecv() {
	if s.shutdown.Load() {
		return
	}
	if s.rcvCmd == nil {
		s.lock.Lock()
		cmd := s.cmdCache.Alloc(&s.lock)
		s.lock.Unlock()
		if cmd == nil {
			return
		}
		cmd.reset()
		cmd.server = s
		s.rcvCmd = cmd
	}
	cmd := s.rcvCmd
	n, err := unix.Read(s.fd, cmd.cur)
	if n <= 0 {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if n == 0 {
			s.markShutdown("remote end closed connection during read")
		} else {
			s.markShutdown("failed to read from socket")
		}
		return
	}
	s.stats.BytesRead.Add(uint64(n))
	cmd.cur = cmd.cur[n:]
	if len(cmd.cur) != 0 {
		return
	}
	if cmd.state == StateRecvWriteData {
		s.dispatch()
		return
	}
	// Full header received, decode and validate it.
	cmd.decode()
	if binary.BigEndian.Uint32(cmd.req[0:4]) != RequestMagic || cmd.op > CmdTrim {
		s.markShutdown("invalid cmd received")
		return
	}
	s.stats.CmdsReceived.Add(1)
	if cmd.op == CmdRead || cmd.op == CmdWrite {
		if cmd.Length == 0 || cmd.Length > MaxCommandSize {
			// Answered in band; the connection stays up.
			cmd.RetErr = EINVAL
			s.rcvCmd = nil
			cmd.Complete()
			return
		}
		buf := s.params.AllocDataMem(cmd.Length)
		if buf == nil {
			s.markShutdown("failed to allocate DMA memory")
			return
		}
		cmd.Data = buf
		cmd.cur = buf
	}
	if cmd.op != CmdWrite {
		s.dispatch()
		return
	}
	// Write command, start receiving data.
	cmd.state = StateRecvWriteData
}

// dispatch hands the received command to the backend and clears the
// receive slot. The command goes into the pending set before the backend
// sees it, so a completion on the dispatching stack finds it there.
func (s *Server) dispatch() {
	cmd := s.rcvCmd
	s.rcvCmd = nil
	cmd.state = StateSubmitted
	if cmd.op != CmdDisc {
		s.lock.Lock()
		s.pending.PushBack(cmd)
		s.lock.Unlock()
	}
	switch cmd.op {
	case CmdRead:
		s.params.Read(cmd.Arg, cmd)
	case CmdWrite:
		s.params.Write(cmd.Arg, cmd)
	case CmdFlush:
		s.params.Flush(cmd.Arg, cmd)
	case CmdTrim:
		s.params.Trim(cmd.Arg, cmd)
	case CmdDisc:
		// A disconnect never goes to the backend path and gets no reply.
		if s.params.Disconnect != nil {
			s.params.Disconnect(cmd.Arg, cmd)
		}
		s.markShutdown("disconnect received")
		s.lock.Lock()
		s.cmdCache.Free(&s.lock, cmd)
		s.lock.Unlock()
	default:
		// Unreachable after header validation.
		cmd.RetErr = EINVAL
		cmd.Complete()
	}
}

// pollSend advances the send pipeline by at most one non-blocking write.
// Runs under the sendRunning gate.
func (s *Server) pollSend() {
	if s.sendCmd == nil {
		s.lock.Lock()
		s.sendCmd = s.sendCmds.PopFront()
		s.lock.Unlock()
		if s.sendCmd == nil {
			return
		}
	}
	cmd := s.sendCmd
	n, err := unix.Write(s.fd, cmd.cur)
	if n <= 0 {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if n == 0 {
			s.markShutdown("remote end closed connection during write")
		} else {
			s.markShutdown("failed to write to socket")
		}
		return
	}
	s.stats.BytesWritten.Add(uint64(n))
	cmd.cur = cmd.cur[n:]
	if len(cmd.cur) != 0 {
		return
	}
	if cmd.state == StateSendReadData || cmd.RetErr != 0 || cmd.op != CmdRead || cmd.Length == 0 {
		// Fully sent; retire the command.
		if cmd.Data != nil {
			s.params.FreeDataMem(cmd.Data)
			cmd.Data = nil
		}
		s.lock.Lock()
		s.cmdCache.Free(&s.lock, cmd)
		s.lock.Unlock()
		s.sendCmd = nil
		s.stats.CmdsCompleted.Add(1)
		return
	}
	// Reply header for a successful read went out, stream the payload.
	cmd.state = StateSendReadData
	cmd.cur = cmd.Data[:cmd.Length]
}

// Close tears the engine down. It marks the engine shut down, waits for
// the poll pipelines to settle and for the backend to complete every
// command it accepted, closes the socket and reaps everything still
// queued. A backend that never completes an accepted command makes this
// wait forever; quiescing pollers before calling Close (as the loopback
// multiplexer does with its own polled flag) also closes the small window
// between the shutdown check and the gate transition in the poll paths.
func (s *Server) Close() {
	s.markShutdown("server getting destroyed")
	for {
		time.Sleep(time.Millisecond)
		if s.rcvRunning.Load() || s.sendRunning.Load() || s.configRunning.Load() {
			continue
		}
		s.lock.Lock()
		n := s.pending.Len()
		s.lock.Unlock()
		if n == 0 {
			break
		}
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.lock.Lock()
	if cmd := s.rcvCmd; cmd != nil {
		s.rcvCmd = nil
		s.reapCmd(cmd)
	}
	if cmd := s.sendCmd; cmd != nil {
		s.sendCmd = nil
		s.reapCmd(cmd)
	}
	for {
		cmd := s.sendCmds.PopFront()
		if cmd == nil {
			break
		}
		s.reapCmd(cmd)
	}
	s.cmdCache.Drain()
	s.lock.Unlock()
}

// reapCmd releases a command's buffer and returns it to the cache.
// Caller holds the lock.
func (s *Server) reapCmd(cmd *Cmd) {
	if cmd.Data != nil {
		s.params.FreeDataMem(cmd.Data)
		cmd.Data = nil
	}
	s.cmdCache.Free(&s.lock, cmd)
}
