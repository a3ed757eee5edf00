//go:build linux

// Package loopback creates loopback block devices using NBD. One end of
// the loopback is a kernel nbd node (/dev/nbdN) and the other end is a
// bundle of backend callbacks served by an nbd.Server over a socket pair.
//
// The package keeps a registry of running devices. The embedding host
// drives them by calling Poll from one or more polling threads; Stop (or
// StopAll) tears a device down.
package loopback

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rclone/gonbdloop/nbd"
)

// Kernel thread states
const (
	kthrStateInit = uint32(iota)
	kthrStateRun
	kthrStateExit
)

// configPollEvery is how many Poll passes go by between ConfigPoll
// rounds. The count is not tied to wall-clock time: with the server
// package's pollers sleeping 100µs between passes, rounds come many times
// a second. ConfigPoll ignores calls within a second it has already
// serviced, so housekeeping itself runs at most once a second.
const configPollEvery = 500

type device struct {
	server *nbd.Server
	logger *log.Logger

	nbdNum int
	node   string
	devFd  int
	// socks[0] is for the kernel and socks[1] is for the nbd.Server.
	socks [2]int

	kernelThreadState atomic.Uint32
	kernelThreadErr   error
	kernelDone        chan struct{}

	// Guarded by the package lock.
	beingPolled  bool
	shuttingDown bool
}

var (
	lock      sync.Mutex
	numNbds   int
	nbdsAvail map[int]bool
	devs      []*device
	loopCount int
)

// Init scans the system for nbd devices and records which are unused.
// Must be called before Start. Returns ENOENT when the nbd module gives
// us no devices at all.
func Init() error {
	// Make sure NBD is loaded.
	_ = exec.Command("/sbin/modprobe", "nbd").Run()
	lock.Lock()
	defer lock.Unlock()
	nbdsAvail = make(map[int]bool)
	ndx := 0
	for {
		nbdPath := fmt.Sprintf("/sys/class/block/nbd%d", ndx)
		if _, err := os.Stat(nbdPath); err != nil {
			break
		}
		size, err := os.ReadFile(nbdPath + "/size")
		if err != nil || strings.TrimSpace(string(size)) == "0" {
			nbdsAvail[ndx] = true
		}
		ndx++

		// Put some upper bound on it in case of bugs.
		if ndx > 10000 {
			return unix.EIO
		}
	}
	if ndx == 0 {
		return unix.ENOENT
	}
	numNbds = ndx
	return nil
}

// claimNbdNum reserves a device number. want < 0 picks the lowest free one.
func claimNbdNum(want int) (int, error) {
	lock.Lock()
	defer lock.Unlock()
	if len(nbdsAvail) == 0 {
		return -1, unix.ENOENT
	}
	if want >= 0 {
		if !nbdsAvail[want] {
			return -1, unix.ENOENT
		}
		delete(nbdsAvail, want)
		return want, nil
	}
	num := -1
	for n := range nbdsAvail {
		if num < 0 || n < num {
			num = n
		}
	}
	delete(nbdsAvail, num)
	return num, nil
}

func releaseNbdNum(num int) {
	lock.Lock()
	defer lock.Unlock()
	nbdsAvail[num] = true
}

// kernelThread binds the kernel end of the socket pair and then sits in
// NBD_DO_IT until the device is torn down. It does not own the device.
func (d *device) kernelThread() {
	defer close(d.kernelDone)
	if err := unix.IoctlSetInt(d.devFd, nbdSetSock, d.socks[0]); err != nil {
		d.kernelThreadErr = err
		d.kernelThreadState.Store(kthrStateExit)
		return
	}
	flags := int(nbd.FlagSendFua | nbd.FlagSendTrim | nbd.FlagSendFlush)
	if err := unix.IoctlSetInt(d.devFd, nbdSetFlags, flags); err != nil {
		d.kernelThreadErr = err
		d.kernelThreadState.Store(kthrStateExit)
		return
	}
	d.kernelThreadState.Store(kthrStateRun)
	_ = unix.IoctlSetInt(d.devFd, nbdDoIt, 0)
	_ = unix.IoctlSetInt(d.devFd, nbdClearQue, 0)
	_ = unix.IoctlSetInt(d.devFd, nbdClearSock, 0)
	d.kernelThreadState.Store(kthrStateExit)
}

// Start exposes params as a local block device. nbdNum pins a specific
// /dev/nbdN when >= 0, otherwise a free one is picked. Returns the device
// node and the number in use.
func Start(logger *log.Logger, params nbd.Params, nbdNum int) (string, int, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if numNbds == 0 {
		return "", -1, unix.ENOENT
	}
	if err := params.Validate(); err != nil {
		return "", -1, err
	}
	num, err := claimNbdNum(nbdNum)
	if err != nil {
		return "", -1, err
	}
	d := &device{
		logger:     logger,
		nbdNum:     num,
		node:       "/dev/nbd" + strconv.Itoa(num),
		devFd:      -1,
		socks:      [2]int{-1, -1},
		kernelDone: make(chan struct{}),
	}
	fail := func(err error) (string, int, error) {
		d.releaseEarly()
		return "", -1, err
	}

	d.devFd, err = unix.Open(d.node, unix.O_RDWR, 0)
	if err != nil {
		return fail(err)
	}
	socks, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fail(err)
	}
	d.socks = socks
	if err = unix.IoctlSetInt(d.devFd, nbdClearSock, 0); err != nil {
		return fail(err)
	}
	if err = unix.IoctlSetInt(d.devFd, nbdSetBlockSize, int(params.BlockSize)); err != nil {
		return fail(err)
	}
	if err = unix.IoctlSetInt(d.devFd, nbdSetSizeBlocks, int(params.NumBlocks)); err != nil {
		return fail(err)
	}

	go d.kernelThread()
	for d.kernelThreadState.Load() == kthrStateInit {
		time.Sleep(time.Millisecond)
	}
	if d.kernelThreadState.Load() == kthrStateExit {
		if d.kernelThreadErr != nil {
			return fail(d.kernelThreadErr)
		}
		return fail(unix.EIO)
	}
	_ = unix.IoctlSetPointerInt(d.devFd, unix.BLKBSZSET, int(params.BlockSize))

	d.server, err = nbd.NewServer(d.socks[1], params, logger)
	if err != nil {
		return fail(err)
	}
	d.socks[1] = -1 // now owned by the server

	lock.Lock()
	devs = append(devs, d)
	lock.Unlock()
	logger.Printf("[INFO] Started NBD loopback on %s", d.node)
	return d.node, num, nil
}

// releaseEarly unwinds a Start that did not get as far as registering the
// device.
func (d *device) releaseEarly() {
	if d.socks[0] >= 0 {
		unix.Close(d.socks[0])
		d.socks[0] = -1
	}
	if d.socks[1] >= 0 {
		unix.Close(d.socks[1])
		d.socks[1] = -1
	}
	if d.kernelThreadState.Load() != kthrStateInit {
		<-d.kernelDone
	}
	if d.devFd >= 0 {
		_ = unix.IoctlSetInt(d.devFd, nbdClearQue, 0)
		_ = unix.IoctlSetInt(d.devFd, nbdClearSock, 0)
		unix.Close(d.devFd)
		d.devFd = -1
	}
	releaseNbdNum(d.nbdNum)
}

// cleanup tears down a device that has been unregistered. No nbd
// callbacks may still be pending or the engine teardown will sit waiting
// for them.
func (d *device) cleanup() {
	if d.server != nil {
		d.server.Close()
		d.server = nil
	}
	if d.socks[0] >= 0 {
		unix.Close(d.socks[0])
		d.socks[0] = -1
	}
	<-d.kernelDone
	if d.devFd >= 0 {
		_ = unix.IoctlSetInt(d.devFd, nbdClearQue, 0)
		_ = unix.IoctlSetInt(d.devFd, nbdClearSock, 0)
		unix.Close(d.devFd)
		d.devFd = -1
	}
	releaseNbdNum(d.nbdNum)
	d.logger.Printf("[INFO] Stopped NBD loopback on %s", d.node)
}

// Stop tears down the device running on the given node. It quiesces the
// pollers first so the engine is destroyed with nothing in flight.
func Stop(node string) error {
	lock.Lock()
	var d *device
	for _, dev := range devs {
		if dev.node == node {
			d = dev
			break
		}
	}
	if d == nil {
		lock.Unlock()
		return unix.ENOENT
	}
	d.shuttingDown = true
	for d.beingPolled {
		lock.Unlock()
		time.Sleep(time.Millisecond)
		lock.Lock()
	}
	for i, dev := range devs {
		if dev == d {
			devs = append(devs[:i], devs[i+1:]...)
			break
		}
	}
	lock.Unlock()
	d.cleanup()
	return nil
}

// StopAll stops every running device.
func StopAll() {
	for {
		lock.Lock()
		if len(devs) == 0 {
			lock.Unlock()
			return
		}
		node := devs[0].node
		lock.Unlock()
		_ = Stop(node)
	}
}

// Nodes returns the nodes of the running devices.
func Nodes() []string {
	lock.Lock()
	defer lock.Unlock()
	nodes := make([]string, 0, len(devs))
	for _, d := range devs {
		nodes = append(nodes, d.node)
	}
	return nodes
}

// Poll gives every running device a data poll pass, and every
// configPollEvery'th call a config poll too. Many threads may call Poll
// at once; a device already being polled by another thread is skipped.
func Poll() {
	lock.Lock()
	// lock also protects loopCount.
	loopCount++
	configPoll := false
	if loopCount == configPollEvery {
		loopCount = 0
		configPoll = true
	}
	snapshot := make([]*device, len(devs))
	copy(snapshot, devs)
	lock.Unlock()

	for _, d := range snapshot {
		lock.Lock()
		if d.shuttingDown || d.beingPolled {
			lock.Unlock()
			continue
		}
		d.beingPolled = true
		lock.Unlock()
		d.server.DataPoll()
		if configPoll {
			d.server.ConfigPoll(time.Now())
		}
		lock.Lock()
		d.beingPolled = false
		lock.Unlock()
	}
}
