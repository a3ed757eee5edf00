// Package server ties the pieces together into the command: it loads and
// validates the configuration, sets up logging, optionally daemonizes,
// starts an NBD loopback device per configured export, runs the polling
// threads and handles signals (SIGHUP reloads the config, SIGINT and
// SIGTERM shut down).
package server

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	daemon "github.com/sevlyar/go-daemon"
	"golang.org/x/net/context"

	"github.com/rclone/gonbdloop/loopback"
	"github.com/rclone/gonbdloop/nbd"
)

var (
	configFile = flag.String("c", "/etc/gonbdloop.conf", "path to YAML config file")
	foreground = flag.Bool("f", false, "run in foreground, not as a daemon")
	pidFile    = flag.String("p", "/var/run/gonbdloop.pid", "path to PID file when daemonized")
	numPollers = flag.Int("pollers", 2, "number of device polling threads")
)

// readyTimeout bounds how long we wait for the kernel to bring a fresh
// device node up.
const readyTimeout = 10 * time.Second

// Control allows the caller to control the server, mostly used for tests
type Control struct {
	quit chan struct{}
}

// runningDevice pairs a started loopback node with the backend serving it
type runningDevice struct {
	name    string
	node    string
	backend nbd.Backend
}

// Run runs the server, daemonizing if required. The serving process
// returns once the server has been told to quit (signal or control
// channel), or early if no nbd device is usable; when daemonizing, the
// parent process returns as soon as the child has been started.
func Run(control *Control) {
	if control == nil {
		control = &Control{}
	}
	if !*foreground {
		dctx := &daemon.Context{
			PidFileName: *pidFile,
			PidFilePerm: 0644,
		}
		child, err := dctx.Reborn()
		if err != nil {
			log.Fatalf("[CRIT] Could not daemonize: %v", err)
		}
		if child != nil {
			// parent
			return
		}
		defer func() {
			_ = dctx.Release()
		}()
	}
	RunConfig(control)
}

// startDevice builds the backend for one device config and exposes it.
func startDevice(ctx context.Context, logger *log.Logger, dc *nbd.DeviceConfig) (*runningDevice, error) {
	backend, err := nbd.NewBackend(ctx, dc)
	if err != nil {
		return nil, err
	}
	params, err := nbd.AsyncParams(ctx, backend, dc.ReadOnly)
	if err != nil {
		_ = backend.Close(ctx)
		return nil, err
	}
	if dc.BlockSize != 0 {
		total := params.NumBlocks * uint64(params.BlockSize)
		params.BlockSize = dc.BlockSize
		params.NumBlocks = total / uint64(dc.BlockSize)
	}
	nbdNum := dc.NbdNum
	if nbdNum == 0 {
		nbdNum = -1
	}
	node, _, err := loopback.Start(logger, params, nbdNum)
	if err != nil {
		_ = backend.Close(ctx)
		return nil, err
	}
	if err := loopback.WaitReady(node, readyTimeout); err != nil {
		logger.Printf("[WARN] Device %s on %s not confirmed ready: %v", dc.Name, node, err)
	}
	logger.Printf("[INFO] Device %s serving driver %s on %s", dc.Name, dc.Driver, node)
	return &runningDevice{name: dc.Name, node: node, backend: backend}, nil
}

// stopDevices stops every running device and closes its backend.
func stopDevices(ctx context.Context, logger *log.Logger, running []*runningDevice) {
	for _, rd := range running {
		if err := loopback.Stop(rd.node); err != nil {
			logger.Printf("[ERROR] Could not stop %s on %s: %v", rd.name, rd.node, err)
		}
		if err := rd.backend.Close(ctx); err != nil {
			logger.Printf("[ERROR] Could not close backend of %s: %v", rd.name, err)
		}
	}
}

// RunConfig runs the server with the config file from the command line.
// Assumes daemonization has been dealt with already.
func RunConfig(control *Control) {
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	c, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("[CRIT] %v", err)
	}
	logger, logCloser, err := GetLogger(&c.Logging)
	if err != nil {
		log.Fatalf("[CRIT] Could not set up logging: %v", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := loopback.Init(); err != nil {
		logger.Printf("[CRIT] No usable nbd devices: %v", err)
		return
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Polling threads, stopped on exit.
	pollQuit := make(chan struct{})
	var pollWg sync.WaitGroup
	for i := 0; i < *numPollers; i++ {
		pollWg.Add(1)
		go func() {
			defer pollWg.Done()
			for {
				select {
				case <-pollQuit:
					return
				default:
					loopback.Poll()
					time.Sleep(100 * time.Microsecond)
				}
			}
		}()
	}

	var running []*runningDevice
	startAll := func(cfg *nbd.Config) {
		for i := range cfg.Devices {
			rd, err := startDevice(ctx, logger, &cfg.Devices[i])
			if err != nil {
				logger.Printf("[ERROR] Could not start device %s: %v", cfg.Devices[i].Name, err)
				continue
			}
			running = append(running, rd)
		}
	}
	startAll(c)

	logger.Printf("[INFO] Running with %d device(s), drivers available: %v", len(running), nbd.GetBackendNames())

loop:
	for {
		select {
		case <-control.quit:
			logger.Printf("[INFO] Quit requested, stopping")
			break loop
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Printf("[INFO] SIGHUP received, reloading configuration")
				newC, err := LoadConfig(*configFile)
				if err != nil {
					logger.Printf("[ERROR] Not reloading: %v", err)
					continue
				}
				stopDevices(ctx, logger, running)
				running = nil
				c = newC
				startAll(c)
			default:
				logger.Printf("[INFO] %v received, stopping", sig)
				break loop
			}
		}
	}

	stopDevices(ctx, logger, running)
	close(pollQuit)
	pollWg.Wait()
	logger.Printf("[INFO] Stopped")
}
