//go:build linux

package loopback

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"golang.org/x/sys/unix"
)

// sizeNonZero reports whether the kernel shows a non-zero size for the
// device node in sysfs.
func sizeNonZero(node string) (bool, error) {
	b, err := os.ReadFile(filepath.Join("/sys", "block", filepath.Base(node), "size"))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(b)) != "0", nil
}

// WaitReady blocks until the kernel has brought the device node up, i.e.
// until the block layer reports its size. It listens for the udev event
// for the node and falls back to polling sysfs when the udev socket is
// not available (e.g. inside containers). Returns ETIMEDOUT if the
// device does not come up within timeout.
func WaitReady(node string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err == nil {
		defer conn.Close()
		queue := make(chan netlink.UEvent)
		errs := make(chan error)
		quit := conn.Monitor(queue, errs, &netlink.RuleDefinitions{
			Rules: []netlink.RuleDefinition{
				{
					Env: map[string]string{
						"DEVNAME": node,
					},
				},
			},
		})
		defer close(quit)

		// The event may have fired before the monitor was up.
		if ready, err := sizeNonZero(node); err == nil && ready {
			return nil
		}
		select {
		case <-queue:
			return nil
		case err := <-errs:
			return err
		case <-time.After(time.Until(deadline)):
			return unix.ETIMEDOUT
		}
	}

	for time.Now().Before(deadline) {
		if ready, err := sizeNonZero(node); err == nil && ready {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return unix.ETIMEDOUT
}
