// A command to expose configured backends as local NBD block devices
package main

import (
	"flag"

	"github.com/rclone/gonbdloop/server"

	_ "github.com/rclone/gonbdloop/backend/aiofile"
	_ "github.com/rclone/gonbdloop/backend/badgerdb"
	_ "github.com/rclone/gonbdloop/backend/file"
	_ "github.com/rclone/gonbdloop/backend/memory"
	_ "github.com/rclone/gonbdloop/backend/s3"
)

// main() is the main program entry
//
// this is a wrapper to enable us to put the interesting stuff in a package
func main() {
	flag.Parse()
	server.Run(nil)
}
