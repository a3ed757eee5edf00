package server

import (
	"bytes"
	"io"
	"log"
	"log/syslog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/rclone/gonbdloop/nbd"
)

// levels in increasing severity; messages carry these as a "[LEVEL] "
// prefix on each line.
var levels = []string{"DEBUG", "INFO", "WARN", "ERROR"}

// levelFilter passes through log lines at or above a minimum level.
// Lines with no recognisable prefix always pass.
type levelFilter struct {
	w   io.Writer
	min int
}

func levelIndex(name string) int {
	for i, l := range levels {
		if strings.EqualFold(l, name) {
			return i
		}
	}
	return -1
}

func (f *levelFilter) Write(p []byte) (int, error) {
	start := bytes.IndexByte(p, '[')
	end := bytes.IndexByte(p, ']')
	if start >= 0 && end > start {
		if lvl := levelIndex(string(p[start+1 : end])); lvl >= 0 && lvl < f.min {
			return len(p), nil
		}
	}
	return f.w.Write(p)
}

var syslogFacilities = map[string]syslog.Priority{
	"daemon": syslog.LOG_DAEMON,
	"user":   syslog.LOG_USER,
	"local0": syslog.LOG_LOCAL0,
	"local1": syslog.LOG_LOCAL1,
	"local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3,
	"local4": syslog.LOG_LOCAL4,
	"local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6,
	"local7": syslog.LOG_LOCAL7,
}

// GetLogger builds the logger the config asks for. The returned closer is
// non-nil when the log destination needs closing.
func GetLogger(c *nbd.LogConfig) (*log.Logger, io.Closer, error) {
	var w io.Writer
	var closer io.Closer
	flags := log.LstdFlags
	switch {
	case c.SyslogFacility != "":
		facility, ok := syslogFacilities[strings.ToLower(c.SyslogFacility)]
		if !ok {
			facility = syslog.LOG_DAEMON
		}
		sw, err := syslog.New(facility|syslog.LOG_INFO, "gonbdloop")
		if err != nil {
			return nil, nil, err
		}
		w, closer = sw, sw
		flags = 0 // syslog stamps its own time
	case c.File != "":
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, err
		}
		w, closer = f, f
	default:
		w = os.Stderr
		if isatty.IsTerminal(os.Stderr.Fd()) {
			flags = log.Ltime
		}
	}
	if min := levelIndex(c.Level); min > 0 {
		w = &levelFilter{w: w, min: min}
	}
	return log.New(w, "", flags), closer, nil
}
