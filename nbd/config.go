package nbd

import (
	"fmt"
)

// Config is the top level configuration
type Config struct {
	Devices []DeviceConfig `yaml:"devices" validate:"required,min=1,dive"` // array of device configurations
	Logging LogConfig      `yaml:"logging"`                                // log destination
}

// DeviceConfig holds the config for one exported block device
type DeviceConfig struct {
	Name             string                 `yaml:"name" validate:"required"`                         // name of the device for logging
	Driver           string                 `yaml:"driver" validate:"required"`                       // name of the backend driver
	ReadOnly         bool                   `yaml:"readonly"`                                         // true if writes should be refused
	NbdNum           int                    `yaml:"nbdnum"`                                           // nbd device number to claim; 0 or absent picks one
	BlockSize        uint32                 `yaml:"blocksize" validate:"omitempty,min=512,max=65536"` // block size override, must be a power of two
	DriverParameters DriverParametersConfig `yaml:",inline"`                                          // driver parameters. These are an arbitrary map. Inline means they go aside the foregoing
}

// LogConfig specifies configuration for logging
type LogConfig struct {
	File           string `yaml:"file"`           // a file to log to, empty for stderr
	SyslogFacility string `yaml:"syslogfacility"` // a syslog facility name - set to enable syslog
	Level          string `yaml:"level"`          // debug, info, warn or error
}

// DriverParametersConfig is an arbitrary map of other parameters in string format
type DriverParametersConfig map[string]string

// IsTrue determines whether an argument is true
func IsTrue(v string) (bool, error) {
	if v == "true" {
		return true, nil
	} else if v == "false" || v == "" {
		return false, nil
	}
	return false, fmt.Errorf("unknown boolean value: %s", v)
}

// IsTrueFalse determines whether an argument is true or false
func IsTrueFalse(v string) (bool, bool, error) {
	if v == "true" {
		return true, false, nil
	} else if v == "false" {
		return false, true, nil
	} else if v == "" {
		return false, false, nil
	}
	return false, false, fmt.Errorf("unknown boolean value: %s", v)
}
