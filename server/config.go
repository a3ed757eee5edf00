package server

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/rclone/gonbdloop/nbd"
)

var validate = validator.New()

// LoadConfig parses and validates the YAML configuration file.
func LoadConfig(path string) (*nbd.Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	var c nbd.Config
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	seen := make(map[string]bool)
	for i := range c.Devices {
		d := &c.Devices[i]
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		if bs := d.BlockSize; bs != 0 && bs&(bs-1) != 0 {
			return nil, fmt.Errorf("device %q: block size %d is not a power of two", d.Name, bs)
		}
		if _, ok := nbd.BackendMap[d.Driver]; !ok {
			return nil, fmt.Errorf("device %q: no such driver %q (have %v)", d.Name, d.Driver, nbd.GetBackendNames())
		}
	}
	return &c, nil
}
